package psrfits

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattetti/psrconv/internal/stream"
)

// hdu locates one header-data unit inside a FITS file.
type hdu struct {
	offset    int64 // first header card
	dataStart int64
	dataLen   int64 // without block padding
	cards     map[string]string
}

func (h *hdu) end() int64 {
	return h.dataStart + h.dataLen + padLen(h.dataLen)
}

func (h *hdu) str(key string) string {
	return h.cards[key]
}

func (h *hdu) integer(key string) (int64, error) {
	v, ok := h.cards[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", stream.ErrUnsupportedFormat, key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", stream.ErrUnsupportedFormat, key, v)
	}
	return n, nil
}

func (h *hdu) number(key string) (float64, error) {
	v, ok := h.cards[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", stream.ErrUnsupportedFormat, key)
	}
	f, err := strconv.ParseFloat(strings.Replace(v, "D", "E", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", stream.ErrUnsupportedFormat, key, v)
	}
	return f, nil
}

// scanHDUs walks the headers of a FITS file without loading any data.
func scanHDUs(r io.ReaderAt, size int64) ([]hdu, error) {
	var hdus []hdu
	off := int64(0)
	for off < size {
		h, err := readHDUHeader(r, off, size)
		if err != nil {
			return nil, fmt.Errorf("HDU %d: %w", len(hdus), err)
		}
		if h.end() > size {
			return nil, fmt.Errorf("%w: HDU %d runs past the end of the file", stream.ErrUnsupportedFormat, len(hdus))
		}
		hdus = append(hdus, *h)
		off = h.end()
	}
	if len(hdus) == 0 {
		return nil, fmt.Errorf("%w: empty FITS file", stream.ErrUnsupportedFormat)
	}
	return hdus, nil
}

func readHDUHeader(r io.ReaderAt, off, size int64) (*hdu, error) {
	h := &hdu{offset: off, cards: make(map[string]string)}
	block := make([]byte, blockSize)
	for pos := off; ; pos += blockSize {
		if pos+blockSize > size {
			return nil, fmt.Errorf("%w: header without END", stream.ErrUnsupportedFormat)
		}
		if _, err := r.ReadAt(block, pos); err != nil {
			return nil, err
		}
		for i := 0; i < blockSize; i += cardSize {
			key, value, hasValue := parseCard(string(block[i : i+cardSize]))
			if key == "END" {
				h.dataStart = pos + blockSize
				n, err := dataLen(h)
				if err != nil {
					return nil, err
				}
				h.dataLen = n
				return h, nil
			}
			if hasValue {
				if _, dup := h.cards[key]; !dup {
					h.cards[key] = value
				}
			}
		}
	}
}

// parseCard returns the keyword and the value text of a card. String values
// are unquoted and right-trimmed.
func parseCard(c string) (key, value string, ok bool) {
	key = strings.TrimSpace(c[:8])
	if len(c) < 10 || c[8:10] != "= " {
		return key, "", false
	}
	v := strings.TrimSpace(c[10:])
	if strings.HasPrefix(v, "'") {
		var b strings.Builder
		for i := 1; i < len(v); i++ {
			if v[i] == '\'' {
				if i+1 < len(v) && v[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				break
			}
			b.WriteByte(v[i])
		}
		return key, strings.TrimRight(b.String(), " "), true
	}
	if i := strings.IndexByte(v, '/'); i >= 0 {
		v = v[:i]
	}
	return key, strings.TrimSpace(v), true
}

func dataLen(h *hdu) (int64, error) {
	bitpix, err := h.integer("BITPIX")
	if err != nil {
		return 0, err
	}
	naxis, err := h.integer("NAXIS")
	if err != nil {
		return 0, err
	}
	if naxis == 0 {
		return 0, nil
	}
	n := int64(1)
	for i := int64(1); i <= naxis; i++ {
		v, err := h.integer(fmt.Sprintf("NAXIS%d", i))
		if err != nil {
			return 0, err
		}
		n *= v
	}
	pcount, gcount := int64(0), int64(1)
	if _, ok := h.cards["XTENSION"]; ok {
		if pcount, err = h.integer("PCOUNT"); err != nil {
			return 0, err
		}
		if gcount, err = h.integer("GCOUNT"); err != nil {
			return 0, err
		}
	}
	if bitpix < 0 {
		bitpix = -bitpix
	}
	return bitpix / 8 * gcount * (pcount + n), nil
}

// tableColumn locates a column inside a binary table row.
type tableColumn struct {
	offset int
	repeat int
	code   byte
}

func tableColumns(h *hdu) (map[string]tableColumn, int, error) {
	nfields, err := h.integer("TFIELDS")
	if err != nil {
		return nil, 0, err
	}
	cols := make(map[string]tableColumn, nfields)
	off := 0
	for i := int64(1); i <= nfields; i++ {
		name := h.str(fmt.Sprintf("TTYPE%d", i))
		repeat, code, err := parseForm(h.str(fmt.Sprintf("TFORM%d", i)))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: column %d: %v", stream.ErrUnsupportedFormat, i, err)
		}
		cols[name] = tableColumn{offset: off, repeat: repeat, code: code}
		off += repeat * codeSize(code)
	}
	return cols, off, nil
}
