package psrfits

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"

	"github.com/mattetti/psrconv/internal/obsinfo"
	"github.com/mattetti/psrconv/internal/stream"
	"github.com/mattetti/psrconv/internal/telescope"
)

// Reader serves spectra from the SUBINT table of a search-mode PSRFITS file.
// Row data is fetched with ReadAt so concurrent Read calls are safe.
type Reader struct {
	file   *os.File
	path   string
	header stream.Header
	table  hdu
	cols   map[string]tableColumn
	rowLen int64
	nrows  int64
	nsblk  int64
	nchans int
	signed bool
}

// Open parses the primary header and SUBINT layout of the file at path.
// sites resolves the telescope name to an id; nil uses telescope.Default().
func Open(path string, sites telescope.Lookup) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	r, err := newReader(f, path, sites)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File, path string, sites telescope.Lookup) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	hdus, err := scanHDUs(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var subint *hdu
	for i := range hdus {
		if hdus[i].str("EXTNAME") == "SUBINT" {
			subint = &hdus[i]
			break
		}
	}
	if subint == nil {
		return nil, fmt.Errorf("%w: %s has no SUBINT table", stream.ErrUnsupportedFormat, path)
	}
	if mode := hdus[0].str("OBS_MODE"); mode != "SEARCH" {
		return nil, fmt.Errorf("%w: %s is a %q mode file", stream.ErrUnsupportedFormat, path, mode)
	}

	r := &Reader{file: f, path: path, table: *subint}
	if err := r.layout(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	primary, err := readPrimary(io.NewSectionReader(f, 0, hdus[0].end()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sites == nil {
		sites = telescope.Default()
	}
	if err := r.buildHeader(primary, sites); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// readPrimary decodes the primary HDU with fitsio.
func readPrimary(r io.Reader) (*fitsio.Header, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("error decoding primary header: %w", err)
	}
	defer f.Close()
	hdr := *f.HDU(0).Header()
	return &hdr, nil
}

func (r *Reader) layout() error {
	t := &r.table
	cols, rowLen, err := tableColumns(t)
	if err != nil {
		return err
	}
	naxis1, err := t.integer("NAXIS1")
	if err != nil {
		return err
	}
	if int64(rowLen) != naxis1 {
		return fmt.Errorf("%w: columns span %d bytes, NAXIS1=%d", stream.ErrUnsupportedFormat, rowLen, naxis1)
	}
	for _, name := range []string{"TSUBINT", "DAT_FREQ", "DAT_SCL", "DAT_OFFS", "DATA"} {
		if _, ok := cols[name]; !ok {
			return fmt.Errorf("%w: SUBINT lacks %s", stream.ErrUnsupportedFormat, name)
		}
	}
	r.cols = cols
	r.rowLen = naxis1
	if r.nrows, err = t.integer("NAXIS2"); err != nil {
		return err
	}
	if r.nsblk, err = t.integer("NSBLK"); err != nil {
		return err
	}
	nchans, err := t.integer("NCHAN")
	if err != nil {
		return err
	}
	r.nchans = int(nchans)
	if npol, err := t.integer("NPOL"); err != nil || npol != 1 {
		return fmt.Errorf("%w: only single polarisation files are supported", stream.ErrUnsupportedFormat)
	}
	nbits, err := t.integer("NBITS")
	if err != nil {
		return err
	}
	code, ok := dataCode(int(nbits))
	if !ok {
		return fmt.Errorf("%w: %d-bit SUBINT data", stream.ErrUnsupportedBitDepth, nbits)
	}
	data := cols["DATA"]
	if data.code != code || int64(data.repeat) != r.nsblk*nchans {
		return fmt.Errorf("%w: DATA column %d%c does not match NBITS=%d", stream.ErrUnsupportedFormat, data.repeat, data.code, nbits)
	}
	signint, _ := t.integer("SIGNINT")
	r.signed = signint == 1 && code != 'E'
	return nil
}

func (r *Reader) buildHeader(p *fitsio.Header, sites telescope.Lookup) error {
	tbin, err := r.table.number("TBIN")
	if err != nil {
		return err
	}
	chanBW, err := r.table.number("CHAN_BW")
	if err != nil {
		return err
	}
	nbits, _ := r.table.integer("NBITS")
	nspectra, err := r.countSpectra(tbin)
	if err != nil {
		return err
	}

	h := stream.Header{
		Basename:            strings.TrimSuffix(filepath.Base(r.path), filepath.Ext(r.path)),
		Filename:            r.path,
		Filenames:           []string{r.path},
		Format:              "fits",
		Telescope:           cardString(p, "TELESCOP"),
		SourceName:          cardString(p, "SRC_NAME"),
		Foff:                chanBW,
		NBits:               int(nbits),
		NPol:                1,
		Signed:              r.signed,
		NativeNChans:        int64(r.nchans),
		NativeNSpectra:      nspectra,
		NativeTsamp:         tbin,
		NChans:              int64(r.nchans),
		NSpectra:            nspectra,
		Tsamp:               tbin,
		DataType:            1,
		TimeDecimation:      1,
		FrequencyDecimation: 1,
	}
	if site, ok := sites.ByName(h.Telescope); ok {
		h.TelescopeID = site.ID
	}
	if ra, err := obsinfo.ParseSexagesimal(cardString(p, "RA")); err == nil {
		h.RADeg = ra * 15
	}
	if dec, err := obsinfo.ParseSexagesimal(cardString(p, "DEC")); err == nil {
		h.DecDeg = dec
	}
	h.GL, h.GB = obsinfo.Galactic(h.RADeg, h.DecDeg)
	h.TStart = cardFloat(p, "STT_IMJD") + (cardFloat(p, "STT_SMJD")+cardFloat(p, "STT_OFFS"))/86400
	h.TStartUTC = stream.MJDToUTC(h.TStart)

	if r.nrows > 0 {
		freqs, err := r.readFloats(0, "DAT_FREQ", 0, r.nchans)
		if err != nil {
			return err
		}
		h.Fch1 = freqs[0]
		if nbits == 16 {
			offs, err := r.readFloats(0, "DAT_OFFS", 0, 1)
			if err != nil {
				return err
			}
			h.Signed = offs[0] < uint16Offset
		}
	} else {
		h.Fch1 = cardFloat(p, "OBSFREQ") - chanBW*float64(r.nchans-1)/2
	}
	h.Bandwidth = float64(r.nchans) * math.Abs(chanBW)
	h.Center = h.Fch1 + chanBW*float64(r.nchans-1)/2
	r.header = h
	return nil
}

// countSpectra sums the valid samples of every row. Only the last row may
// be short; its valid count is TSUBINT/TBIN.
func (r *Reader) countSpectra(tbin float64) (int64, error) {
	if r.nrows == 0 {
		return 0, nil
	}
	last := r.nrows - 1
	ts, err := r.readFloats(last, "TSUBINT", 0, 1)
	if err != nil {
		return 0, err
	}
	valid := int64(math.Round(ts[0] / tbin))
	if valid <= 0 || valid > r.nsblk {
		valid = r.nsblk
	}
	return last*r.nsblk + valid, nil
}

// column reads n elements of a column starting at element first of row.
func (r *Reader) column(row int64, name string, first, n int) ([]byte, tableColumn, error) {
	c := r.cols[name]
	size := codeSize(c.code)
	buf := make([]byte, n*size)
	off := r.table.dataStart + row*r.rowLen + int64(c.offset+first*size)
	if _, err := r.file.ReadAt(buf, off); err != nil {
		return nil, c, fmt.Errorf("error reading %s of row %d: %w", name, row, err)
	}
	return buf, c, nil
}

func (r *Reader) readFloats(row int64, name string, first, n int) ([]float64, error) {
	buf, c, err := r.column(row, name, first, n)
	if err != nil {
		return nil, err
	}
	return decodeBE(buf, c.code, false), nil
}

// decodeBE converts big-endian column elements to float64.
func decodeBE(buf []byte, code byte, signed bool) []float64 {
	size := codeSize(code)
	out := make([]float64, len(buf)/size)
	for i := range out {
		b := buf[i*size:]
		switch code {
		case 'B':
			if signed {
				out[i] = float64(int8(b[0]))
			} else {
				out[i] = float64(b[0])
			}
		case 'I':
			out[i] = float64(int16(binary.BigEndian.Uint16(b)))
		case 'J':
			out[i] = float64(int32(binary.BigEndian.Uint32(b)))
		case 'K':
			out[i] = float64(int64(binary.BigEndian.Uint64(b)))
		case 'E':
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case 'D':
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(b))
		}
	}
	return out
}

// Header returns the unified header.
func (r *Reader) Header() stream.Header {
	return r.header
}

// Rows returns the SUBINT row count.
func (r *Reader) Rows() int64 {
	return r.nrows
}

// RowValid returns the number of real spectra in row i.
func (r *Reader) RowValid(i int64) int64 {
	if i < r.nrows-1 {
		return r.nsblk
	}
	return r.header.NSpectra - i*r.nsblk
}

// Read returns count spectra starting at start, with DAT_SCL and DAT_OFFS
// applied.
func (r *Reader) Read(start, count int64) (*stream.Block, error) {
	if start < 0 || count < 0 || start+count > r.header.NSpectra {
		return nil, fmt.Errorf("%w: [%d, %d) of %d spectra in %s", stream.ErrOutOfRange, start, start+count, r.header.NSpectra, r.path)
	}
	out := stream.NewBlock(int(count), r.nchans)
	for done := int64(0); done < count; {
		s := start + done
		row, within := s/r.nsblk, s%r.nsblk
		n := r.nsblk - within
		if left := count - done; left < n {
			n = left
		}
		scl, err := r.readFloats(row, "DAT_SCL", 0, r.nchans)
		if err != nil {
			return nil, err
		}
		offs, err := r.readFloats(row, "DAT_OFFS", 0, r.nchans)
		if err != nil {
			return nil, err
		}
		buf, c, err := r.column(row, "DATA", int(within)*r.nchans, int(n)*r.nchans)
		if err != nil {
			return nil, err
		}
		vals := decodeBE(buf, c.code, r.signed)
		dst := out.Data[done*int64(r.nchans):]
		for i, v := range vals {
			ch := i % r.nchans
			dst[i] = v*scl[ch] + offs[ch]
		}
		done += n
	}
	return out, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

func cardString(h *fitsio.Header, key string) string {
	c := h.Get(key)
	if c == nil {
		return ""
	}
	if s, ok := c.Value.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(c.Value)
}

func cardFloat(h *fitsio.Header, key string) float64 {
	c := h.Get(key)
	if c == nil {
		return 0
	}
	switch v := c.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
