package sigproc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/mattetti/psrconv/internal/stream"
)

// Record length bounds; anything longer means we are not reading a sigproc
// header.
const (
	maxKeyLen   = 80
	maxValueLen = 4096
)

// WriteHeader serializes h as HEADER_START, the typed records, HEADER_END.
// It returns the number of bytes written.
func WriteHeader(w io.Writer, h *Header) (int64, error) {
	hw := &headerWriter{w: w}
	hw.key(headerStart)
	hw.i32("telescope_id", h.TelescopeID)
	hw.i32("machine_id", h.MachineID)
	hw.i32("data_type", h.DataType)
	if h.RawDataFile != "" {
		hw.str("rawdatafile", h.RawDataFile)
	}
	hw.str("source_name", h.SourceName)
	hw.i32("barycentric", h.Barycentric)
	hw.i32("pulsarcentric", h.Pulsarcentric)
	hw.f64("az_start", h.AzStart)
	hw.f64("za_start", h.ZaStart)
	hw.f64("src_raj", h.SrcRAJ)
	hw.f64("src_dej", h.SrcDEJ)
	hw.f64("tstart", h.TStart)
	hw.f64("tsamp", h.TSamp)
	hw.i32("nbits", h.NBits)
	hw.f64("fch1", h.Fch1)
	hw.f64("foff", h.Foff)
	hw.i32("nchans", h.NChans)
	hw.i32("nifs", h.NIFs)
	hw.i32("nbeams", h.NBeams)
	hw.i32("ibeam", h.IBeam)
	if h.NSamples > 0 {
		hw.i32("nsamples", h.NSamples)
	}
	if h.Signed {
		hw.char("signed", 1)
	}
	hw.key(headerEnd)
	if hw.err != nil {
		return hw.n, fmt.Errorf("error writing filterbank header: %w", hw.err)
	}
	return hw.n, nil
}

// headerWriter keeps the first error so records can be chained.
type headerWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (hw *headerWriter) write(v any) {
	if hw.err != nil {
		return
	}
	if err := binary.Write(hw.w, binary.LittleEndian, v); err != nil {
		hw.err = err
		return
	}
	hw.n += int64(binary.Size(v))
}

func (hw *headerWriter) key(k string) {
	hw.write(int32(len(k)))
	hw.write([]byte(k))
}

func (hw *headerWriter) i32(k string, v int32) {
	hw.key(k)
	hw.write(v)
}

func (hw *headerWriter) f64(k string, v float64) {
	hw.key(k)
	hw.write(v)
}

func (hw *headerWriter) str(k, v string) {
	hw.key(k)
	hw.key(v)
}

func (hw *headerWriter) char(k string, v byte) {
	hw.key(k)
	hw.write(v)
}

// ReadHeader parses a header from r and returns it with its size in bytes.
// Unknown keys fail with stream.ErrUnsupportedFormat since their value width
// cannot be known.
func ReadHeader(r io.Reader) (*Header, int64, error) {
	br := bufio.NewReader(r)
	hr := &headerReader{r: br}

	first, err := hr.key()
	if err != nil {
		return nil, 0, fmt.Errorf("error reading header start: %w", err)
	}
	if first != headerStart {
		return nil, 0, fmt.Errorf("%w: missing %s, got %q", stream.ErrUnsupportedFormat, headerStart, first)
	}

	h := &Header{NIFs: 1, NBeams: 1}
	for {
		k, err := hr.key()
		if err != nil {
			return nil, 0, fmt.Errorf("error reading header key: %w", err)
		}
		if k == headerEnd {
			break
		}
		kind, ok := knownKeys[k]
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown header key %q at byte %d", stream.ErrUnsupportedFormat, k, hr.n)
		}
		if err := hr.value(h, k, kind); err != nil {
			return nil, 0, fmt.Errorf("error reading value of %s: %w", k, err)
		}
	}
	return h, hr.n, nil
}

type headerReader struct {
	r io.Reader
	n int64
}

func (hr *headerReader) read(v any) error {
	if err := binary.Read(hr.r, binary.LittleEndian, v); err != nil {
		return err
	}
	hr.n += int64(binary.Size(v))
	return nil
}

func (hr *headerReader) key() (string, error) {
	return hr.text(1, maxKeyLen)
}

// text reads a length-prefixed string of minLen to maxLen bytes.
func (hr *headerReader) text(minLen, maxLen int32) (string, error) {
	var n int32
	if err := hr.read(&n); err != nil {
		return "", err
	}
	if n < minLen || n > maxLen {
		return "", fmt.Errorf("%w: bad record length %d", stream.ErrUnsupportedFormat, n)
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := hr.read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (hr *headerReader) value(h *Header, k string, kind recordKind) error {
	switch kind {
	case kindInt:
		var v int32
		if err := hr.read(&v); err != nil {
			return err
		}
		setInt(h, k, v)
	case kindDouble:
		var v float64
		if err := hr.read(&v); err != nil {
			return err
		}
		if math.IsNaN(v) {
			return fmt.Errorf("%w: %s is NaN", stream.ErrUnsupportedFormat, k)
		}
		setDouble(h, k, v)
	case kindString:
		v, err := hr.text(0, maxValueLen)
		if err != nil {
			return err
		}
		switch k {
		case "rawdatafile":
			h.RawDataFile = v
		case "source_name":
			h.SourceName = v
		}
	case kindChar:
		var v byte
		if err := hr.read(&v); err != nil {
			return err
		}
		h.Signed = v != 0
	}
	return nil
}

func setInt(h *Header, k string, v int32) {
	switch k {
	case "telescope_id":
		h.TelescopeID = v
	case "machine_id":
		h.MachineID = v
	case "data_type":
		h.DataType = v
	case "barycentric":
		h.Barycentric = v
	case "pulsarcentric":
		h.Pulsarcentric = v
	case "nbits":
		h.NBits = v
	case "nchans":
		h.NChans = v
	case "nifs":
		h.NIFs = v
	case "nbeams":
		h.NBeams = v
	case "ibeam":
		h.IBeam = v
	case "nsamples":
		h.NSamples = v
	}
}

// setDouble ignores refdm, period and the decimal-degree position keys.
func setDouble(h *Header, k string, v float64) {
	switch k {
	case "az_start":
		h.AzStart = v
	case "za_start":
		h.ZaStart = v
	case "src_raj":
		h.SrcRAJ = v
	case "src_dej":
		h.SrcDEJ = v
	case "tstart":
		h.TStart = v
	case "tsamp":
		h.TSamp = v
	case "fch1":
		h.Fch1 = v
	case "foff":
		h.Foff = v
	}
}
