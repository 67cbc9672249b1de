package sigproc

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/mattetti/psrconv/internal/obsinfo"
	"github.com/mattetti/psrconv/internal/stream"
)

const defaultBufferSize = 1 << 20

// Options configures an Encoder.
type Options struct {
	NBits      int // output bit depth; zero keeps the header's
	Logger     *log.Logger
	BufferSize int
}

type encoderState int

const (
	stateUnopened encoderState = iota
	stateOpen
	stateClosed
)

// Encoder streams a window of spectra into a sigproc filterbank file.
type Encoder struct {
	path   string
	opts   Options
	logger *log.Logger

	state  encoderState
	file   *os.File
	out    *bufio.Writer
	nbits  int
	signed bool
	nchans int
	packer packer
	buf    []byte

	spectra int64 // appended so far
	bytes   int64 // handed to the file so far
}

// NewEncoder creates an encoder writing to path. Nothing touches the
// filesystem before Open.
func NewEncoder(path string, opts Options) *Encoder {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Encoder{path: path, opts: opts, logger: logger}
}

// Path returns the output file path.
func (e *Encoder) Path() string {
	return e.path
}

// Written reports how many bytes have reached the output so far.
func (e *Encoder) Written() int64 {
	return e.bytes
}

// Open writes the header describing window w of h. The bit depth is checked
// before the file is created.
func (e *Encoder) Open(h stream.Header, w stream.Window) error {
	if e.state != stateUnopened {
		return fmt.Errorf("%w: open called twice on %s", stream.ErrEncoderState, e.path)
	}
	nbits := h.NBits
	if e.opts.NBits != 0 {
		nbits = e.opts.NBits
	}
	if !bitsSupported(nbits) {
		return fmt.Errorf("%w: filterbank cannot hold %d-bit samples", stream.ErrUnsupportedBitDepth, nbits)
	}
	if w.Count > math.MaxInt32 {
		return fmt.Errorf("%w: %d spectra do not fit the nsamples record", stream.ErrUnsupportedFormat, w.Count)
	}

	out := h.Windowed(w)
	out.NBits = nbits
	fh := NewHeader(out)

	f, err := os.Create(e.path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	e.file = f
	e.out = bufio.NewWriterSize(f, e.opts.BufferSize)
	e.state = stateOpen
	e.nbits = nbits
	e.signed = fh.Signed
	e.nchans = w.NChans()
	e.packer = packer{nbits: nbits}

	n, err := WriteHeader(e.out, fh)
	e.bytes += n
	if err != nil {
		return err
	}
	e.logger.Debug("filterbank header written", "path", e.path, "bytes", n, "nchans", fh.NChans, "nbits", nbits, "nsamples", fh.NSamples)
	return nil
}

// Append encodes b in the output bit depth.
func (e *Encoder) Append(b *stream.Block) error {
	if e.state != stateOpen {
		return fmt.Errorf("%w: append on %s outside open/close", stream.ErrEncoderState, e.path)
	}
	if b.NChans != e.nchans {
		return fmt.Errorf("%w: batch has %d channels, header declares %d", stream.ErrUnsupportedFormat, b.NChans, e.nchans)
	}
	e.buf = encodeSamples(e.buf[:0], b.Data, e.nbits, e.signed, &e.packer)
	n, err := e.out.Write(e.buf)
	e.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("error writing samples: %w", err)
	}
	e.spectra += int64(b.NSpectra)
	return nil
}

// Close flushes the pending partial byte and buffered data, then closes the file.
func (e *Encoder) Close() error {
	if e.state != stateOpen {
		return fmt.Errorf("%w: close on %s outside open", stream.ErrEncoderState, e.path)
	}
	e.state = stateClosed
	if e.packer.pending() {
		tail := e.packer.flush(nil)
		n, err := e.out.Write(tail)
		e.bytes += int64(n)
		if err != nil {
			e.file.Close()
			return fmt.Errorf("error writing samples: %w", err)
		}
	}
	if err := e.out.Flush(); err != nil {
		e.file.Close()
		return fmt.Errorf("error flushing %s: %w", e.path, err)
	}
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", e.path, err)
	}
	e.logger.Debug("filterbank closed", "path", e.path, "spectra", e.spectra, "bytes", e.bytes)
	return nil
}

// Abort closes the file without finalizing it. The file stays on disk.
func (e *Encoder) Abort() error {
	if e.state != stateOpen {
		e.state = stateClosed
		return nil
	}
	e.state = stateClosed
	e.out.Flush()
	return e.file.Close()
}

// NewHeader builds the filterbank header describing h.
func NewHeader(h stream.Header) *Header {
	dataType := int32(h.DataType)
	if dataType == 0 {
		dataType = 1
	}
	raw := h.Basename
	if raw == "" && h.Filename != "" {
		raw = filepath.Base(h.Filename)
	}
	return &Header{
		TelescopeID:   int32(h.TelescopeID),
		MachineID:     int32(h.MachineID),
		DataType:      dataType,
		RawDataFile:   raw,
		SourceName:    h.SourceName,
		Barycentric:   int32(h.Barycentric),
		Pulsarcentric: int32(h.Pulsarcentric),
		AzStart:       h.AzStart,
		ZaStart:       h.ZaStart,
		SrcRAJ:        obsinfo.SigprocRA(h.RADeg),
		SrcDEJ:        obsinfo.SigprocDec(h.DecDeg),
		TStart:        h.TStart,
		TSamp:         h.Tsamp,
		NBits:         int32(h.NBits),
		Fch1:          h.Fch1,
		Foff:          h.Foff,
		NChans:        int32(h.NChans),
		NIFs:          1,
		NBeams:        1,
		NSamples:      int32(h.NSpectra),
		Signed:        h.Signed && signedDepth(h.NBits),
	}
}
