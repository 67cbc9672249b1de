// Package psrfits writes and reads search-mode PSRFITS files: a primary HDU
// with the observation metadata and a SUBINT binary table holding nsblk
// spectra per row.
package psrfits

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/charmbracelet/log"

	"github.com/mattetti/psrconv/internal/obsinfo"
	"github.com/mattetti/psrconv/internal/stream"
	"github.com/mattetti/psrconv/internal/telescope"
)

const (
	// DefaultNSBLK is the number of spectra per subintegration.
	DefaultNSBLK      = 2048
	defaultBufferSize = 1 << 20
)

// Options configures an Encoder.
type Options struct {
	NSBLK    int
	NBits    int // output bit depth; zero keeps the header's
	Observer string
	Project  string
	Beam     obsinfo.Beam
	Sites    telescope.Lookup
	Now      func() time.Time
	Logger   *log.Logger

	BufferSize int
}

type encoderState int

const (
	stateUnopened encoderState = iota
	stateFilling
	stateClosed
)

// Encoder streams a window of spectra into a PSRFITS file. Appended spectra
// are regrouped into rows of NSBLK spectra; a short final row is zero padded.
type Encoder struct {
	path   string
	opts   Options
	logger *log.Logger

	state   encoderState
	file    *os.File
	table   *tableWriter
	info    obsinfo.Info
	freqs   []float64
	azimuth float64
	zenith  float64

	nbits  int
	signed bool
	offset float32 // DAT_OFFS of every channel
	nchans int
	nsblk  int

	pending  []float64 // one row of spectra
	npending int
	rows     int64
	spectra  int64
	total    int64
	row      rowEncoder
}

// NewEncoder creates an encoder writing to path. Nothing touches the
// filesystem before Open.
func NewEncoder(path string, opts Options) *Encoder {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.NSBLK == 0 {
		opts.NSBLK = DefaultNSBLK
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sites == nil {
		opts.Sites = telescope.Default()
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

// Info returns the observation metadata computed by Open.
func (e *Encoder) Info() obsinfo.Info {
	return e.info
}

// Rows returns the number of subintegrations written so far.
func (e *Encoder) Rows() int64 {
	return e.rows
}

// Open writes the primary HDU and the SUBINT table header for window w of h.
// Bit depth and nsblk are checked before the file is created.
func (e *Encoder) Open(h stream.Header, w stream.Window) error {
	if e.state != stateUnopened {
		return fmt.Errorf("%w: open called twice on %s", stream.ErrEncoderState, e.path)
	}
	nbits := h.NBits
	if e.opts.NBits != 0 {
		nbits = e.opts.NBits
	}
	if _, ok := dataCode(nbits); !ok {
		return fmt.Errorf("%w: PSRFITS has no column format for %d-bit samples", stream.ErrUnsupportedBitDepth, nbits)
	}
	if e.opts.NSBLK < 0 {
		return &stream.ConfigError{Field: "nsblk", Value: int64(e.opts.NSBLK), Reason: "must be positive"}
	}

	e.info = obsinfo.Build(h, w, obsinfo.Params{
		Observer: e.opts.Observer,
		Project:  e.opts.Project,
		NBits:    nbits,
		NSBLK:    e.opts.NSBLK,
		Beam:     e.opts.Beam,
		Created:  e.opts.Now(),
		Sites:    e.opts.Sites,
	})
	for _, warn := range e.info.Warnings {
		e.logger.Warn(warn, "path", e.path)
	}
	out := h.Windowed(w)
	e.freqs = out.ChannelFrequencies()
	e.azimuth, e.zenith = out.AzStart, out.ZaStart
	e.nbits = nbits
	e.signed = h.Signed && nbits != 32
	if nbits == 16 && !e.signed {
		e.offset = uint16Offset
	}
	e.nchans = w.NChans()
	e.nsblk = e.opts.NSBLK
	e.total = w.Count
	e.pending = make([]float64, e.nsblk*e.nchans)

	f, err := os.Create(e.path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	e.file = f
	e.state = stateFilling

	if err := writePrimary(f, primaryCards(e.info)); err != nil {
		return err
	}
	e.table, err = newTableWriter(f, e.columns(), e.subintCards(), e.opts.BufferSize)
	if err != nil {
		return fmt.Errorf("error writing SUBINT header: %w", err)
	}
	e.logger.Debug("PSRFITS header written", "path", e.path, "nchan", e.nchans, "nbits", nbits,
		"nsblk", e.nsblk, "rows", e.expectedRows(), "telescope", e.info.Telescope)
	return nil
}

// dataCode maps a sample depth to its DATA column type.
func dataCode(nbits int) (byte, bool) {
	switch nbits {
	case 8:
		return 'B', true
	case 16:
		return 'I', true
	case 32:
		return 'E', true
	}
	return 0, false
}

func (e *Encoder) expectedRows() int64 {
	return (e.total + int64(e.nsblk) - 1) / int64(e.nsblk)
}

func (e *Encoder) columns() []column {
	code, _ := dataCode(e.nbits)
	n := e.nchans
	return []column{
		{name: "TSUBINT", code: 'D', repeat: 1, unit: "s"},
		{name: "OFFS_SUB", code: 'D', repeat: 1, unit: "s"},
		{name: "LST_SUB", code: 'D', repeat: 1, unit: "s"},
		{name: "RA_SUB", code: 'D', repeat: 1, unit: "deg"},
		{name: "DEC_SUB", code: 'D', repeat: 1, unit: "deg"},
		{name: "GLON_SUB", code: 'D', repeat: 1, unit: "deg"},
		{name: "GLAT_SUB", code: 'D', repeat: 1, unit: "deg"},
		{name: "FD_ANG", code: 'E', repeat: 1, unit: "deg"},
		{name: "POS_ANG", code: 'E', repeat: 1, unit: "deg"},
		{name: "PAR_ANG", code: 'E', repeat: 1, unit: "deg"},
		{name: "TEL_AZ", code: 'E', repeat: 1, unit: "deg"},
		{name: "TEL_ZEN", code: 'E', repeat: 1, unit: "deg"},
		{name: "DAT_FREQ", code: 'D', repeat: n, unit: "MHz"},
		{name: "DAT_WTS", code: 'E', repeat: n},
		{name: "DAT_OFFS", code: 'E', repeat: n * npol},
		{name: "DAT_SCL", code: 'E', repeat: n * npol},
		{name: "DATA", code: code, repeat: e.nsblk * n * npol, unit: "Jy",
			dim: fmt.Sprintf("(1,%d,%d,%d)", n, npol, e.nsblk)},
	}
}

// npol is fixed: only total intensity is written.
const npol = 1

func (e *Encoder) subintCards() []fitsio.Card {
	signint := 0
	if e.signed || e.nbits == 16 {
		signint = 1
	}
	return []fitsio.Card{
		card("INT_TYPE", "TIME", "Time axis (TIME, BINPHSPERI, BINLNGASC, etc)"),
		card("INT_UNIT", "SEC", "Unit of time axis (SEC, PHS (0-1), DEG)"),
		card("SCALE", "FluxDen", "Intensity units (FluxDen/RefFlux/Jansky)"),
		card("POL_TYPE", "AA+BB", "Polarisation identifier (e.g., AABBCRCI, AA+BB)"),
		card("NPOL", npol, "Nr of polarisations"),
		card("TBIN", e.info.TBin, "[s] Time per bin or sample"),
		card("NBIN", 1, "Nr of bins (PSR/CAL mode; else 1)"),
		card("NBIN_PRD", 0, "Nr of bins/pulse period (for gated data)"),
		card("PHS_OFFS", 0.0, "Phase offset of bin 0 for gated data"),
		card("NBITS", e.nbits, "Nr of bits/datum (SEARCH mode data, else 1)"),
		card("ZERO_OFF", 0.0, "Zero offset for SEARCH-mode data"),
		card("SIGNINT", signint, "1 for signed ints in SEARCH-mode data, else 0"),
		card("NSUBOFFS", 0, "Subint offset (Contiguous SEARCH-mode files)"),
		card("NCHAN", e.nchans, "Number of channels/sub-bands in this file"),
		card("CHAN_BW", e.info.ChanBW, "[MHz] Channel/sub-band width"),
		card("DM", 0.0, "[cm-3 pc] DM for post-detection dedisperion"),
		card("RM", 0.0, "[rad m-2] RM for post-detection deFaraday"),
		card("NCHNOFFS", 0, "Channel/sub-band offset for split files"),
		card("NSBLK", e.nsblk, "Samples/row (SEARCH mode, else 1)"),
		card("NSTOT", int(e.total), "Total number of samples (SEARCH mode, else 1)"),
		card("EXTNAME", "SUBINT", "name of this binary table extension"),
	}
}

// Append buffers b and writes every completed subintegration.
func (e *Encoder) Append(b *stream.Block) error {
	if e.state != stateFilling {
		return fmt.Errorf("%w: append on %s outside open/close", stream.ErrEncoderState, e.path)
	}
	if b.NChans != e.nchans {
		return fmt.Errorf("%w: batch has %d channels, header declares %d", stream.ErrUnsupportedFormat, b.NChans, e.nchans)
	}
	for i := 0; i < b.NSpectra; {
		n := e.nsblk - e.npending
		if left := b.NSpectra - i; left < n {
			n = left
		}
		copy(e.pending[e.npending*e.nchans:], b.Data[i*e.nchans:(i+n)*e.nchans])
		e.npending += n
		i += n
		if e.npending == e.nsblk {
			if err := e.flushRow(); err != nil {
				return err
			}
		}
	}
	e.spectra += int64(b.NSpectra)
	return nil
}

// flushRow writes the pending spectra as one row. Missing samples of a short
// row are zero; its TSUBINT and OFFS_SUB only cover the real samples.
func (e *Encoder) flushRow() error {
	for i := e.npending * e.nchans; i < len(e.pending); i++ {
		e.pending[i] = 0
	}
	tbin := e.info.TBin
	tsubint := float64(e.npending) * tbin
	offs := float64(e.rows*int64(e.nsblk))*tbin + tsubint/2

	r := &e.row
	r.b = r.b[:0]
	r.f64(tsubint, offs, obsinfo.LSTAfter(e.info.LST, offs),
		e.info.RADeg, e.info.DecDeg, e.info.GL, e.info.GB)
	r.f32(0, 0, 0, float32(e.azimuth), float32(e.zenith))
	r.f64(e.freqs...)
	r.repeatF32(1, e.nchans)
	r.repeatF32(e.offset, e.nchans*npol)
	r.repeatF32(1, e.nchans*npol)
	r.b = appendData(r.b, e.pending, e.nbits, e.signed)

	if err := e.table.writeRow(r.b); err != nil {
		return fmt.Errorf("error writing subint %d: %w", e.rows, err)
	}
	e.logger.Debug("subint written", "path", e.path, "row", e.rows, "valid", e.npending)
	e.rows++
	e.npending = 0
	return nil
}

// uint16Offset is the DAT_OFFS that maps the signed 16-bit DATA column onto
// unsigned samples.
const uint16Offset = 32768

// appendData casts samples to the DATA column type without rescaling.
// Unsigned 16-bit samples are stored shifted down by uint16Offset.
func appendData(dst []byte, data []float64, nbits int, signed bool) []byte {
	switch nbits {
	case 8:
		for _, v := range data {
			if signed {
				dst = append(dst, uint8(int8(castRange(v, math.MinInt8, math.MaxInt8))))
				continue
			}
			dst = append(dst, uint8(castRange(v, 0, math.MaxUint8)))
		}
	case 16:
		for _, v := range data {
			if signed {
				dst = binary.BigEndian.AppendUint16(dst, uint16(int16(castRange(v, math.MinInt16, math.MaxInt16))))
				continue
			}
			dst = binary.BigEndian.AppendUint16(dst, uint16(int16(castRange(v, 0, math.MaxUint16)-uint16Offset)))
		}
	case 32:
		for _, v := range data {
			dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(v)))
		}
	}
	return dst
}

// castRange truncates v toward zero and clamps it to [lo, hi].
func castRange(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return math.Trunc(v)
}

// Close writes a short final subintegration if spectra are pending, sets the
// table row count and closes the file.
func (e *Encoder) Close() error {
	if e.state != stateFilling {
		return fmt.Errorf("%w: close on %s outside open", stream.ErrEncoderState, e.path)
	}
	e.state = stateClosed
	if e.npending > 0 {
		if err := e.flushRow(); err != nil {
			e.file.Close()
			return err
		}
	}
	if err := e.table.close(); err != nil {
		e.file.Close()
		return fmt.Errorf("error finalizing %s: %w", e.path, err)
	}
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", e.path, err)
	}
	if e.spectra != e.total {
		e.logger.Warn("window not filled", "path", e.path, "spectra", e.spectra, "expected", e.total)
	}
	e.logger.Debug("PSRFITS closed", "path", e.path, "rows", e.rows, "spectra", e.spectra)
	return nil
}

// Abort closes the file without finalizing it. The file stays on disk.
func (e *Encoder) Abort() error {
	if e.state != stateFilling {
		e.state = stateClosed
		return nil
	}
	e.state = stateClosed
	if e.table != nil {
		e.table.buf.Flush()
	}
	return e.file.Close()
}
