package sigproc

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattetti/psrconv/internal/obsinfo"
	"github.com/mattetti/psrconv/internal/stream"
	"github.com/mattetti/psrconv/internal/telescope"
)

// Reader serves spectra from a filterbank file. Reads go through ReadAt so
// concurrent Read calls are safe.
type Reader struct {
	file       *os.File
	path       string
	raw        *Header
	header     stream.Header
	dataOffset int64
	nbits      int
	nchans     int
}

// Open parses the header of the filterbank file at path. sites resolves the
// telescope id to a name; nil uses telescope.Default().
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
	raw, hdrLen, err := ReadHeader(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if raw.NIFs > 1 {
		return nil, fmt.Errorf("%w: %s has %d IFs, only total intensity is supported", stream.ErrUnsupportedFormat, path, raw.NIFs)
	}
	if !bitsSupported(int(raw.NBits)) {
		return nil, fmt.Errorf("%w: %s declares nbits=%d", stream.ErrUnsupportedBitDepth, path, raw.NBits)
	}
	if raw.NChans <= 0 {
		return nil, fmt.Errorf("%w: %s declares nchans=%d", stream.ErrUnsupportedFormat, path, raw.NChans)
	}

	bitsPerSpectrum := int64(raw.NBits) * int64(raw.NChans)
	nspectra := (info.Size() - hdrLen) * 8 / bitsPerSpectrum
	if raw.NSamples > 0 && int64(raw.NSamples) < nspectra {
		nspectra = int64(raw.NSamples)
	}

	if sites == nil {
		sites = telescope.Default()
	}
	r := &Reader{
		file:       f,
		path:       path,
		raw:        raw,
		dataOffset: hdrLen,
		nbits:      int(raw.NBits),
		nchans:     int(raw.NChans),
	}
	r.header = unifiedHeader(raw, path, nspectra, sites)
	return r, nil
}

func unifiedHeader(raw *Header, path string, nspectra int64, sites telescope.Lookup) stream.Header {
	h := stream.Header{
		Basename:            strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Filename:            path,
		Filenames:           []string{path},
		Format:              "fil",
		TelescopeID:         int(raw.TelescopeID),
		MachineID:           int(raw.MachineID),
		DataType:            int(raw.DataType),
		SourceName:          raw.SourceName,
		Fch1:                raw.Fch1,
		Foff:                raw.Foff,
		RADeg:               obsinfo.FromSigproc(raw.SrcRAJ) * 15,
		DecDeg:              obsinfo.FromSigproc(raw.SrcDEJ),
		AzStart:             raw.AzStart,
		ZaStart:             raw.ZaStart,
		Barycentric:         int(raw.Barycentric),
		Pulsarcentric:       int(raw.Pulsarcentric),
		NBits:               int(raw.NBits),
		NPol:                int(raw.NIFs),
		Signed:              raw.Signed && signedDepth(int(raw.NBits)),
		NativeNChans:        int64(raw.NChans),
		NativeNSpectra:      nspectra,
		NativeTsamp:         raw.TSamp,
		NChans:              int64(raw.NChans),
		NSpectra:            nspectra,
		Tsamp:               raw.TSamp,
		TStart:              raw.TStart,
		TStartUTC:           stream.MJDToUTC(raw.TStart),
		TimeDecimation:      1,
		FrequencyDecimation: 1,
	}
	if site, ok := sites.ByID(h.TelescopeID); ok {
		h.Telescope = site.Name
	}
	h.Bandwidth = float64(raw.NChans) * math.Abs(raw.Foff)
	h.Center = raw.Fch1 + raw.Foff*float64(raw.NChans-1)/2
	h.GL, h.GB = obsinfo.Galactic(h.RADeg, h.DecDeg)
	return h
}

// Header returns the unified header.
func (r *Reader) Header() stream.Header {
	return r.header
}

// Raw returns the parsed filterbank header records.
func (r *Reader) Raw() Header {
	return *r.raw
}

// Read returns count spectra starting at start.
func (r *Reader) Read(start, count int64) (*stream.Block, error) {
	if start < 0 || count < 0 || start+count > r.header.NSpectra {
		return nil, fmt.Errorf("%w: [%d, %d) of %d spectra in %s", stream.ErrOutOfRange, start, start+count, r.header.NSpectra, r.path)
	}
	first := start * int64(r.nchans)
	n := count * int64(r.nchans)
	bitStart := first * int64(r.nbits)
	bitEnd := (first + n) * int64(r.nbits)
	byteStart := bitStart / 8
	byteEnd := (bitEnd + 7) / 8

	buf := make([]byte, byteEnd-byteStart)
	if _, err := r.file.ReadAt(buf, r.dataOffset+byteStart); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", r.path, err)
	}
	skip := (bitStart % 8) / int64(r.nbits)
	b := &stream.Block{NSpectra: int(count), NChans: r.nchans, Data: decodeSamples(buf, r.nbits, skip, int(n))}
	if r.header.Signed {
		toSigned(b.Data, r.nbits)
	}
	return b, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
