// Package stream defines the data model shared by the readers and writers:
// the unified header, sample blocks, the source and sink capabilities, the
// window selector and the error taxonomy.
package stream

import "fmt"

// Block holds consecutive spectra in row-major order (spectrum, channel).
// float64 represents every supported sample type exactly.
type Block struct {
	NSpectra int
	NChans   int
	Data     []float64
}

// NewBlock allocates a zeroed block.
func NewBlock(nspectra, nchans int) *Block {
	return &Block{NSpectra: nspectra, NChans: nchans, Data: make([]float64, nspectra*nchans)}
}

// Spectrum returns the i'th spectrum; the slice aliases b.Data.
func (b *Block) Spectrum(i int) []float64 {
	return b.Data[i*b.NChans : (i+1)*b.NChans]
}

// Channels copies the channel range [cmin, cmax) of every spectrum.
func (b *Block) Channels(cmin, cmax int) *Block {
	if cmin == 0 && cmax == b.NChans {
		return b
	}
	out := NewBlock(b.NSpectra, cmax-cmin)
	for i := 0; i < b.NSpectra; i++ {
		copy(out.Spectrum(i), b.Spectrum(i)[cmin:cmax])
	}
	return out
}

// Source is the reader collaborator. Read returns count spectra starting at
// start and fails with ErrOutOfRange when start+count exceeds the header's
// spectra count. Implementations that are safe for concurrent Read calls
// allow several writers to share one source.
type Source interface {
	Header() Header
	Read(start, count int64) (*Block, error)
}

// Sink is the streaming capability every output format implements.
// Open is called once, Append any number of times in sample order, then Close.
type Sink interface {
	Open(h Header, w Window) error
	Append(b *Block) error
	Close() error
}

// MemorySource serves spectra from a Block held in memory.
type MemorySource struct {
	header Header
	data   *Block
}

// NewMemorySource wraps data with h. h.NSpectra and h.NChans are taken from data.
func NewMemorySource(h Header, data *Block) *MemorySource {
	h.NSpectra = int64(data.NSpectra)
	h.NChans = int64(data.NChans)
	if h.NativeNSpectra == 0 {
		h.NativeNSpectra = h.NSpectra
	}
	if h.NativeNChans == 0 {
		h.NativeNChans = h.NChans
	}
	if h.NativeTsamp == 0 {
		h.NativeTsamp = h.Tsamp
	}
	return &MemorySource{header: h, data: data}
}

func (m *MemorySource) Header() Header {
	return m.header
}

func (m *MemorySource) Read(start, count int64) (*Block, error) {
	if start < 0 || count < 0 || start+count > int64(m.data.NSpectra) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d spectra", ErrOutOfRange, start, start+count, m.data.NSpectra)
	}
	out := NewBlock(int(count), m.data.NChans)
	copy(out.Data, m.data.Data[int(start)*m.data.NChans:int(start+count)*m.data.NChans])
	return out, nil
}
