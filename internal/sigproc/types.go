package sigproc

// Header mirrors the records of a sigproc filterbank header.
// Fields are written in the order of headerKeys.
type Header struct {
	TelescopeID   int32   // sigproc observatory code
	MachineID     int32   // backend code
	DataType      int32   // 1 for filterbank data
	RawDataFile   string  // name of the original data file
	SourceName    string  // target name
	Barycentric   int32   // 1 when times are barycentric
	Pulsarcentric int32   // 1 when times are pulsarcentric
	AzStart       float64 // telescope azimuth at start, degrees
	ZaStart       float64 // telescope zenith angle at start, degrees
	SrcRAJ        float64 // hhmmss.s
	SrcDEJ        float64 // ddmmss.s
	TStart        float64 // MJD of the first sample
	TSamp         float64 // seconds
	NBits         int32   // bits per sample
	Fch1          float64 // MHz, first channel
	Foff          float64 // MHz, signed channel width
	NChans        int32
	NIFs          int32
	NBeams        int32
	IBeam         int32
	NSamples      int32 // spectra in the file; 0 when unknown
	Signed        bool  // 8 and 16-bit samples are signed
}

type recordKind int

const (
	kindInt recordKind = iota
	kindDouble
	kindString
	kindChar
)

const (
	headerStart = "HEADER_START"
	headerEnd   = "HEADER_END"
)

// knownKeys lists every key the reader understands and its value type.
var knownKeys = map[string]recordKind{
	"telescope_id":  kindInt,
	"machine_id":    kindInt,
	"data_type":     kindInt,
	"rawdatafile":   kindString,
	"source_name":   kindString,
	"barycentric":   kindInt,
	"pulsarcentric": kindInt,
	"az_start":      kindDouble,
	"za_start":      kindDouble,
	"src_raj":       kindDouble,
	"src_dej":       kindDouble,
	"tstart":        kindDouble,
	"tsamp":         kindDouble,
	"nbits":         kindInt,
	"fch1":          kindDouble,
	"foff":          kindDouble,
	"nchans":        kindInt,
	"nifs":          kindInt,
	"nbeams":        kindInt,
	"ibeam":         kindInt,
	"nsamples":      kindInt,
	"refdm":         kindDouble,
	"period":        kindDouble,
	"src_rajd":      kindDouble,
	"src_dejd":      kindDouble,
	"signed":        kindChar,
}

// SupportedBits lists the sample widths a filterbank stream can carry.
var SupportedBits = []int{1, 2, 4, 8, 16, 32}

func bitsSupported(nbits int) bool {
	for _, b := range SupportedBits {
		if b == nbits {
			return true
		}
	}
	return false
}
