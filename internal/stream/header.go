package stream

import (
	"fmt"
	"math"
	"time"
)

// Header is the unified observation metadata exposed by every Source.
// Frequencies are in MHz, sample intervals in seconds and start times in MJD.
type Header struct {
	Basename  string
	Filename  string
	Filenames []string // contributing source files
	Format    string   // data-format tag, "fil" or "fits"

	TelescopeID int
	Telescope   string
	MachineID   int
	DataType    int
	SourceName  string

	Bandwidth float64
	Center    float64
	Fch1      float64
	Foff      float64 // signed channel width

	RADeg  float64
	DecDeg float64
	GL     float64 // galactic longitude, degrees
	GB     float64 // galactic latitude, degrees

	AzStart       float64
	ZaStart       float64
	Barycentric   int
	Pulsarcentric int

	NBits  int
	NPol   int
	Signed bool // 8 and 16-bit samples are two's complement

	NativeNChans   int64
	NativeNSpectra int64
	NativeTsamp    float64

	NChans   int64
	NSpectra int64
	Tsamp    float64

	TStart    float64 // MJD of the first spectrum
	TStartUTC string

	TimeDecimation      int
	FrequencyDecimation int
}

// Validate checks the invariants tying the exposed resolution to the native one.
func (h *Header) Validate() error {
	if h.NChans <= 0 || h.NSpectra <= 0 {
		return fmt.Errorf("%w: empty header (nchans=%d, nspectra=%d)", ErrUnsupportedFormat, h.NChans, h.NSpectra)
	}
	if h.Tsamp <= 0 {
		return fmt.Errorf("%w: non-positive tsamp %g", ErrUnsupportedFormat, h.Tsamp)
	}
	fdec, tdec := h.decimation()
	if h.NativeNChans != 0 && h.NChans != h.NativeNChans/int64(fdec) {
		return fmt.Errorf("%w: nchans %d does not match native %d / %d", ErrUnsupportedFormat, h.NChans, h.NativeNChans, fdec)
	}
	if h.NativeNSpectra != 0 && h.NSpectra != h.NativeNSpectra/int64(tdec) {
		return fmt.Errorf("%w: nspectra %d does not match native %d / %d", ErrUnsupportedFormat, h.NSpectra, h.NativeNSpectra, tdec)
	}
	if h.NativeTsamp != 0 && math.Abs(h.Tsamp-h.NativeTsamp*float64(tdec)) > 1e-12*h.Tsamp {
		return fmt.Errorf("%w: tsamp %g does not match native %g * %d", ErrUnsupportedFormat, h.Tsamp, h.NativeTsamp, tdec)
	}
	return nil
}

func (h *Header) decimation() (fdec, tdec int) {
	fdec, tdec = h.FrequencyDecimation, h.TimeDecimation
	if fdec <= 0 {
		fdec = 1
	}
	if tdec <= 0 {
		tdec = 1
	}
	return fdec, tdec
}

// Windowed returns the header describing the output of w.
// The receiver is left untouched.
func (h *Header) Windowed(w Window) Header {
	out := *h
	out.Filenames = append([]string(nil), h.Filenames...)
	out.NChans = int64(w.ChanMax - w.ChanMin)
	out.Fch1 = h.Fch1 + float64(w.ChanMin)*h.Foff
	out.NSpectra = w.Count
	out.Bandwidth = float64(out.NChans) * math.Abs(h.Foff)
	out.Center = out.Fch1 + h.Foff*float64(out.NChans-1)/2
	out.TStart = h.TStart + float64(w.Start)*h.Tsamp/86400
	out.TStartUTC = MJDToUTC(out.TStart)
	return out
}

// ChannelFrequencies returns the centre frequency of every channel.
func (h *Header) ChannelFrequencies() []float64 {
	freqs := make([]float64, h.NChans)
	for i := range freqs {
		freqs[i] = h.Fch1 + float64(i)*h.Foff
	}
	return freqs
}

// mjdUnixEpoch is the MJD of 1970-01-01T00:00:00 UTC.
const mjdUnixEpoch = 40587.0

// MJDToTime converts an MJD to a UTC time with microsecond resolution.
func MJDToTime(mjd float64) time.Time {
	day := math.Floor(mjd)
	usec := math.Round((mjd - day) * 86400e6)
	t := time.Unix(int64(day-mjdUnixEpoch)*86400, 0).UTC()
	return t.Add(time.Duration(usec) * time.Microsecond)
}

// MJDToUTC formats an MJD the way observatories write DATE-OBS.
func MJDToUTC(mjd float64) string {
	return MJDToTime(mjd).Format("2006-01-02T15:04:05.000000")
}

// TimeToMJD is the inverse of MJDToTime.
func TimeToMJD(t time.Time) float64 {
	return mjdUnixEpoch + float64(t.UTC().UnixNano())/86400e9
}
