// Package obsinfo derives the observation metadata a PSRFITS primary header
// needs from a unified header and a resolved window.
package obsinfo

import (
	"fmt"
	"math"
	"time"

	"github.com/mattetti/psrconv/internal/stream"
	"github.com/mattetti/psrconv/internal/telescope"
)

// Default free-text identifiers.
const (
	DefaultObserver = "unknown"
	DefaultProject  = "unknown"
)

// Info is computed once per conversion and never modified afterwards.
type Info struct {
	Telescope string
	AntX      float64
	AntY      float64
	AntZ      float64
	Longitude float64 // degrees, east positive

	BeamMajor float64 // degrees
	BeamMinor float64
	BeamPA    float64

	SourceName string
	RADeg      float64
	DecDeg     float64
	RAStr      string
	DecStr     string
	GL         float64
	GB         float64

	FCenter float64
	ObsBW   float64
	ChanBW  float64
	NChan   int
	NBits   int
	NSBLK   int
	TBin    float64

	FileDate string
	ObsDate  string
	Observer string
	Project  string
	ScanLen  float64 // seconds

	StartMJD float64
	IMJD     int
	SMJD     int
	Offs     float64 // seconds past IMJD+SMJD
	LST      float64 // local sidereal seconds at the first sample

	Warnings []string
}

// Beam describes the telescope beam; zero when unknown.
type Beam struct {
	Major float64
	Minor float64
	PA    float64
}

// Params carries the values that do not come from the header.
type Params struct {
	Observer string
	Project  string
	NBits    int // output bit depth; zero keeps the header's
	NSBLK    int
	Beam     Beam
	Created  time.Time
	Sites    telescope.Lookup
}

// Build derives Info for converting window w of h. It performs no I/O.
func Build(h stream.Header, w stream.Window, p Params) Info {
	out := h.Windowed(w)

	info := Info{
		SourceName: out.SourceName,
		RADeg:      out.RADeg,
		DecDeg:     out.DecDeg,
		RAStr:      RAString(out.RADeg),
		DecStr:     DecString(out.DecDeg),
		GL:         out.GL,
		GB:         out.GB,
		BeamMajor:  p.Beam.Major,
		BeamMinor:  p.Beam.Minor,
		BeamPA:     p.Beam.PA,
		FCenter:    out.Center,
		ChanBW:     out.Foff,
		NChan:      int(out.NChans),
		ObsBW:      float64(out.NChans) * out.Foff,
		NBits:      out.NBits,
		NSBLK:      p.NSBLK,
		TBin:       out.Tsamp,
		ObsDate:    stream.MJDToUTC(out.TStart),
		Observer:   p.Observer,
		Project:    p.Project,
		ScanLen:    float64(w.Count) * out.Tsamp,
	}
	if p.NBits != 0 {
		info.NBits = p.NBits
	}
	if info.Observer == "" {
		info.Observer = DefaultObserver
	}
	if info.Project == "" {
		info.Project = DefaultProject
	}
	created := p.Created
	if created.IsZero() {
		created = time.Now()
	}
	info.FileDate = created.UTC().Format("2006-01-02T15:04:05")

	info.Telescope = out.Telescope
	var site telescope.Site
	found := false
	if p.Sites != nil {
		site, found = telescope.Resolve(p.Sites, out.Telescope, out.TelescopeID)
	}
	if found {
		info.Telescope = site.Name
		info.AntX, info.AntY, info.AntZ = site.X, site.Y, site.Z
		info.Longitude = site.Longitude()
	} else {
		if info.Telescope == "" {
			info.Telescope = "unknown"
		}
		info.Warnings = append(info.Warnings,
			fmt.Sprintf("unknown telescope %q (id %d): antenna position set to zero", out.Telescope, out.TelescopeID))
	}

	info.StartMJD = out.TStart
	info.IMJD, info.SMJD, info.Offs = SplitMJD(out.TStart)
	info.LST = LST(out.TStart, info.Longitude)
	return info
}

// SplitMJD splits mjd into the integer day, whole seconds into that day and
// the sub-second remainder. The day is removed before scaling to seconds so
// no precision of the day number leaks into the seconds.
func SplitMJD(mjd float64) (imjd, smjd int, offs float64) {
	day := math.Floor(mjd)
	secs := (mjd - day) * 86400
	whole := math.Floor(secs)
	return int(day), int(whole), secs - whole
}

// Sidereal time coefficients (hours) for GMST relative to J2000.
const (
	gmst0    = 6.697374558
	gmstDay  = 0.06570982441908
	gmstHour = 1.00273790935
	gmstCent = 0.000026
	mjdJ2000 = 51544.5

	// SiderealRate converts elapsed solar seconds to sidereal seconds.
	SiderealRate = 1.00273790935
)

// LST returns the local sidereal time in seconds at mjd for an observer at
// longitude (degrees, east positive).
func LST(mjd, longitude float64) float64 {
	day := math.Floor(mjd)
	hours := (mjd - day) * 24
	d := mjd - mjdJ2000
	d0 := day - mjdJ2000
	cent := d / 36525
	gmst := gmst0 + gmstDay*d0 + gmstHour*hours + gmstCent*cent*cent
	lst := math.Mod(gmst+longitude/15, 24)
	if lst < 0 {
		lst += 24
	}
	return lst * 3600
}

// LSTAfter returns the sidereal time elapsed seconds after a start LST.
func LSTAfter(lst, elapsed float64) float64 {
	v := math.Mod(lst+elapsed*SiderealRate, 86400)
	if v < 0 {
		v += 86400
	}
	return v
}
