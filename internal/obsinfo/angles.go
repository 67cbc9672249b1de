package obsinfo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// sexagesimal splits |v| (in hours or degrees) into whole units, minutes and
// seconds rounded to decimals places. Rounding happens on an integer tick
// count so 59.99999s carries into the next minute instead of printing 60.
func sexagesimal(v float64, decimals int) (units, minutes int64, seconds float64) {
	scale := math.Pow(10, float64(decimals))
	ticksPerMinute := int64(60 * scale)
	ticks := int64(math.Round(math.Abs(v) * 3600 * scale))
	units = ticks / (60 * ticksPerMinute)
	ticks -= units * 60 * ticksPerMinute
	minutes = ticks / ticksPerMinute
	ticks -= minutes * ticksPerMinute
	return units, minutes, float64(ticks) / scale
}

// RAString formats a right ascension in degrees as HH:MM:SS.ssss.
func RAString(deg float64) string {
	hours := math.Mod(deg/15, 24)
	if hours < 0 {
		hours += 24
	}
	h, m, s := sexagesimal(hours, 4)
	if h == 24 {
		h = 0
	}
	return fmt.Sprintf("%02d:%02d:%07.4f", h, m, s)
}

// DecString formats a declination in degrees as +DD:MM:SS.sss.
func DecString(deg float64) string {
	sign := "+"
	if deg < 0 {
		sign = "-"
	}
	d, m, s := sexagesimal(deg, 3)
	return fmt.Sprintf("%s%02d:%02d:%06.3f", sign, d, m, s)
}

// SigprocRA encodes a right ascension in degrees as sigproc's hhmmss.s value.
func SigprocRA(deg float64) float64 {
	hours := math.Mod(deg/15, 24)
	if hours < 0 {
		hours += 24
	}
	h, m, s := sexagesimal(hours, 6)
	if h == 24 {
		h = 0
	}
	return float64(h*10000+m*100) + s
}

// SigprocDec encodes a declination in degrees as sigproc's ddmmss.s value.
func SigprocDec(deg float64) float64 {
	d, m, s := sexagesimal(deg, 6)
	v := float64(d*10000+m*100) + s
	if deg < 0 {
		return -v
	}
	return v
}

// FromSigproc decodes an hhmmss.s or ddmmss.s value into hours or degrees.
func FromSigproc(v float64) float64 {
	sign := 1.0
	if v < 0 {
		sign = -1
		v = -v
	}
	units := math.Floor(v / 10000)
	v -= units * 10000
	minutes := math.Floor(v / 100)
	seconds := v - minutes*100
	return sign * (units + minutes/60 + seconds/3600)
}

// ParseSexagesimal parses "HH:MM:SS.s" or "+DD:MM:SS.s" into hours or degrees.
func ParseSexagesimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	sign := 1.0
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	parts := strings.Split(s, ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid sexagesimal value %q", s)
	}
	var v float64
	div := 1.0
	for _, p := range parts {
		x, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid sexagesimal value %q: %w", s, err)
		}
		v += x / div
		div *= 60
	}
	return sign * v, nil
}

// J2000 orientation of the galactic frame.
const (
	galPoleRA  = 192.85948
	galPoleDec = 27.12825
	galNCPLon  = 122.93192
)

// Galactic converts J2000 equatorial coordinates to galactic longitude and
// latitude, all in degrees.
func Galactic(raDeg, decDeg float64) (l, b float64) {
	const rad = math.Pi / 180
	ra, dec := raDeg*rad, decDeg*rad
	pRA, pDec := galPoleRA*rad, galPoleDec*rad

	sinB := math.Sin(dec)*math.Sin(pDec) + math.Cos(dec)*math.Cos(pDec)*math.Cos(ra-pRA)
	b = math.Asin(sinB) / rad
	y := math.Cos(dec) * math.Sin(ra-pRA)
	x := math.Sin(dec)*math.Cos(pDec) - math.Cos(dec)*math.Sin(pDec)*math.Cos(ra-pRA)
	l = math.Mod(galNCPLon-math.Atan2(y, x)/rad, 360)
	if l < 0 {
		l += 360
	}
	return l, b
}
