package converter

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format selects the output encoder.
type Format int

const (
	Filterbank Format = iota + 1
	PSRFITS
)

// Formats lists every output format.
var Formats = []Format{Filterbank, PSRFITS}

func (f Format) String() string {
	switch f {
	case Filterbank:
		return "filterbank"
	case PSRFITS:
		return "psrfits"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Ext returns the file extension of f, dot included.
func (f Format) Ext() string {
	switch f {
	case Filterbank:
		return ".fil"
	case PSRFITS:
		return ".fits"
	}
	return ""
}

// ParseFormats parses "fil", "fits" or "both" (and a few aliases).
func ParseFormats(s string) ([]Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fil", "filterbank", "sigproc":
		return []Format{Filterbank}, nil
	case "fits", "psrfits":
		return []Format{PSRFITS}, nil
	case "both", "all":
		return append([]Format(nil), Formats...), nil
	}
	return nil, fmt.Errorf("unknown output format %q (want fil, fits or both)", s)
}

// FormatOf guesses the format of a file from its extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fil":
		return Filterbank, true
	case ".fits", ".sf":
		return PSRFITS, true
	}
	return 0, false
}
