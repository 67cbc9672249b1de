package converter

import (
	"fmt"

	"github.com/mattetti/psrconv/internal/psrfits"
	"github.com/mattetti/psrconv/internal/sigproc"
	"github.com/mattetti/psrconv/internal/stream"
	"github.com/mattetti/psrconv/internal/telescope"
)

// Source is a stream.Source backed by an open file.
type Source interface {
	stream.Source
	Close() error
}

// OpenSource opens a filterbank or PSRFITS file, chosen by extension.
func OpenSource(path string, sites telescope.Lookup) (Source, error) {
	f, ok := FormatOf(path)
	if !ok {
		return nil, fmt.Errorf("%w: cannot tell the format of %s from its extension", stream.ErrUnsupportedFormat, path)
	}
	if f == Filterbank {
		r, err := sigproc.Open(path, sites)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := psrfits.Open(path, sites)
	if err != nil {
		return nil, err
	}
	return r, nil
}
