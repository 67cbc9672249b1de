package stream

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrInvalidWindow is matched by every *ConfigError.
	ErrInvalidWindow = errors.New("invalid window")
	// ErrUnsupportedBitDepth: the encoder has no representation for the sample width.
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")
	// ErrUnsupportedFormat: the data layout or header cannot be represented.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrOutOfRange: a read asked for spectra past the end of the source.
	ErrOutOfRange = errors.New("read out of range")
	// ErrEncoderState: a sink operation was called out of order.
	ErrEncoderState = errors.New("encoder used out of sequence")
)

// ConfigError reports an invalid conversion parameter. It is always raised
// before any output file is created.
type ConfigError struct {
	Field  string
	Value  int64
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s=%d: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidWindow
}

// WriteError reports a failure while producing an output file.
// Partial is set when bytes had already reached Path.
type WriteError struct {
	Path    string
	Partial bool
	Err     error
}

func (e *WriteError) Error() string {
	if e.Partial {
		return fmt.Sprintf("error writing %s (partial file left behind): %v", e.Path, e.Err)
	}
	return fmt.Sprintf("error writing %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SourceError reports a failed read from the source collaborator.
type SourceError struct {
	Offset int64
	Count  int64
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("error reading %d spectra at %d: %v", e.Count, e.Offset, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Code is a coarse error class used for logs and exit statuses.
type Code string

const (
	CodeUnknown Code = "unknown"
	CodeConfig  Code = "config"
	CodeFormat  Code = "format"
	CodeIO      Code = "io"
	CodeSource  Code = "source"
	CodeState   Code = "state"
)

// Classify maps err onto a Code using sentinels and error types only.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, ErrInvalidWindow) {
		return CodeConfig
	}
	if errors.Is(err, ErrUnsupportedBitDepth) || errors.Is(err, ErrUnsupportedFormat) {
		return CodeFormat
	}
	if errors.Is(err, ErrEncoderState) {
		return CodeState
	}
	var serr *SourceError
	if errors.As(err, &serr) || errors.Is(err, ErrOutOfRange) {
		return CodeSource
	}
	var werr *WriteError
	if errors.As(err, &werr) {
		return CodeIO
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}
