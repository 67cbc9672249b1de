// Package converter is the writer engine: it resolves the window, pumps
// bounded batches from a source into one format encoder and handles the
// output file when a conversion fails.
package converter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mattetti/psrconv/internal/psrfits"
	"github.com/mattetti/psrconv/internal/sigproc"
	"github.com/mattetti/psrconv/internal/stream"
	"github.com/mattetti/psrconv/internal/telescope"
)

// Progress receives the spectra written so far for one output. It is purely
// observational.
type Progress func(f Format, done, total int64)

// Options represents the engine options shared by every conversion.
type Options struct {
	Logger     *log.Logger
	Progress   Progress
	Telescopes telescope.Lookup
	Now        func() time.Time // PSRFITS creation date; nil uses time.Now
	ErrorSave  bool             // move failed outputs to <output_dir>/errors/ instead of deleting them
}

// Converter handles the conversion process.
type Converter struct {
	options Options
	logger  *log.Logger
}

// NewConverter creates a new converter.
func NewConverter(options Options) *Converter {
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}
	if options.Telescopes == nil {
		options.Telescopes = telescope.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Converter{options: options, logger: logger}
}

// sink is the capability every format encoder provides to the pump.
type sink interface {
	stream.Sink
	Path() string
	Abort() error
}

func (c *Converter) newSink(f Format, path string, cfg Config) (sink, error) {
	switch f {
	case Filterbank:
		return sigproc.NewEncoder(path, sigproc.Options{NBits: cfg.NBits, Logger: c.logger}), nil
	case PSRFITS:
		return psrfits.NewEncoder(path, psrfits.Options{
			NSBLK:    cfg.nsblk(),
			NBits:    cfg.NBits,
			Observer: cfg.Observer,
			Project:  cfg.Project,
			Beam:     cfg.Beam,
			Sites:    c.options.Telescopes,
			Now:      c.options.Now,
			Logger:   c.logger,
		}), nil
	}
	return nil, fmt.Errorf("%w: output format %v", stream.ErrUnsupportedFormat, f)
}

// WriteFilterbank writes <output_dir>/<output_name>.fil.
func (c *Converter) WriteFilterbank(src stream.Source, cfg Config) (string, error) {
	return c.Write(src, cfg, Filterbank)
}

// WritePSRFITS writes <output_dir>/<output_name>.fits.
func (c *Converter) WritePSRFITS(src stream.Source, cfg Config) (string, error) {
	return c.Write(src, cfg, PSRFITS)
}

// Write converts the window of src selected by cfg into format f and returns
// the output path. Configuration problems are reported before any file is
// created.
func (c *Converter) Write(src stream.Source, cfg Config, f Format) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	h := src.Header()
	if err := h.Validate(); err != nil {
		return "", err
	}
	w, err := cfg.Request().Resolve(h.NSpectra, int(h.NChans))
	if err != nil {
		return "", err
	}
	path := cfg.OutputPath(h, f)
	if sameFile(path, h.Filenames) {
		return "", &stream.ConfigError{Field: "output_name", Reason: fmt.Sprintf("%s would overwrite its own source", path)}
	}
	s, err := c.newSink(f, path, cfg)
	if err != nil {
		return "", err
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			return "", &stream.WriteError{Path: path, Err: fmt.Errorf("error creating output directory: %w", err)}
		}
	}

	start := time.Now()
	c.logger.Info("converting", "format", f, "output", path, "start", w.Start, "count", w.Count,
		"channels", fmt.Sprintf("%d:%d", w.ChanMin, w.ChanMax))
	if err := s.Open(h, w); err != nil {
		return "", c.fail(s, err)
	}
	if err := c.pump(src, s, w, cfg.chunkSize(), f); err != nil {
		return "", c.fail(s, err)
	}
	if err := s.Close(); err != nil {
		return "", c.fail(s, err)
	}
	c.logger.Info("done", "output", path, "spectra", w.Count, "duration", time.Since(start).Round(time.Millisecond))
	return path, nil
}

// pump drives w through src in batches of at most chunk spectra.
func (c *Converter) pump(src stream.Source, s sink, w stream.Window, chunk int64, f Format) error {
	nchans := int(src.Header().NChans)
	for off := w.Start; off < w.End(); off += chunk {
		n := chunk
		if remaining := w.End() - off; remaining < n {
			n = remaining
		}
		b, err := src.Read(off, n)
		if err != nil {
			return &stream.SourceError{Offset: off, Count: n, Err: err}
		}
		if int64(b.NSpectra) != n || b.NChans != nchans {
			return &stream.SourceError{Offset: off, Count: n,
				Err: fmt.Errorf("%w: got %dx%d block, want %dx%d", stream.ErrUnsupportedFormat, b.NSpectra, b.NChans, n, nchans)}
		}
		if err := s.Append(b.Channels(w.ChanMin, w.ChanMax)); err != nil {
			return err
		}
		done := off + n - w.Start
		c.logger.Debug("chunk written", "output", s.Path(), "offset", off, "spectra", n, "done", done)
		if c.options.Progress != nil {
			c.options.Progress(f, done, w.Count)
		}
	}
	return nil
}

// fail abandons the output of s and applies the partial-file policy.
// Errors raised before the file existed are returned unchanged.
func (c *Converter) fail(s sink, cause error) error {
	path := s.Path()
	if err := s.Abort(); err != nil {
		c.logger.Error("could not close partial output", "path", path, "err", err)
		cause = errors.Join(cause, err)
	}
	if _, err := os.Stat(path); err != nil {
		return cause
	}
	werr := &stream.WriteError{Path: path, Err: cause}
	if c.options.ErrorSave {
		saved, err := c.saveErrorFile(path)
		if err != nil {
			c.logger.Error("could not keep partial output", "path", path, "err", err)
			werr.Partial = true
			return werr
		}
		werr.Path, werr.Partial = saved, true
		c.logger.Warn("partial output kept", "path", saved, "err", cause)
		return werr
	}
	if err := os.Remove(path); err != nil {
		c.logger.Error("could not remove partial output", "path", path, "err", err)
		werr.Partial = true
		return werr
	}
	c.logger.Warn("partial output removed", "path", path, "err", cause)
	return werr
}

// saveErrorFile moves a failed output into an errors directory next to it.
func (c *Converter) saveErrorFile(path string) (string, error) {
	errorDir := filepath.Join(filepath.Dir(path), "errors")
	if err := os.MkdirAll(errorDir, 0755); err != nil {
		return "", fmt.Errorf("error creating error directory: %w", err)
	}
	dst := filepath.Join(errorDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("error moving %s: %w", path, err)
	}
	return dst, nil
}

func sameFile(path string, sources []string) bool {
	out, err := os.Stat(path)
	if err != nil {
		return false
	}
	for _, s := range sources {
		if in, err := os.Stat(s); err == nil && os.SameFile(in, out) {
			return true
		}
	}
	return false
}

// WriteAll writes every format in formats from the same source at once, one
// encoder per format. src must tolerate concurrent Read calls. Paths are
// returned in the order of formats, empty for failed outputs.
func (c *Converter) WriteAll(src stream.Source, cfg Config, formats ...Format) ([]string, error) {
	if len(formats) == 0 {
		formats = Formats
	}
	paths := make([]string, len(formats))
	errs := make([]error, len(formats))
	var wg sync.WaitGroup
	for i, f := range formats {
		wg.Add(1)
		go func(i int, f Format) {
			defer wg.Done()
			paths[i], errs[i] = c.Write(src, cfg, f)
		}(i, f)
	}
	wg.Wait()
	return paths, errors.Join(errs...)
}

// ConvertFile opens the filterbank or PSRFITS file at input and writes it in
// every format of formats.
func (c *Converter) ConvertFile(input string, cfg Config, formats ...Format) ([]string, error) {
	src, err := OpenSource(input, c.options.Telescopes)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return c.WriteAll(src, cfg, formats...)
}

// ProcessDirectory converts every .fil and .fits file under inputDir into
// cfg.OutputDir, mirroring the directory layout. Failures are logged and the
// walk continues. The paths of the outputs written are returned.
func (c *Converter) ProcessDirectory(inputDir string, cfg Config, formats ...Format) ([]string, error) {
	c.logger.Info("scanning", "dir", inputDir)

	var files []string
	err := filepath.WalkDir(inputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "errors" && path != inputDir {
			return filepath.SkipDir
		}
		if _, ok := FormatOf(path); ok && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning directory: %w", err)
	}
	c.logger.Info("planning", "files", len(files), "dir", inputDir)

	startTime := time.Now()
	converted := 0
	var outputs []string
	for _, file := range files {
		rel, err := filepath.Rel(inputDir, filepath.Dir(file))
		if err != nil {
			return outputs, fmt.Errorf("error calculating relative path: %w", err)
		}
		fileCfg := cfg.WithOutput(filepath.Join(cfg.OutputDir, rel), "")
		paths, err := c.ConvertFile(file, fileCfg, formats...)
		for _, p := range paths {
			if p != "" {
				outputs = append(outputs, p)
			}
		}
		if err != nil {
			c.logger.Error("conversion failed", "file", file, "code", stream.Classify(err), "err", err)
			continue
		}
		converted++
	}
	c.logger.Info("converted", "files", converted, "of", len(files), "duration", time.Since(startTime).Round(time.Millisecond))
	if converted != len(files) {
		return outputs, fmt.Errorf("%d of %d files failed to convert", len(files)-converted, len(files))
	}
	return outputs, nil
}
