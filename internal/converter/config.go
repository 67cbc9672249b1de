package converter

import (
	"path/filepath"

	"github.com/mattetti/psrconv/internal/obsinfo"
	"github.com/mattetti/psrconv/internal/stream"
)

// Defaults applied when a Config leaves the knob at zero.
const (
	DefaultChunkSize = 4096
	DefaultNSBLK     = 2048
)

// Config describes one conversion. It is a value: derive a new Config with
// the With* methods instead of changing one that is in use.
type Config struct {
	Start   int64
	Count   *int64 // nil converts through the last spectrum
	ChanMin *int   // nil selects channel 0
	ChanMax *int   // nil selects through the last channel

	OutputDir  string
	OutputName string // base name without extension; empty uses the source basename

	ChunkSize int64 // spectra per read
	NSBLK     int   // spectra per PSRFITS subintegration
	NBits     int   // output bit depth; zero keeps the source's

	Observer string
	Project  string
	Beam     obsinfo.Beam
}

// Int64 returns a pointer to v, for optional Config fields.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v, for optional Config fields.
func Int(v int) *int { return &v }

// WithWindow returns a copy of c selecting a different window.
func (c Config) WithWindow(start int64, count *int64, chanMin, chanMax *int) Config {
	c.Start, c.Count, c.ChanMin, c.ChanMax = start, count, chanMin, chanMax
	return c
}

// WithOutput returns a copy of c writing to dir/name.
func (c Config) WithOutput(dir, name string) Config {
	c.OutputDir, c.OutputName = dir, name
	return c
}

// Request returns the window request carried by c.
func (c Config) Request() stream.Request {
	return stream.Request{Start: c.Start, Count: c.Count, ChanMin: c.ChanMin, ChanMax: c.ChanMax}
}

// Validate checks the knobs that do not depend on the source.
func (c Config) Validate() error {
	if c.ChunkSize < 0 {
		return &stream.ConfigError{Field: "chunk_size", Value: c.ChunkSize, Reason: "must be positive"}
	}
	if c.NSBLK < 0 {
		return &stream.ConfigError{Field: "nsblk", Value: int64(c.NSBLK), Reason: "must be positive"}
	}
	if c.NBits < 0 {
		return &stream.ConfigError{Field: "nbits", Value: int64(c.NBits), Reason: "must be positive"}
	}
	return nil
}

func (c Config) chunkSize() int64 {
	if c.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

func (c Config) nsblk() int {
	if c.NSBLK == 0 {
		return DefaultNSBLK
	}
	return c.NSBLK
}

// OutputPath returns where format f of a conversion of h is written.
func (c Config) OutputPath(h stream.Header, f Format) string {
	name := c.OutputName
	if name == "" {
		name = h.Basename
	}
	if name == "" {
		name = "output"
	}
	return filepath.Join(c.OutputDir, name+f.Ext())
}
