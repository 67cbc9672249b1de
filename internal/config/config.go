// Package config loads the psrconv TOML file. Values from the file sit
// under command-line flags: a flag that was set always wins.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml"

	"github.com/mattetti/psrconv/internal/converter"
	"github.com/mattetti/psrconv/internal/obsinfo"
	"github.com/mattetti/psrconv/internal/telescope"
)

type OutputConfig struct {
	Dir       string `toml:"dir"`
	Format    string `toml:"format"`
	ChunkSize int64  `toml:"chunk_size"`
	NSBLK     int    `toml:"nsblk"`
	NBits     int    `toml:"nbits"`
}

type ObservationConfig struct {
	Observer  string  `toml:"observer"`
	Project   string  `toml:"project"`
	BeamMajor float64 `toml:"beam_major"`
	BeamMinor float64 `toml:"beam_minor"`
	BeamPA    float64 `toml:"beam_pa"`
}

type ToolsConfig struct {
	FitsVerify string `toml:"fitsverify"`
}

// TelescopeConfig adds or replaces an observatory. ID is the sigproc
// telescope_id; leave it out for sites that have none.
type TelescopeConfig struct {
	Name    string   `toml:"name"`
	ID      *int     `toml:"id"`
	Aliases []string `toml:"aliases"`
	X       float64  `toml:"x"`
	Y       float64  `toml:"y"`
	Z       float64  `toml:"z"`
}

type Config struct {
	Output      OutputConfig      `toml:"output"`
	Observation ObservationConfig `toml:"observation"`
	Tools       ToolsConfig       `toml:"tools"`
	Telescopes  []TelescopeConfig `toml:"telescope"`
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document.
func Parse(r io.Reader) (*Config, error) {
	config := &Config{}
	decoder := toml.NewDecoder(r)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	for i, t := range c.Telescopes {
		if t.Name == "" {
			return fmt.Errorf("telescope #%d has no name", i+1)
		}
	}
	if c.Output.ChunkSize < 0 || c.Output.NSBLK < 0 || c.Output.NBits < 0 {
		return fmt.Errorf("output: chunk_size, nsblk and nbits must not be negative")
	}
	return nil
}

// Sites returns the built-in observatories extended with the configured ones.
func (c *Config) Sites() *telescope.Table {
	t := telescope.Default()
	for _, tc := range c.Telescopes {
		id := -1
		if tc.ID != nil {
			id = *tc.ID
		}
		t.Add(telescope.Site{Name: tc.Name, ID: id, Aliases: tc.Aliases, X: tc.X, Y: tc.Y, Z: tc.Z})
	}
	return t
}

// Apply fills the fields of cfg that are still zero from the file.
func (c *Config) Apply(cfg converter.Config) converter.Config {
	if cfg.OutputDir == "" {
		cfg.OutputDir = c.Output.Dir
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = c.Output.ChunkSize
	}
	if cfg.NSBLK == 0 {
		cfg.NSBLK = c.Output.NSBLK
	}
	if cfg.NBits == 0 {
		cfg.NBits = c.Output.NBits
	}
	if cfg.Observer == "" {
		cfg.Observer = c.Observation.Observer
	}
	if cfg.Project == "" {
		cfg.Project = c.Observation.Project
	}
	if cfg.Beam == (obsinfo.Beam{}) {
		cfg.Beam = obsinfo.Beam{Major: c.Observation.BeamMajor, Minor: c.Observation.BeamMinor, PA: c.Observation.BeamPA}
	}
	return cfg
}
