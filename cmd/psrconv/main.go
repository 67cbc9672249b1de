package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mattetti/psrconv/internal/config"
	"github.com/mattetti/psrconv/internal/converter"
	"github.com/mattetti/psrconv/internal/obsinfo"
	"github.com/mattetti/psrconv/internal/stream"
	"github.com/mattetti/psrconv/internal/telescope"
	"github.com/mattetti/psrconv/internal/verify"
)

var (
	outputPath string
	outputName string
	formatName string
	configPath string
	observer   string
	project    string
	start      int64
	count      int64
	chanMin    int
	chanMax    int
	chunkSize  int64
	nsblk      int
	nbits      int
	beamMajor  float64
	beamMinor  float64
	beamPA     float64
	debugMode  bool
	errorSave  bool
	verifyMode bool
)

const VERSION = "1.0.0"

const defaultOutputDir = "converted"

var rootCmd = &cobra.Command{
	Use:     "psrconv",
	Short:   "Convert pulsar search data between filterbank and PSRFITS",
	Version: VERSION,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			log.SetLevel(log.DebugLevel)
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var convertCmd = &cobra.Command{
	Use:   "convert <file or directory>",
	Short: "Convert a .fil/.fits file, or every such file under a directory",
	Long: `Convert streams a window of the input into the requested formats.
The window is chosen with --start/--count (spectra) and --chan-min/--chan-max
(channels, end exclusive); unset bounds take the whole observation.

Examples:
  psrconv convert obs.fil --format fits --nsblk 4096
  psrconv convert obs.fits --format fil --chan-min 10 --chan-max 90 -o out/
  psrconv convert /data/survey/ --format both --config psrconv.toml -e`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

var headerCmd = &cobra.Command{
	Use:   "header <file>",
	Short: "Print the unified header of a .fil/.fits file",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeader,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file")

	f := convertCmd.Flags()
	f.StringVarP(&outputPath, "output", "o", "", "output directory (defaults to \""+defaultOutputDir+"\")")
	f.StringVar(&outputName, "name", "", "output base name without extension (defaults to the input's)")
	f.StringVar(&formatName, "format", "both", "output format: fil, fits or both")
	f.Int64Var(&start, "start", 0, "first spectrum to convert")
	f.Int64Var(&count, "count", 0, "number of spectra to convert (defaults to the rest)")
	f.IntVar(&chanMin, "chan-min", 0, "first channel to keep")
	f.IntVar(&chanMax, "chan-max", 0, "channel after the last one to keep (defaults to nchans)")
	f.Int64Var(&chunkSize, "chunk", 0, fmt.Sprintf("spectra per read (default %d)", converter.DefaultChunkSize))
	f.IntVar(&nsblk, "nsblk", 0, fmt.Sprintf("spectra per PSRFITS subintegration (default %d)", converter.DefaultNSBLK))
	f.IntVar(&nbits, "nbits", 0, "output bit depth (defaults to the input's)")
	f.StringVar(&observer, "observer", "", "PSRFITS OBSERVER")
	f.StringVar(&project, "project", "", "PSRFITS PROJID")
	f.Float64Var(&beamMajor, "beam-major", 0, "beam major axis, degrees")
	f.Float64Var(&beamMinor, "beam-minor", 0, "beam minor axis, degrees")
	f.Float64Var(&beamPA, "beam-pa", 0, "beam position angle, degrees")
	f.BoolVarP(&errorSave, "errors", "e", false, "keep failed outputs in <output>/errors/")
	f.BoolVar(&verifyMode, "verify", false, "run fitsverify on PSRFITS outputs")

	rootCmd.AddCommand(convertCmd, headerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error(), "code", stream.Classify(err))
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error class onto the process status.
func exitCode(err error) int {
	switch stream.Classify(err) {
	case stream.CodeConfig:
		return 2
	case stream.CodeFormat:
		return 3
	case stream.CodeIO:
		return 4
	case stream.CodeSource:
		return 5
	case stream.CodeState:
		return 6
	}
	return 1
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return &config.Config{}, nil
	}
	return config.Load(configPath)
}

// conversionConfig builds the conversion from flags, with the file filling
// whatever was not given on the command line.
func conversionConfig(cmd *cobra.Command, file *config.Config) converter.Config {
	f := cmd.Flags()
	cfg := converter.Config{
		Start:      start,
		OutputDir:  outputPath,
		OutputName: outputName,
		ChunkSize:  chunkSize,
		NSBLK:      nsblk,
		NBits:      nbits,
		Observer:   observer,
		Project:    project,
		Beam:       obsinfo.Beam{Major: beamMajor, Minor: beamMinor, PA: beamPA},
	}
	if f.Changed("count") {
		cfg.Count = converter.Int64(count)
	}
	if f.Changed("chan-min") {
		cfg.ChanMin = converter.Int(chanMin)
	}
	if f.Changed("chan-max") {
		cfg.ChanMax = converter.Int(chanMax)
	}
	cfg = file.Apply(cfg)
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
		log.Info("no output directory selected", "default", cfg.OutputDir)
	}
	return cfg
}

func runConvert(cmd *cobra.Command, args []string) error {
	inputPath := args[0]
	file, err := loadConfig()
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("format") && file.Output.Format != "" {
		formatName = file.Output.Format
	}
	formats, err := converter.ParseFormats(formatName)
	if err != nil {
		return err
	}
	cfg := conversionConfig(cmd, file)

	conv := converter.NewConverter(converter.Options{
		Logger:     log.Default(),
		Progress:   newProgress(),
		Telescopes: file.Sites(),
		ErrorSave:  errorSave,
	})

	inputInfo, err := os.Stat(inputPath)
	if err != nil {
		return err
	}
	log.Debug("settings", "formats", formatName, "errors", errorSave, "verify", verifyMode, "config", configPath)

	startTime := time.Now()
	var outputs []string
	if inputInfo.IsDir() {
		if cfg.OutputName != "" {
			return &stream.ConfigError{Field: "output_name", Reason: "cannot name outputs when converting a directory"}
		}
		paths, err := conv.ProcessDirectory(inputPath, cfg, formats...)
		if err != nil {
			return err
		}
		outputs = paths
	} else {
		if _, ok := converter.FormatOf(inputPath); !ok {
			return fmt.Errorf("%w: input file must be a .fil or .fits file", stream.ErrUnsupportedFormat)
		}
		paths, err := conv.ConvertFile(inputPath, cfg, formats...)
		if err != nil {
			return err
		}
		outputs = paths
		log.Info("converted", "input", filepath.Base(inputPath), "outputs", strings.Join(paths, ", "),
			"duration", time.Since(startTime).Round(time.Millisecond))
	}

	if verifyMode {
		return verifyOutputs(file.Tools.FitsVerify, outputs)
	}
	return nil
}

// verifyOutputs runs fitsverify over the PSRFITS files among paths.
func verifyOutputs(binary string, paths []string) error {
	var fits []string
	for _, p := range paths {
		if f, ok := converter.FormatOf(p); ok && f == converter.PSRFITS {
			fits = append(fits, p)
		}
	}
	if len(fits) == 0 {
		log.Warn("nothing to verify, no PSRFITS output was written")
		return nil
	}
	v, err := verify.New(binary, log.Default())
	if err != nil {
		log.Warn("PSRFITS outputs were not verified", "err", err)
		return nil
	}
	failed, err := v.Files(fits)
	if err != nil {
		return fmt.Errorf("%d of %d PSRFITS files failed verification: %w", failed, len(fits), err)
	}
	return nil
}

// newProgress logs each output's progress in quarter steps.
func newProgress() converter.Progress {
	var mu sync.Mutex
	reported := make(map[converter.Format]int64)
	return func(f converter.Format, done, total int64) {
		if total <= 0 {
			return
		}
		quarter := done * 4 / total
		mu.Lock()
		defer mu.Unlock()
		if quarter > reported[f] {
			reported[f] = quarter
			log.Info("progress", "format", f, "spectra", done, "of", total, "percent", quarter*25)
		}
	}
}

func runHeader(cmd *cobra.Command, args []string) error {
	file, err := loadConfig()
	if err != nil {
		return err
	}
	src, err := converter.OpenSource(args[0], file.Sites())
	if err != nil {
		return err
	}
	defer src.Close()
	printHeader(src.Header(), file.Sites())
	return nil
}

func printHeader(h stream.Header, sites telescope.Lookup) {
	rows := map[string]string{
		"basename":     h.Basename,
		"filename":     h.Filename,
		"format":       h.Format,
		"source_name":  h.SourceName,
		"telescope":    fmt.Sprintf("%s (id %d)", h.Telescope, h.TelescopeID),
		"machine_id":   fmt.Sprint(h.MachineID),
		"nbits":        fmt.Sprint(h.NBits),
		"npol":         fmt.Sprint(h.NPol),
		"signed":       fmt.Sprint(h.Signed),
		"nchans":       fmt.Sprint(h.NChans),
		"nspectra":     fmt.Sprint(h.NSpectra),
		"tsamp":        fmt.Sprintf("%.12g s", h.Tsamp),
		"fch1":         fmt.Sprintf("%.6f MHz", h.Fch1),
		"foff":         fmt.Sprintf("%.6f MHz", h.Foff),
		"bandwidth":    fmt.Sprintf("%.6f MHz", h.Bandwidth),
		"center":       fmt.Sprintf("%.6f MHz", h.Center),
		"ra":           fmt.Sprintf("%s (%.6f deg)", obsinfo.RAString(h.RADeg), h.RADeg),
		"dec":          fmt.Sprintf("%s (%.6f deg)", obsinfo.DecString(h.DecDeg), h.DecDeg),
		"gl, gb":       fmt.Sprintf("%.4f, %.4f deg", h.GL, h.GB),
		"tstart":       fmt.Sprintf("%.12f MJD", h.TStart),
		"tstart_utc":   h.TStartUTC,
		"duration":     fmt.Sprintf("%.3f s", float64(h.NSpectra)*h.Tsamp),
		"az, za start": fmt.Sprintf("%.3f, %.3f deg", h.AzStart, h.ZaStart),
	}
	if site, ok := telescope.Resolve(sites, h.Telescope, h.TelescopeID); ok {
		rows["site (itrf)"] = fmt.Sprintf("%.2f, %.2f, %.2f m", site.X, site.Y, site.Z)
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-14s %s\n", k, rows[k])
	}
}
