package converter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mattetti/psrconv/internal/psrfits"
	"github.com/mattetti/psrconv/internal/sigproc"
	"github.com/mattetti/psrconv/internal/stream"
)

func quietConverter(opts Options) *Converter {
	opts.Logger = log.New(io.Discard)
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC) }
	}
	return NewConverter(opts)
}

// scenarioSource is the 90 channel, 100 spectra observation used throughout.
func scenarioSource() *stream.MemorySource {
	h := stream.Header{
		Basename:    "scenario",
		Telescope:   "GBT",
		TelescopeID: 6,
		SourceName:  "J0534+2200",
		RADeg:       83.63308,
		DecDeg:      22.0145,
		NBits:       8,
		Fch1:        1455.0,
		Foff:        -1.0,
		Tsamp:       0.00126646875,
		TStart:      59000.5,
	}
	b := stream.NewBlock(100, 90)
	for i := range b.Data {
		b.Data[i] = float64((i * 13) % 256)
	}
	return stream.NewMemorySource(h, b)
}

// expected returns src.Read(start, count)[:, cmin:cmax].
func expected(t *testing.T, src stream.Source, w stream.Window) []float64 {
	t.Helper()
	b, err := src.Read(w.Start, w.Count)
	if err != nil {
		t.Fatal(err)
	}
	return b.Channels(w.ChanMin, w.ChanMax).Data
}

func readFilterbank(t *testing.T, path string) (*sigproc.Reader, []float64) {
	t.Helper()
	r, err := sigproc.Open(path, nil)
	if err != nil {
		t.Fatalf("reading back %s: %v", path, err)
	}
	t.Cleanup(func() { r.Close() })
	h := r.Header()
	b, err := r.Read(0, h.NSpectra)
	if err != nil {
		t.Fatal(err)
	}
	return r, b.Data
}

func TestWriteFilterbankRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"defaults", Config{}},
		{"channel window", Config{ChanMin: Int(10), ChanMax: Int(90)}},
		{"time window", Config{Start: 17, Count: Int64(40)}},
		{"both", Config{Start: 3, Count: Int64(64), ChanMin: Int(1), ChanMax: Int(2), ChunkSize: 5}},
		{"touching end", Config{Start: 90, Count: Int64(10), ChanMin: Int(89)}},
		{"single chunk", Config{ChunkSize: 1000}},
	}
	src := scenarioSource()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := quietConverter(Options{})
			cfg := tc.cfg.WithOutput(t.TempDir(), "out")
			path, err := c.WriteFilterbank(src, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if filepath.Base(path) != "out.fil" {
				t.Fatalf("unexpected output path %s", path)
			}
			w, _ := cfg.Request().Resolve(100, 90)
			r, got := readFilterbank(t, path)
			if !reflect.DeepEqual(got, expected(t, src, w)) {
				t.Fatalf("data mismatch for window %+v", w)
			}
			raw := r.Raw()
			if int(raw.NChans) != w.NChans() || int64(raw.NSamples) != w.Count {
				t.Fatalf("header nchans=%d nsamples=%d, want %d and %d", raw.NChans, raw.NSamples, w.NChans(), w.Count)
			}
		})
	}
}

func TestScenarioChannelWindow(t *testing.T) {
	src := scenarioSource()
	c := quietConverter(Options{})

	dir := t.TempDir()
	_, err := c.WriteFilterbank(src, Config{Count: Int64(10), ChanMin: Int(10), ChanMax: Int(100)}.WithOutput(dir, "bad"))
	var cerr *stream.ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "channel_max" {
		t.Fatalf("expected a channel_max configuration error, got %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("rejected window left %d files behind", len(entries))
	}

	path, err := c.WriteFilterbank(src, Config{Count: Int64(10), ChanMin: Int(10), ChanMax: Int(90)}.WithOutput(dir, "good"))
	if err != nil {
		t.Fatal(err)
	}
	r, _ := readFilterbank(t, path)
	raw := r.Raw()
	if raw.NChans != 80 || raw.Fch1 != 1445.0 || raw.NSamples != 10 {
		t.Fatalf("got nchans=%d fch1=%g nsamples=%d", raw.NChans, raw.Fch1, raw.NSamples)
	}
}

func TestWindowBoundaries(t *testing.T) {
	src := scenarioSource()
	c := quietConverter(Options{})
	cases := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"empty channel range", Config{ChanMin: Int(20), ChanMax: Int(20)}, "channel_min"},
		{"start at end", Config{Start: 100}, "start"},
		{"count past end", Config{Start: 50, Count: Int64(51)}, "count"},
		{"negative chunk", Config{ChunkSize: -1}, "chunk_size"},
		{"negative nbits", Config{NBits: -8}, "nbits"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := c.WriteFilterbank(src, tc.cfg.WithOutput(dir, "out"))
			var cerr *stream.ConfigError
			if !errors.As(err, &cerr) || cerr.Field != tc.field {
				t.Fatalf("expected %s error, got %v", tc.field, err)
			}
			if stream.Classify(err) != stream.CodeConfig {
				t.Fatalf("classify: %s", stream.Classify(err))
			}
			if _, err := os.Stat(filepath.Join(dir, "out.fil")); !os.IsNotExist(err) {
				t.Fatal("output created for a rejected window")
			}
		})
	}
}

func TestIdempotentAndChunkInvariant(t *testing.T) {
	src := scenarioSource()
	c := quietConverter(Options{})
	dir := t.TempDir()
	base := Config{Start: 5, Count: Int64(77), ChanMin: Int(3), ChanMax: Int(50)}

	var reference []byte
	for i, chunk := range []int64{0, 0, 1, 7, 76, 1000} {
		path, err := c.WriteFilterbank(src, base.WithOutput(dir, fmt.Sprintf("run%d", i)).withChunk(chunk))
		if err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if reference == nil {
			reference = data
			continue
		}
		if !bytes.Equal(data, reference) {
			t.Fatalf("chunk size %d changed the output", chunk)
		}
	}

	// rewriting the same path reproduces it byte for byte
	path := filepath.Join(dir, "run0.fil")
	if _, err := c.WriteFilterbank(src, base.WithOutput(dir, "run0")); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, reference) {
		t.Fatal("second write differs from the first")
	}
}

func (c Config) withChunk(n int64) Config {
	c.ChunkSize = n
	return c
}

func TestSubByteOutput(t *testing.T) {
	h := stream.Header{Basename: "bits", TelescopeID: 6, NBits: 8, Fch1: 1400, Foff: -1, Tsamp: 1e-3, TStart: 59000}
	b := stream.NewBlock(9, 7)
	for i := range b.Data {
		b.Data[i] = float64(i % 4)
	}
	src := stream.NewMemorySource(h, b)
	c := quietConverter(Options{})
	for _, chunk := range []int64{1, 2, 9} {
		path, err := c.WriteFilterbank(src, Config{NBits: 2, ChunkSize: chunk}.WithOutput(t.TempDir(), ""))
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(path) != "bits.fil" {
			t.Fatalf("output name should fall back to the source basename, got %s", path)
		}
		_, got := readFilterbank(t, path)
		if !reflect.DeepEqual(got, b.Data) {
			t.Fatalf("chunk %d: 2-bit round trip mismatch", chunk)
		}
	}
}

// failingSource fails every read that reaches failAt.
type failingSource struct {
	stream.Source
	failAt int64
}

var errDisk = errors.New("disk went away")

func (f failingSource) Read(start, count int64) (*stream.Block, error) {
	if start+count > f.failAt {
		return nil, errDisk
	}
	return f.Source.Read(start, count)
}

func TestSourceErrorRemovesPartialFile(t *testing.T) {
	src := failingSource{Source: scenarioSource(), failAt: 30}
	for _, f := range Formats {
		t.Run(f.String(), func(t *testing.T) {
			c := quietConverter(Options{})
			dir := t.TempDir()
			_, err := c.Write(src, Config{ChunkSize: 10, NSBLK: 8}.WithOutput(dir, "out"), f)
			if !errors.Is(err, errDisk) {
				t.Fatalf("expected the source error, got %v", err)
			}
			if stream.Classify(err) != stream.CodeSource {
				t.Fatalf("classify: %s", stream.Classify(err))
			}
			var serr *stream.SourceError
			if !errors.As(err, &serr) || serr.Offset != 30 {
				t.Fatalf("expected a source error at offset 30, got %v", err)
			}
			var werr *stream.WriteError
			if !errors.As(err, &werr) || werr.Partial {
				t.Fatalf("expected a non-partial write error, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, "out"+f.Ext())); !os.IsNotExist(err) {
				t.Fatal("partial output was not removed")
			}
		})
	}
}

func TestSourceErrorSavesPartialFile(t *testing.T) {
	src := failingSource{Source: scenarioSource(), failAt: 30}
	c := quietConverter(Options{ErrorSave: true})
	dir := t.TempDir()
	_, err := c.WriteFilterbank(src, Config{ChunkSize: 10}.WithOutput(dir, "out"))
	var werr *stream.WriteError
	if !errors.As(err, &werr) || !werr.Partial {
		t.Fatalf("expected a partial write error, got %v", err)
	}
	want := filepath.Join(dir, "errors", "out.fil")
	if werr.Path != want {
		t.Fatalf("saved to %s, want %s", werr.Path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.fil")); !os.IsNotExist(err) {
		t.Fatal("partial output left in place")
	}
}

// stuckSink is an output whose file cannot be closed.
type stuckSink struct {
	stream.Sink
	path string
}

var errClose = errors.New("close failed")

func (s stuckSink) Path() string { return s.path }
func (s stuckSink) Abort() error { return errClose }

func TestFailReportsAbortError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.fil")
	if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	c := quietConverter(Options{})
	err := c.fail(stuckSink{path: path}, errDisk)
	if !errors.Is(err, errDisk) || !errors.Is(err, errClose) {
		t.Fatalf("expected both the cause and the close error, got %v", err)
	}
	var werr *stream.WriteError
	if !errors.As(err, &werr) || werr.Path != path {
		t.Fatalf("expected a write error for %s, got %v", path, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("partial output was not removed")
	}
}

func TestUnsupportedDepthCreatesNothing(t *testing.T) {
	c := quietConverter(Options{})
	dir := t.TempDir()
	_, err := c.WritePSRFITS(scenarioSource(), Config{NBits: 4}.WithOutput(dir, "out"))
	if !errors.Is(err, stream.ErrUnsupportedBitDepth) {
		t.Fatalf("expected ErrUnsupportedBitDepth, got %v", err)
	}
	var werr *stream.WriteError
	if errors.As(err, &werr) {
		t.Fatalf("no file should have been involved: %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("rejected depth left %d files behind", len(entries))
	}
}

func TestWritePSRFITSRows(t *testing.T) {
	src := scenarioSource()
	var progress []int64
	c := quietConverter(Options{Progress: func(f Format, done, total int64) {
		if f != PSRFITS || total != 37 {
			t.Errorf("progress for %v with total %d", f, total)
		}
		progress = append(progress, done)
	}})
	cfg := Config{Start: 60, Count: Int64(37), ChanMin: Int(10), ChanMax: Int(90), NSBLK: 8, ChunkSize: 10}
	path, err := c.WritePSRFITS(src, cfg.WithOutput(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(progress, []int64{10, 20, 30, 37}) {
		t.Fatalf("progress %v", progress)
	}

	r, err := psrfits.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Rows() != 5 || r.RowValid(4) != 37-8*4 {
		t.Fatalf("rows=%d last valid=%d", r.Rows(), r.RowValid(4))
	}
	h := r.Header()
	if h.NChans != 80 || h.NSpectra != 37 || h.Fch1 != 1445.0 {
		t.Fatalf("header nchans=%d nspectra=%d fch1=%g", h.NChans, h.NSpectra, h.Fch1)
	}
	got, err := r.Read(0, 37)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := cfg.Request().Resolve(100, 90)
	if !reflect.DeepEqual(got.Data, expected(t, src, w)) {
		t.Fatal("PSRFITS data mismatch")
	}
}

func TestSampleRangesSurviveConversion(t *testing.T) {
	cases := []struct {
		name   string
		nbits  int
		signed bool
		values []float64
	}{
		{"signed8", 8, true, []float64{-1, -128, 1, 127, -2, 0, 16, -112}},
		{"unsigned16", 16, false, []float64{40000, 65535, 0, 32767, 32768, 47000, 1}},
		{"signed16", 16, true, []float64{-32768, -1, 0, 32767, 1200, -700}},
		{"float32", 32, false, []float64{-1.5, 0.25, -1e6, 3e4, 0}},
	}
	c := quietConverter(Options{})
	for _, tc := range cases {
		for _, f := range Formats {
			t.Run(tc.name+"/"+f.String(), func(t *testing.T) {
				h := scenarioSource().Header()
				h.NBits, h.Signed = tc.nbits, tc.signed
				h.NativeNSpectra, h.NativeNChans = 0, 0
				b := stream.NewBlock(12, 90)
				for i := range b.Data {
					b.Data[i] = tc.values[i%len(tc.values)]
				}
				dir := t.TempDir()

				// there and back: f, then the other format from the read-back file
				other := PSRFITS
				if f == PSRFITS {
					other = Filterbank
				}
				var src stream.Source = stream.NewMemorySource(h, b)
				for i, out := range []Format{f, other} {
					path, err := c.Write(src, Config{NSBLK: 8}.WithOutput(dir, fmt.Sprint("hop", i)), out)
					if err != nil {
						t.Fatal(err)
					}
					in, err := OpenSource(path, nil)
					if err != nil {
						t.Fatal(err)
					}
					defer in.Close()
					if got := in.Header(); got.NBits != tc.nbits || got.Signed != tc.signed {
						t.Fatalf("%s: nbits=%d signed=%v", path, got.NBits, got.Signed)
					}
					got, err := in.Read(0, 12)
					if err != nil {
						t.Fatal(err)
					}
					if !reflect.DeepEqual(got.Data, b.Data) {
						t.Fatalf("%s: data mismatch\n got %v\nwant %v", path, got.Data[:8], b.Data[:8])
					}
					src = in
				}
			})
		}
	}
}

func TestWriteAll(t *testing.T) {
	src := scenarioSource()
	c := quietConverter(Options{})
	cfg := Config{Count: Int64(50), ChanMin: Int(5), ChanMax: Int(25), NSBLK: 16}.WithOutput(t.TempDir(), "both")
	paths, err := c.WriteAll(src, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || filepath.Ext(paths[0]) != ".fil" || filepath.Ext(paths[1]) != ".fits" {
		t.Fatalf("paths %v", paths)
	}
	w, _ := cfg.Request().Resolve(100, 90)
	want := expected(t, src, w)
	for _, p := range paths {
		r, err := OpenSource(p, nil)
		if err != nil {
			t.Fatal(err)
		}
		b, err := r.Read(0, r.Header().NSpectra)
		r.Close()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(b.Data, want) {
			t.Fatalf("%s: data mismatch", p)
		}
	}
}

func TestConvertFileRefusesToOverwriteSource(t *testing.T) {
	c := quietConverter(Options{})
	dir := t.TempDir()
	input, err := c.WriteFilterbank(scenarioSource(), Config{}.WithOutput(dir, "obs"))
	if err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(input)
	_, err = c.ConvertFile(input, Config{}.WithOutput(dir, ""), Filterbank)
	var cerr *stream.ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "output_name" {
		t.Fatalf("expected output_name error, got %v", err)
	}
	after, _ := os.ReadFile(input)
	if !bytes.Equal(before, after) {
		t.Fatal("source was modified")
	}
}

func TestProcessDirectory(t *testing.T) {
	c := quietConverter(Options{})
	in, out := t.TempDir(), t.TempDir()
	if _, err := c.WriteFilterbank(scenarioSource(), Config{Count: Int64(20)}.WithOutput(filepath.Join(in, "night1"), "obs")); err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Join(in, "errors"), 0755)
	os.WriteFile(filepath.Join(in, "errors", "broken.fil"), []byte("not a filterbank"), 0644)
	os.WriteFile(filepath.Join(in, "notes.txt"), []byte("ignored"), 0644)

	os.WriteFile(filepath.Join(out, "stale.fits"), []byte("left from an earlier run"), 0644)

	paths, err := c.ProcessDirectory(in, Config{NSBLK: 8}.WithOutput(out, ""), PSRFITS)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{filepath.Join(out, "night1", "obs.fits")}; !reflect.DeepEqual(paths, want) {
		t.Fatalf("outputs %v want %v", paths, want)
	}
	r, err := psrfits.Open(filepath.Join(out, "night1", "obs.fits"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Header().NSpectra != 20 || r.Rows() != 3 {
		t.Fatalf("nspectra=%d rows=%d", r.Header().NSpectra, r.Rows())
	}

	os.WriteFile(filepath.Join(in, "night1", "truncated.fil"), []byte("HEADER"), 0644)
	paths, err = c.ProcessDirectory(in, Config{}.WithOutput(out, ""), PSRFITS)
	if err == nil {
		t.Fatal("a broken input should be reported")
	}
	if len(paths) != 1 {
		t.Fatalf("outputs of the good file: %v", paths)
	}
}

func TestParseFormats(t *testing.T) {
	cases := map[string][]Format{
		"fil":     {Filterbank},
		"FITS":    {PSRFITS},
		" both ":  {Filterbank, PSRFITS},
		"sigproc": {Filterbank},
	}
	for in, want := range cases {
		got, err := ParseFormats(in)
		if err != nil || !reflect.DeepEqual(got, want) {
			t.Errorf("ParseFormats(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormats("wav"); err == nil {
		t.Error("wav should be rejected")
	}
	if f, ok := FormatOf("/data/obs.SF"); !ok || f != PSRFITS {
		t.Errorf("FormatOf(.SF) = %v, %v", f, ok)
	}
	if _, err := OpenSource("notes.txt", nil); !errors.Is(err, stream.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}
