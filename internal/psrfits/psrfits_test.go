package psrfits

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/mattetti/psrconv/internal/stream"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC) }

func TestFormatCard(t *testing.T) {
	cases := []struct {
		card fitsio.Card
		want string
	}{
		{card("NAXIS2", 5, "rows"), "NAXIS2  =                    5 / rows"},
		{card("EXTNAME", "SUBINT", ""), "EXTNAME = 'SUBINT  '"},
		{card("OBSFREQ", 1400.0, ""), "OBSFREQ =               1400.0"},
		{card("TBIN", 1e-05, ""), "TBIN    =                1E-05"},
		{card("SIMPLE", true, ""), "SIMPLE  =                    T"},
		{card("OBSERVER", "O'Brien", ""), "OBSERVER= 'O''Brien'"},
	}
	for _, tc := range cases {
		got := formatCard(tc.card)
		if len(got) != cardSize {
			t.Fatalf("%s: card is %d bytes", tc.card.Name, len(got))
		}
		if strings.TrimRight(got, " ") != tc.want {
			t.Errorf("formatCard(%s) = %q want %q", tc.card.Name, got, tc.want)
		}
		key, value, ok := parseCard(got)
		if !ok || key != tc.card.Name || value == "" {
			t.Errorf("parseCard(%q) = %q %q %v", got, key, value, ok)
		}
	}
	if n := len(headerBlocks([]fitsio.Card{card("A", 1, "")})); n != blockSize {
		t.Fatalf("header padded to %d bytes", n)
	}
}

func testSource(count int64, nbits int) *stream.MemorySource {
	h := stream.Header{
		Telescope:   "GBT",
		TelescopeID: 6,
		SourceName:  "J0534+2200",
		RADeg:       83.63308,
		DecDeg:      22.0145,
		NBits:       nbits,
		Tsamp:       0.001,
		Fch1:        1500,
		Foff:        -0.5,
		TStart:      59000.5,
		AzStart:     120,
		ZaStart:     30,
	}
	b := stream.NewBlock(int(count), 6)
	for i := range b.Data {
		b.Data[i] = float64((i * 7) % 200)
	}
	return stream.NewMemorySource(h, b)
}

func writeFile(t *testing.T, path string, src stream.Source, opts Options, chunk int64) *Encoder {
	t.Helper()
	h := src.Header()
	w, err := stream.Request{}.Resolve(h.NSpectra, int(h.NChans))
	if err != nil {
		t.Fatal(err)
	}
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	enc := NewEncoder(path, opts)
	if err := enc.Open(h, w); err != nil {
		t.Fatal(err)
	}
	for s := int64(0); s < w.Count; s += chunk {
		n := chunk
		if s+n > w.Count {
			n = w.Count - s
		}
		b, err := src.Read(s, n)
		if err != nil {
			t.Fatal(err)
		}
		if err := enc.Append(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestSubintLayout(t *testing.T) {
	cases := []struct {
		count, nsblk, chunk int64
		rows, lastValid     int64
	}{
		{10, 4, 3, 3, 2},
		{8, 4, 8, 2, 4},
		{1, 16, 1, 1, 1},
		{37, 5, 7, 8, 2},
	}
	for _, tc := range cases {
		src := testSource(tc.count, 8)
		path := filepath.Join(t.TempDir(), "out.fits")
		enc := writeFile(t, path, src, Options{NSBLK: int(tc.nsblk)}, tc.chunk)
		if enc.Rows() != tc.rows {
			t.Fatalf("count=%d nsblk=%d: encoder wrote %d rows", tc.count, tc.nsblk, enc.Rows())
		}

		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		info, _ := f.Stat()
		if info.Size()%blockSize != 0 {
			t.Fatalf("file size %d is not a multiple of %d", info.Size(), blockSize)
		}
		hdus, err := scanHDUs(f, info.Size())
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(hdus) != 2 {
			t.Fatalf("expected 2 HDUs, got %d", len(hdus))
		}
		sub := hdus[1]
		if rows, _ := sub.integer("NAXIS2"); rows != tc.rows {
			t.Fatalf("NAXIS2=%d want %d", rows, tc.rows)
		}
		if got := sub.str("TFORM17"); got != itoa(tc.nsblk*6)+"B" {
			t.Fatalf("DATA TFORM %s", got)
		}
		if got := sub.str("TDIM17"); got != "(1,6,1,"+itoa(tc.nsblk)+")" {
			t.Fatalf("DATA TDIM %s", got)
		}

		r, err := Open(path, nil)
		if err != nil {
			t.Fatal(err)
		}
		if r.Header().NSpectra != tc.count {
			t.Fatalf("reader sees %d spectra want %d", r.Header().NSpectra, tc.count)
		}
		if got := r.RowValid(tc.rows - 1); got != tc.lastValid {
			t.Fatalf("last row valid %d want %d", got, tc.lastValid)
		}
		got, err := r.Read(0, tc.count)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := src.Read(0, tc.count)
		if !reflect.DeepEqual(got.Data, want.Data) {
			t.Fatalf("data mismatch")
		}

		// padding after the last valid spectrum is zero
		last := tc.rows - 1
		buf, _, err := r.column(last, "DATA", 0, int(tc.nsblk)*6)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf[tc.lastValid*6:], make([]byte, (tc.nsblk-tc.lastValid)*6)) {
			t.Fatalf("final subint not zero padded")
		}

		tbin := src.Header().Tsamp
		ts, _ := r.readFloats(last, "TSUBINT", 0, 1)
		offs, _ := r.readFloats(last, "OFFS_SUB", 0, 1)
		if math.Abs(ts[0]-float64(tc.lastValid)*tbin) > 1e-12 {
			t.Fatalf("TSUBINT %g", ts[0])
		}
		wantOffs := float64(last*tc.nsblk)*tbin + ts[0]/2
		if math.Abs(offs[0]-wantOffs) > 1e-12 {
			t.Fatalf("OFFS_SUB %g want %g", offs[0], wantOffs)
		}
		r.Close()
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestPrimaryHeader(t *testing.T) {
	src := testSource(20, 8)
	path := filepath.Join(t.TempDir(), "crab.fits")
	enc := writeFile(t, path, src, Options{NSBLK: 8, Observer: "me"}, 20)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	info, _ := f.Stat()
	hdus, err := scanHDUs(f, info.Size())
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := readPrimary(io.NewSectionReader(f, 0, hdus[0].end()))
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]string{
		"FITSTYPE": "PSRFITS",
		"OBS_MODE": "SEARCH",
		"TELESCOP": "GBT",
		"OBSERVER": "me",
		"PROJID":   "unknown",
		"SRC_NAME": "J0534+2200",
		"DATE":     "2024-03-01T10:20:30",
		"RA":       "05:34:31.9392",
	}
	for key, want := range checks {
		if got := cardString(hdr, key); got != want {
			t.Errorf("%s = %q want %q", key, got, want)
		}
	}
	if got := cardFloat(hdr, "STT_IMJD"); got != 59000 {
		t.Errorf("STT_IMJD %f", got)
	}
	if got := cardFloat(hdr, "STT_SMJD"); got != 43200 {
		t.Errorf("STT_SMJD %f", got)
	}
	if got := cardFloat(hdr, "OBSNCHAN"); got != 6 {
		t.Errorf("OBSNCHAN %f", got)
	}
	if c := hdr.Get("OBSNCHAN"); c == nil || strings.Contains(c.Comment, "original") {
		t.Errorf("OBSNCHAN card %+v", c)
	}
	if got := cardFloat(hdr, "ANT_X"); math.Abs(got-enc.Info().AntX) > 1e-3 || got == 0 {
		t.Errorf("ANT_X %f", got)
	}

	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	h := r.Header()
	if h.Fch1 != 1500 || h.Foff != -0.5 || h.NChans != 6 || h.Tsamp != 0.001 {
		t.Fatalf("frequency/time axes: %+v", h)
	}
	if math.Abs(h.TStart-59000.5) > 1e-9 || h.TelescopeID != 6 {
		t.Fatalf("start/telescope: %f %d", h.TStart, h.TelescopeID)
	}
	if math.Abs(h.RADeg-83.63308) > 1e-5 || math.Abs(h.DecDeg-22.0145) > 1e-5 {
		t.Fatalf("position %f %f", h.RADeg, h.DecDeg)
	}
	if err := h.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestBitDepths(t *testing.T) {
	dir := t.TempDir()
	for _, nbits := range []int{1, 2, 4, 12} {
		src := testSource(4, nbits)
		path := filepath.Join(dir, "bad.fits")
		enc := NewEncoder(path, Options{})
		err := enc.Open(src.Header(), stream.Window{Count: 4, ChanMax: 6})
		if !errors.Is(err, stream.ErrUnsupportedBitDepth) {
			t.Fatalf("nbits=%d: expected ErrUnsupportedBitDepth, got %v", nbits, err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("nbits=%d: file created", nbits)
		}
	}

	for _, nbits := range []int{16, 32} {
		src := testSource(9, nbits)
		path := filepath.Join(dir, "ok.fits")
		writeFile(t, path, src, Options{NSBLK: 4}, 5)
		r, err := Open(path, nil)
		if err != nil {
			t.Fatal(err)
		}
		got, _ := r.Read(2, 6)
		want, _ := src.Read(2, 6)
		if !reflect.DeepEqual(got.Data, want.Data) {
			t.Fatalf("nbits=%d: data mismatch", nbits)
		}
		r.Close()
	}
}

func TestAppendDataCasts(t *testing.T) {
	cases := []struct {
		nbits  int
		signed bool
		in     []float64
		want   []byte
	}{
		{16, true, []float64{-40000, -2, 70000}, []byte{0x80, 0x00, 0xff, 0xfe, 0x7f, 0xff}},
		{16, false, []float64{-2, 40000, 70000}, []byte{0x80, 0x00, 0x1c, 0x40, 0x7f, 0xff}},
		{8, false, []float64{-1, 3.7, 256}, []byte{0, 3, 255}},
		{8, true, []float64{-1, -200, 127.9}, []byte{0xff, 0x80, 0x7f}},
	}
	for _, tc := range cases {
		if got := appendData(nil, tc.in, tc.nbits, tc.signed); !bytes.Equal(got, tc.want) {
			t.Errorf("%d-bit signed=%v cast %x want %x", tc.nbits, tc.signed, got, tc.want)
		}
	}
}

func TestSampleCoding(t *testing.T) {
	cases := []struct {
		name    string
		nbits   int
		signed  bool
		values  []float64
		signint int64
		offs    float64
	}{
		{"signed 8-bit", 8, true, []float64{-1, -128, 1, 127, -2, 0, 16, -112}, 1, 0},
		{"unsigned 16-bit", 16, false, []float64{40000, 65535, 0, 32767, 32768, 47000}, 1, 32768},
		{"signed 16-bit", 16, true, []float64{-32768, -1, 0, 32767, 1200, -700}, 1, 0},
		{"float", 32, false, []float64{-1.5, 0.25, -1e6, 3e4}, 0, 0},
	}
	for _, tc := range cases {
		h := testSource(5, tc.nbits).Header()
		h.Signed = tc.signed
		b := stream.NewBlock(5, 6)
		for i := range b.Data {
			b.Data[i] = tc.values[i%len(tc.values)]
		}
		path := filepath.Join(t.TempDir(), "coded.fits")
		writeFile(t, path, stream.NewMemorySource(h, b), Options{NSBLK: 4}, 2)

		r, err := Open(path, nil)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got, _ := r.table.integer("SIGNINT"); got != tc.signint {
			t.Errorf("%s: SIGNINT %d want %d", tc.name, got, tc.signint)
		}
		if offs, _ := r.readFloats(1, "DAT_OFFS", 0, 6); offs[5] != tc.offs {
			t.Errorf("%s: DAT_OFFS %v", tc.name, offs)
		}
		if r.Header().Signed != tc.signed {
			t.Errorf("%s: header signed=%v", tc.name, r.Header().Signed)
		}
		got, err := r.Read(0, 5)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got.Data, b.Data) {
			t.Errorf("%s: data mismatch\n got %v\nwant %v", tc.name, got.Data[:8], b.Data[:8])
		}
		r.Close()
	}
}

func TestEncoderState(t *testing.T) {
	enc := NewEncoder(filepath.Join(t.TempDir(), "x.fits"), Options{})
	if err := enc.Append(stream.NewBlock(1, 6)); !errors.Is(err, stream.ErrEncoderState) {
		t.Fatalf("append before open: %v", err)
	}
	if err := enc.Close(); !errors.Is(err, stream.ErrEncoderState) {
		t.Fatalf("close before open: %v", err)
	}
}

func TestUnknownTelescope(t *testing.T) {
	src := testSource(4, 8)
	h := src.Header()
	h.Telescope = "Nowhere"
	h.TelescopeID = 999
	b, _ := src.Read(0, 4)
	path := filepath.Join(t.TempDir(), "x.fits")
	enc := writeFile(t, path, stream.NewMemorySource(h, b), Options{NSBLK: 4}, 4)
	info := enc.Info()
	if len(info.Warnings) != 1 || info.AntX != 0 || info.AntY != 0 || info.AntZ != 0 {
		t.Fatalf("unexpected info %+v", info)
	}
}
