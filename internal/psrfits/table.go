package psrfits

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/astrogo/fitsio"
)

// naxis2Card is the index of NAXIS2 among the mandatory BINTABLE cards.
const naxis2Card = 4

// tableWriter streams rows of a binary table extension. The header is written
// with a placeholder row count that Close replaces.
type tableWriter struct {
	file   *os.File
	buf    *bufio.Writer
	start  int64 // file offset of the XTENSION card
	cols   []column
	rowLen int
	rows   int64
	closed bool
}

func newTableWriter(f *os.File, cols []column, extra []fitsio.Card, bufSize int) (*tableWriter, error) {
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	t := &tableWriter{
		file:  f,
		buf:   bufio.NewWriterSize(f, bufSize),
		start: start,
		cols:  cols,
	}
	for _, c := range cols {
		t.rowLen += c.width()
	}
	if _, err := t.buf.Write(headerBlocks(t.cards(extra))); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tableWriter) cards(extra []fitsio.Card) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "XTENSION", Value: "BINTABLE", Comment: "binary table extension"},
		{Name: "BITPIX", Value: 8, Comment: "8-bit bytes"},
		{Name: "NAXIS", Value: 2, Comment: "2-dimensional binary table"},
		{Name: "NAXIS1", Value: t.rowLen, Comment: "width of table in bytes"},
		{Name: "NAXIS2", Value: 0, Comment: "number of rows"},
		{Name: "PCOUNT", Value: 0, Comment: "size of special data area"},
		{Name: "GCOUNT", Value: 1, Comment: "one data group"},
		{Name: "TFIELDS", Value: len(t.cols), Comment: "number of fields per row"},
	}
	for i, c := range t.cols {
		n := i + 1
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("TTYPE%d", n), Value: c.name},
			fitsio.Card{Name: fmt.Sprintf("TFORM%d", n), Value: c.form()},
		)
		if c.unit != "" {
			cards = append(cards, fitsio.Card{Name: fmt.Sprintf("TUNIT%d", n), Value: c.unit})
		}
		if c.dim != "" {
			cards = append(cards, fitsio.Card{Name: fmt.Sprintf("TDIM%d", n), Value: c.dim})
		}
	}
	return append(cards, extra...)
}

// writeRow appends one encoded row; its length must equal the row width.
func (t *tableWriter) writeRow(row []byte) error {
	if len(row) != t.rowLen {
		return fmt.Errorf("row of %d bytes, table rows are %d", len(row), t.rowLen)
	}
	if _, err := t.buf.Write(row); err != nil {
		return err
	}
	t.rows++
	return nil
}

// close pads the data to a whole block and patches NAXIS2. The file itself
// stays open.
func (t *tableWriter) close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	data := t.rows * int64(t.rowLen)
	if n := padLen(data); n > 0 {
		if _, err := t.buf.Write(make([]byte, n)); err != nil {
			return err
		}
	}
	if err := t.buf.Flush(); err != nil {
		return err
	}
	card := formatCard(fitsio.Card{Name: "NAXIS2", Value: int(t.rows), Comment: "number of rows"})
	if _, err := t.file.WriteAt([]byte(card), t.start+naxis2Card*cardSize); err != nil {
		return fmt.Errorf("error updating row count: %w", err)
	}
	return nil
}

// rowEncoder appends big-endian column values.
type rowEncoder struct {
	b []byte
}

func (r *rowEncoder) f64(vs ...float64) {
	for _, v := range vs {
		r.b = binary.BigEndian.AppendUint64(r.b, math.Float64bits(v))
	}
}

func (r *rowEncoder) f32(vs ...float32) {
	for _, v := range vs {
		r.b = binary.BigEndian.AppendUint32(r.b, math.Float32bits(v))
	}
}

func (r *rowEncoder) repeatF32(v float32, n int) {
	for i := 0; i < n; i++ {
		r.f32(v)
	}
}

func card(name string, value any, comment string) fitsio.Card {
	return fitsio.Card{Name: name, Value: value, Comment: comment}
}
