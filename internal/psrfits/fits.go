package psrfits

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

const (
	blockSize = 2880
	cardSize  = 80
)

// formatCard renders c as one fixed-format 80 character header card.
func formatCard(c fitsio.Card) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8.8s", c.Name)
	comment := c.Comment
	if c.Value == nil {
		if comment != "" {
			b.WriteString("  ")
			b.WriteString(comment)
		}
		return pad(b.String())
	}
	b.WriteString("= ")
	b.WriteString(formatValue(c.Value))
	if comment != "" {
		b.WriteString(" / ")
		b.WriteString(comment)
	}
	return pad(b.String())
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		s := strings.ReplaceAll(v, "'", "''")
		if len(s) > 68 {
			s = s[:68]
		}
		return fmt.Sprintf("'%-8s'", s)
	case bool:
		if v {
			return fmt.Sprintf("%20s", "T")
		}
		return fmt.Sprintf("%20s", "F")
	case int:
		return fmt.Sprintf("%20d", v)
	case int64:
		return fmt.Sprintf("%20d", v)
	case float64:
		return fmt.Sprintf("%20s", formatFloat(v))
	case float32:
		return fmt.Sprintf("%20s", formatFloat(float64(v)))
	}
	return fmt.Sprintf("'%-8v'", v)
}

// formatFloat always yields a FITS real, never something that parses as an integer.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'G', -1, 64)
	if !strings.ContainsAny(s, ".EN") {
		s += ".0"
	}
	return s
}

func pad(s string) string {
	if len(s) > cardSize {
		return s[:cardSize]
	}
	return s + strings.Repeat(" ", cardSize-len(s))
}

// headerBlocks renders cards followed by END, padded with blanks to whole blocks.
func headerBlocks(cards []fitsio.Card) []byte {
	var buf bytes.Buffer
	for _, c := range cards {
		buf.WriteString(formatCard(c))
	}
	buf.WriteString(pad("END"))
	if rem := buf.Len() % blockSize; rem != 0 {
		buf.WriteString(strings.Repeat(" ", blockSize-rem))
	}
	return buf.Bytes()
}

// padLen returns the bytes needed to complete the block holding n bytes.
func padLen(n int64) int64 {
	if rem := n % blockSize; rem != 0 {
		return blockSize - rem
	}
	return 0
}

// column is one binary-table field with a fixed repeat count.
type column struct {
	name   string
	code   byte // TFORM type code
	repeat int
	unit   string
	dim    string
}

func (c column) form() string {
	return strconv.Itoa(c.repeat) + string(c.code)
}

func (c column) width() int {
	return c.repeat * codeSize(c.code)
}

// codeSize returns the byte width of a TFORM type code, zero if unknown.
func codeSize(code byte) int {
	switch code {
	case 'L', 'B', 'A':
		return 1
	case 'I':
		return 2
	case 'J', 'E':
		return 4
	case 'K', 'D', 'C':
		return 8
	case 'M':
		return 16
	}
	return 0
}

// parseForm splits a TFORM value such as "1024B" into repeat and code.
func parseForm(s string) (int, byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("empty TFORM")
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	repeat := 1
	if i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, 0, err
		}
		repeat = n
	}
	if i >= len(s) || codeSize(s[i]) == 0 {
		return 0, 0, fmt.Errorf("unsupported TFORM %q", s)
	}
	return repeat, s[i], nil
}
