package alignment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Hit is one row of a tabular alignment file.
//
// Columns: query, target, pident, length, evalue, bitscore, qstart, qend,
// sstart, send. Only query and target are mandatory; missing numeric columns
// read as zero.
type Hit struct {
	Query    string
	Target   string
	Pident   float64
	Length   int
	Evalue   float64
	Bitscore float64
	QStart   int
	QEnd     int
	SStart   int
	SEnd     int
}

// ParseHit parses one tab-separated row.
func ParseHit(line string) (Hit, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
		return Hit{}, fmt.Errorf("expected at least query and target columns, got %d", len(fields))
	}
	h := Hit{Query: fields[0], Target: fields[1]}

	for i := 2; i < len(fields) && i < 10; i++ {
		var err error
		switch i {
		case 2:
			h.Pident, err = strconv.ParseFloat(fields[i], 64)
		case 3:
			h.Length, err = strconv.Atoi(fields[i])
		case 4:
			h.Evalue, err = strconv.ParseFloat(fields[i], 64)
		case 5:
			h.Bitscore, err = strconv.ParseFloat(fields[i], 64)
		case 6:
			h.QStart, err = strconv.Atoi(fields[i])
		case 7:
			h.QEnd, err = strconv.Atoi(fields[i])
		case 8:
			h.SStart, err = strconv.Atoi(fields[i])
		case 9:
			h.SEnd, err = strconv.Atoi(fields[i])
		}
		if err != nil {
			return Hit{}, fmt.Errorf("column %d: %w", i+1, err)
		}
	}
	return h, nil
}

// String renders the hit as a tab-separated row without a newline.
func (h Hit) String() string {
	return fmt.Sprintf("%s\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%d",
		h.Query, h.Target,
		strconv.FormatFloat(h.Pident, 'f', -1, 64), h.Length,
		strconv.FormatFloat(h.Evalue, 'g', -1, 64),
		strconv.FormatFloat(h.Bitscore, 'f', -1, 64),
		h.QStart, h.QEnd, h.SStart, h.SEnd)
}

// Better reports whether h ranks above other: higher bitscore, then lower evalue.
func (h Hit) Better(other Hit) bool {
	if h.Bitscore != other.Bitscore {
		return h.Bitscore > other.Bitscore
	}
	return h.Evalue < other.Evalue
}

// EachHit calls emit for every row of r. Blank lines and lines starting with
// '#' are skipped.
func EachHit(ctx context.Context, r io.Reader, emit func(Hit) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || text[0] == '#' {
			continue
		}
		h, err := ParseHit(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := emit(h); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadHits is EachHit over a file.
func ReadHits(ctx context.Context, path string, emit func(Hit) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := EachHit(ctx, f, emit); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
