package schema

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Table is a CSV file held in memory as strings.
type Table struct {
	Header []string
	Rows   [][]string
	// Skipped counts malformed lines dropped while reading.
	Skipped int

	index map[string]int
}

// NewTable creates a table from a header and rows.
func NewTable(header []string, rows [][]string) *Table {
	t := &Table{Header: header, Rows: rows}
	t.buildIndex()
	return t
}

func (t *Table) buildIndex() {
	t.index = make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		t.index[strings.TrimSpace(h)] = i
	}
}

// ReadCSV reads a comma delimited file with a header line.
// Lines whose field count differs from the header are skipped.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return NewTable(nil, nil), nil
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	t := &Table{Header: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		if len(rec) != len(header) {
			t.Skipped++
			continue
		}
		t.Rows = append(t.Rows, rec)
	}

	t.buildIndex()
	return t, nil
}

// WriteCSV writes the header and rows to w.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("writing rows: %w", err)
	}
	return nil
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Column returns the index of the named column.
func (t *Table) Column(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Head returns a table with the first n rows.
func (t *Table) Head(n int) *Table {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	if n < 0 {
		n = 0
	}
	return NewTable(t.Header, t.Rows[:n])
}

// Subset returns a table with the rows at the given positions.
func (t *Table) Subset(rows []int) *Table {
	out := make([][]string, 0, len(rows))
	for _, i := range rows {
		out = append(out, t.Rows[i])
	}
	return NewTable(t.Header, out)
}

// Validate checks that every feature column is present.
func (t *Table) Validate() error {
	var missing []string
	for _, name := range featureNames {
		if _, ok := t.index[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &SchemaValidationError{Missing: missing}
	}
	return nil
}

// Matrix projects the feature columns in canonical order.
// Columns that are not features (Time, Class, ...) are ignored.
func (t *Table) Matrix() ([][]float64, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	cols := make([]int, FeatureCount)
	for i, name := range featureNames {
		cols[i] = t.index[name]
	}

	m := make([][]float64, len(t.Rows))
	for r, rec := range t.Rows {
		row := make([]float64, FeatureCount)
		for i, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w %q: %w", r+1, featureNames[i], ErrInvalidValue, rec[c], err)
			}
			if !finite(v) {
				return nil, fmt.Errorf("row %d column %s: %w %q: not a finite number", r+1, featureNames[i], ErrInvalidValue, rec[c])
			}
			row[i] = v
		}
		m[r] = row
	}
	return m, nil
}

// Float parses the named column of a row, returning false when absent or invalid.
func (t *Table) Float(row int, name string) (float64, bool) {
	c, ok := t.index[name]
	if !ok || row < 0 || row >= len(t.Rows) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(t.Rows[row][c]), 64)
	if err != nil || !finite(v) {
		return 0, false
	}
	return v, true
}
