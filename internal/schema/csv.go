package schema

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Table is a parsed CSV file.
type Table struct {
	Header []string
	Rows   []Row

	index map[string]int
}

// Row is one data line. Line is 1-based and counts the header.
type Row struct {
	Line   int
	Values []string
}

// ParseCSV reads a comma-separated file with a header line. Rows with the
// wrong number of fields are kept so validation can report them.
func ParseCSV(data []byte) (*Table, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty file: no header")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	t := &Table{Header: make([]string, len(header)), index: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.TrimSpace(h)
		t.Header[i] = h
		t.index[h] = i
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				t.Rows = append(t.Rows, Row{Line: perr.StartLine})
				continue
			}
			return nil, fmt.Errorf("reading row: %w", err)
		}
		line, _ := r.FieldPos(0)
		t.Rows = append(t.Rows, Row{Line: line, Values: rec})
	}
	return t, nil
}

// Column returns the position of a header column.
func (t *Table) Column(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// MissingColumns lists schema columns absent from the header.
func (t *Table) MissingColumns(s *Schema) []string {
	var missing []string
	for _, f := range s.Fields {
		if _, ok := t.index[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Value returns a row's value for a column, or "" when the row is short.
func (t *Table) Value(row Row, column string) string {
	i, ok := t.index[column]
	if !ok || i >= len(row.Values) {
		return ""
	}
	return row.Values[i]
}
