// Package diseaseinfo loads the symptom/cure side table and answers
// case-insensitive lookups by raw disease label.
package diseaseinfo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	symptomColumns = []string{"symptom_1", "symptom_2", "symptom_3"}
	cureColumns    = []string{"cure_1", "cure_2"}
)

// Record is one disease row with blank cells already dropped.
type Record struct {
	Name     string
	Symptoms []string
	Cures    []string
}

// Table is an immutable index of records keyed by lower-cased name.
type Table struct {
	rows map[string]Record
}

// Empty returns a table that never matches.
func Empty() *Table {
	return &Table{rows: map[string]Record{}}
}

// Load reads a CSV file with a disease_name column and up to three symptom
// and two cure columns.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("diseaseinfo: %w", err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("diseaseinfo: %s: %w", path, err)
	}
	return t, nil
}

// Parse reads the CSV table from r. Columns are matched by header name;
// missing columns read as blank and unknown ones are ignored. When a name
// appears twice the first row wins.
func Parse(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	nameCol, ok := cols["disease_name"]
	if !ok {
		return nil, errors.New("missing disease_name column")
	}

	t := Empty()
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		name := strings.TrimSpace(cell(row, nameCol))
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, seen := t.rows[key]; seen {
			continue
		}
		t.rows[key] = Record{
			Name:     name,
			Symptoms: present(row, cols, symptomColumns),
			Cures:    present(row, cols, cureColumns),
		}
	}
	return t, nil
}

// Lookup finds a record by name, ignoring case and surrounding space.
func (t *Table) Lookup(name string) (Record, bool) {
	if t == nil {
		return Record{}, false
	}
	rec, ok := t.rows[strings.ToLower(strings.TrimSpace(name))]
	return rec, ok
}

// Len reports the number of distinct diseases.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// present returns the non-blank cells of the named columns, in column order.
func present(row []string, cols map[string]int, names []string) []string {
	var out []string
	for _, name := range names {
		i, ok := cols[name]
		if !ok {
			continue
		}
		if v := strings.TrimSpace(cell(row, i)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
