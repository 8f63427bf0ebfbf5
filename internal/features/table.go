// Package features keeps the numeric representations of a project's corpus
// and the jobs that compute them.
package features

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Table is a numeric matrix aligned to element ids, one row per element.
type Table struct {
	IDs     []string    `json:"ids"`
	Columns []string    `json:"columns"`
	Values  [][]float64 `json:"values"`
}

// Validate checks that the table shape is consistent
func (t *Table) Validate() error {
	if len(t.Values) != len(t.IDs) {
		return fmt.Errorf("table has %d rows for %d ids", len(t.Values), len(t.IDs))
	}
	for i, row := range t.Values {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// Index maps element ids to row positions
func (t *Table) Index() map[string]int {
	index := make(map[string]int, len(t.IDs))
	for i, id := range t.IDs {
		index[id] = i
	}
	return index
}

// Rows returns the rows of ids in the given order. Ids missing from the
// table get a zero row.
func (t *Table) Rows(ids []string) [][]float64 {
	index := t.Index()
	rows := make([][]float64, len(ids))
	for i, id := range ids {
		if j, ok := index[id]; ok {
			rows[i] = t.Values[j]
		} else {
			rows[i] = make([]float64, len(t.Columns))
		}
	}
	return rows
}

// Concat joins tables column-wise on ids, prefixing each column with its
// table name.
func Concat(ids []string, names []string, tables []*Table) *Table {
	out := &Table{IDs: ids, Values: make([][]float64, len(ids))}
	for k, t := range tables {
		for _, c := range t.Columns {
			out.Columns = append(out.Columns, names[k]+"__"+c)
		}
	}
	for i := range out.Values {
		out.Values[i] = make([]float64, 0, len(out.Columns))
	}
	for _, t := range tables {
		for i, row := range t.Rows(ids) {
			out.Values[i] = append(out.Values[i], row...)
		}
	}
	return out
}

func encodeTable(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, fmt.Errorf("failed to encode feature table: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTable(data []byte) (*Table, error) {
	var t Table
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
