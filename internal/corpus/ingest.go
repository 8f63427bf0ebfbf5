package corpus

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"

	"active-tagger/internal/apperr"
)

// IngestOptions describes how to read a CSV file into a corpus
type IngestOptions struct {
	IDColumn       string   `json:"col_id" yaml:"col_id"`
	TextColumn     string   `json:"col_text" yaml:"col_text"`
	ContextColumns []string `json:"cols_context,omitempty" yaml:"cols_context"`
	LabelColumn    string   `json:"col_label,omitempty" yaml:"col_label"`
	NTrain         int      `json:"n_train" yaml:"n_train"`
	NTest          int      `json:"n_test" yaml:"n_test"`
	Seed           int64    `json:"seed" yaml:"seed"`
}

// Ingested is the result of reading a CSV file
type Ingested struct {
	Corpus *Corpus
	// Labels holds the pre-existing label of each element when a label column was given
	Labels map[string]string
}

// ReadCSV reads rows from r, samples NTest test rows and NTrain train rows with
// a deterministic shuffle seeded by Seed, and keeps them in file order.
// NTrain <= 0 keeps every row that is not sampled for test.
func ReadCSV(r io.Reader, opts IngestOptions) (*Ingested, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, apperr.InvalidInput.New("failed to read csv header: %v", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}

	required := []string{opts.IDColumn, opts.TextColumn}
	required = append(required, opts.ContextColumns...)
	if opts.LabelColumn != "" {
		required = append(required, opts.LabelColumn)
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok || name == "" {
			return nil, apperr.InvalidInput.New("column %q not found in csv", name)
		}
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, apperr.InvalidInput.New("failed to read csv rows: %v", err)
	}

	if opts.NTest < 0 || opts.NTrain < 0 {
		return nil, apperr.InvalidInput.New("n_train and n_test must be positive")
	}
	if opts.NTest+opts.NTrain > len(records) {
		return nil, apperr.InvalidInput.New("n_train + n_test (%d) exceeds the %d rows of the file",
			opts.NTest+opts.NTrain, len(records))
	}

	// role per row: 0 dropped, 1 train, 2 test
	role := make([]int, len(records))
	perm := rand.New(rand.NewSource(opts.Seed)).Perm(len(records))
	for n, i := range perm {
		switch {
		case n < opts.NTest:
			role[i] = 2
		case opts.NTrain <= 0 || n < opts.NTest+opts.NTrain:
			role[i] = 1
		}
	}

	field := func(record []string, name string) string {
		i := columns[name]
		if i < len(record) {
			return record[i]
		}
		return ""
	}

	ingested := &Ingested{}
	if opts.LabelColumn != "" {
		ingested.Labels = make(map[string]string)
	}
	elements := make([]Element, 0, opts.NTest+opts.NTrain)
	for i, record := range records {
		if role[i] == 0 {
			continue
		}
		e := Element{
			ID:   field(record, opts.IDColumn),
			Text: field(record, opts.TextColumn),
			Test: role[i] == 2,
		}
		if len(opts.ContextColumns) > 0 {
			e.Context = make(map[string]string, len(opts.ContextColumns))
			for _, name := range opts.ContextColumns {
				e.Context[name] = field(record, name)
			}
		}
		if opts.LabelColumn != "" {
			if label := field(record, opts.LabelColumn); label != "" {
				ingested.Labels[e.ID] = label
			}
		}
		elements = append(elements, e)
	}

	c, err := New(elements, opts.ContextColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to build corpus: %w", err)
	}
	ingested.Corpus = c
	return ingested, nil
}
