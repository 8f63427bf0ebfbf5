// Package corpus holds the ordered element table of a project.
package corpus

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path"

	"github.com/hack-pad/hackpadfs"

	"active-tagger/internal/apperr"
)

// Element is one document of the corpus
type Element struct {
	ID      string            `json:"element_id"`
	Text    string            `json:"text"`
	Context map[string]string `json:"context,omitempty"`
	Test    bool              `json:"test"`
}

// Corpus is an ordered element table keyed by element id.
// It is immutable once built.
type Corpus struct {
	elements       []Element
	index          map[string]int
	contextColumns []string
}

// New builds a corpus from elements in their stable order
func New(elements []Element, contextColumns []string) (*Corpus, error) {
	c := &Corpus{
		elements:       elements,
		index:          make(map[string]int, len(elements)),
		contextColumns: contextColumns,
	}
	for i, e := range elements {
		if e.ID == "" {
			return nil, apperr.InvalidInput.New("row %d has an empty element id", i)
		}
		if _, dup := c.index[e.ID]; dup {
			return nil, apperr.InvalidInput.New("duplicate element id %q", e.ID)
		}
		c.index[e.ID] = i
	}
	return c, nil
}

func (c *Corpus) Len() int {
	return len(c.elements)
}

// At returns the element at position i in corpus order
func (c *Corpus) At(i int) Element {
	return c.elements[i]
}

func (c *Corpus) Has(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Position returns the corpus order of id
func (c *Corpus) Position(id string) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

func (c *Corpus) Get(id string) (Element, error) {
	i, ok := c.index[id]
	if !ok {
		return Element{}, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownElement, "element %q", id)
	}
	return c.elements[i], nil
}

func (c *Corpus) ContextColumns() []string {
	return c.contextColumns
}

// IDs returns every element id in corpus order
func (c *Corpus) IDs() []string {
	ids := make([]string, len(c.elements))
	for i, e := range c.elements {
		ids[i] = e.ID
	}
	return ids
}

// Texts returns the texts of every element in corpus order
func (c *Corpus) Texts() []string {
	texts := make([]string, len(c.elements))
	for i, e := range c.elements {
		texts[i] = e.Text
	}
	return texts
}

// Partition returns the ids of the train or test partition in corpus order
func (c *Corpus) Partition(test bool) []string {
	var ids []string
	for _, e := range c.elements {
		if e.Test == test {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (c *Corpus) IsTest(id string) bool {
	i, ok := c.index[id]
	return ok && c.elements[i].Test
}

type snapshot struct {
	Elements       []Element
	ContextColumns []string
}

// Save writes the corpus to fsys at dir/corpus.gob
func (c *Corpus) Save(fsys hackpadfs.FS, dir string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{Elements: c.elements, ContextColumns: c.contextColumns}); err != nil {
		return fmt.Errorf("failed to encode corpus: %w", err)
	}
	if err := hackpadfs.WriteFullFile(fsys, path.Join(dir, "corpus.gob"), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write corpus: %w", err)
	}
	return nil
}

// Load reads a corpus saved by Save
func Load(fsys hackpadfs.FS, dir string) (*Corpus, error) {
	data, err := hackpadfs.ReadFile(fsys, path.Join(dir, "corpus.gob"))
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode corpus: %w", err)
	}
	return New(snap.Elements, snap.ContextColumns)
}
