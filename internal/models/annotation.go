package models

import "time"

// SelectionMode is the active-learning policy that picks the next element
type SelectionMode string

const (
	SelectDeterministic SelectionMode = "deterministic"
	SelectRandom        SelectionMode = "random"
	SelectMaxProb       SelectionMode = "maxprob"
	SelectTest          SelectionMode = "test"
)

// SampleMode filters candidates by their tag state in a scheme
type SampleMode string

const (
	SampleAll      SampleMode = "all"
	SampleTagged   SampleMode = "tagged"
	SampleUntagged SampleMode = "untagged"
	SampleRecent   SampleMode = "recent"
)

// SelectionModes lists the selection modes in the order shown to clients
var SelectionModes = []SelectionMode{SelectDeterministic, SelectRandom, SelectMaxProb, SelectTest}

// SampleModes lists the sample modes in the order shown to clients
var SampleModes = []SampleMode{SampleUntagged, SampleAll, SampleTagged, SampleRecent}

// Valid reports whether m is a known selection mode
func (m SelectionMode) Valid() bool {
	for _, s := range SelectionModes {
		if s == m {
			return true
		}
	}
	return false
}

// Valid reports whether m is a known sample mode
func (m SampleMode) Valid() bool {
	for _, s := range SampleModes {
		if s == m {
			return true
		}
	}
	return false
}

// Action is the kind of change recorded in the annotation log
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Annotation is one (element, scheme, user) label with the mode that surfaced
// the element. An empty Label means the element is untagged.
type Annotation struct {
	ElementID string        `json:"element_id" db:"element_id"`
	Scheme    string        `json:"scheme" db:"scheme"`
	User      string        `json:"user" db:"user_name"`
	Label     string        `json:"label,omitempty" db:"label"`
	Action    Action        `json:"action" db:"action"`
	Selection SelectionMode `json:"selection,omitempty" db:"selection"`
	Time      time.Time     `json:"time" db:"created_at"`
}

// Tagged reports whether the annotation holds a current label
func (a Annotation) Tagged() bool {
	return a.Label != ""
}

// Prediction is a model's label and probability for one element
type Prediction struct {
	Label string  `json:"label"`
	Proba float64 `json:"proba"`
}

// TableRow is one row of an annotation table view
type TableRow struct {
	ElementID string    `json:"element_id" parquet:"element_id"`
	Text      string    `json:"text" parquet:"text"`
	Label     string    `json:"label,omitempty" parquet:"label"`
	User      string    `json:"user,omitempty" parquet:"user"`
	Time      time.Time `json:"time,omitempty" parquet:"time"`
}

// TableHeader is the CSV header of exported annotation tables
var TableHeader = []string{"element_id", "text", "label", "user", "time"}

func (r TableRow) CSVRow() []string {
	ts := ""
	if !r.Time.IsZero() {
		ts = r.Time.Format(time.RFC3339Nano)
	}
	return []string{r.ElementID, r.Text, r.Label, r.User, ts}
}

// TableEdit is one row of a bulk annotation push
type TableEdit struct {
	ElementID string `json:"element_id" binding:"required"`
	Label     string `json:"label"`
	Scheme    string `json:"scheme" binding:"required"`
}

// RowFailure reports why one row of a bulk push was skipped
type RowFailure struct {
	Index     int    `json:"index"`
	ElementID string `json:"element_id"`
	Reason    string `json:"reason"`
}

// BulkResult aggregates the outcome of a bulk push
type BulkResult struct {
	Applied  int          `json:"applied"`
	Failures []RowFailure `json:"failures,omitempty"`
}
