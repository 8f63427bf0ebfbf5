package models

import "time"

// Generation is one zero-shot label suggestion returned by an LLM provider.
// Suggestions are recorded but never applied as annotations.
type Generation struct {
	ElementID     string    `json:"element_id" db:"element_id"`
	Scheme        string    `json:"scheme" db:"scheme"`
	User          string    `json:"user" db:"user_name"`
	Label         string    `json:"label" db:"label"`
	Justification string    `json:"justification" db:"justification"`
	Provider      string    `json:"provider" db:"provider"`
	Model         string    `json:"model" db:"model"`
	Time          time.Time `json:"time" db:"created_at"`
}
