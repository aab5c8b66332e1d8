package domain

import "time"

// Deadline is a dated commitment found in a message.
type Deadline struct {
	Description string     `json:"description"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// ExtractionResult is the structured intelligence derived from one message.
// Sequences are never nil, only empty.
type ExtractionResult struct {
	Summary          string     `json:"summary"`
	ActionItems      []string   `json:"actionItems"`
	Deadlines        []Deadline `json:"deadlines"`
	ShoppingList     []string   `json:"shoppingList"`
	DetectedLanguage string     `json:"detectedLanguage"`
	Transcript       string     `json:"transcript,omitempty"`
	Degraded         bool       `json:"degraded"`
}

// Normalize replaces nil sequences with empty ones.
func (r *ExtractionResult) Normalize() {
	if r.ActionItems == nil {
		r.ActionItems = []string{}
	}
	if r.Deadlines == nil {
		r.Deadlines = []Deadline{}
	}
	if r.ShoppingList == nil {
		r.ShoppingList = []string{}
	}
}

// DegradedResult is the fallback used when the model never produces a
// schema-valid answer: the raw text becomes the summary.
func DegradedResult(raw, transcript, language string) ExtractionResult {
	r := ExtractionResult{
		Summary:          raw,
		Transcript:       transcript,
		DetectedLanguage: language,
		Degraded:         true,
	}
	r.Normalize()
	return r
}
