package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"wanote/internal/domain"
	"wanote/internal/provider"
)

const dateLayout = "2006-01-02"

// payload is the JSON object the model must return. `required` on a slice
// rejects null or a missing key but accepts [].
type payload struct {
	Summary      string            `json:"summary" validate:"required,max=2000"`
	ActionItems  []string          `json:"action_items" validate:"required,dive,required"`
	Deadlines    []deadlinePayload `json:"deadlines" validate:"required,dive"`
	ShoppingList []string          `json:"shopping_list" validate:"required,dive,required"`
	Language     string            `json:"language" validate:"omitempty,max=16"`
}

type deadlinePayload struct {
	Description string `json:"description" validate:"required"`
	DueDate     string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// parsePayload decodes and validates raw model output.
func parsePayload(raw string) (*payload, error) {
	obj := provider.ExtractJSONObject(raw)
	if obj == "" {
		return nil, fmt.Errorf("no json object in model output")
	}
	var p payload
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	p.Summary = strings.TrimSpace(p.Summary)
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("model output failed validation: %w", err)
	}
	return &p, nil
}

// toResult converts a validated payload, filling due dates the model left
// out when the description names a relative day.
func (p *payload) toResult(receivedAt time.Time, loc *time.Location) domain.ExtractionResult {
	r := domain.ExtractionResult{
		Summary:          p.Summary,
		ActionItems:      trimAll(p.ActionItems),
		ShoppingList:     trimAll(p.ShoppingList),
		DetectedLanguage: strings.ToLower(strings.TrimSpace(p.Language)),
	}
	for _, d := range p.Deadlines {
		dl := domain.Deadline{Description: strings.TrimSpace(d.Description)}
		if d.DueDate != "" {
			if t, err := time.ParseInLocation(dateLayout, d.DueDate, loc); err == nil {
				dl.DueDate = &t
			}
		}
		if dl.DueDate == nil {
			dl.DueDate = resolveRelative(dl.Description, receivedAt, loc)
		}
		r.Deadlines = append(r.Deadlines, dl)
	}
	r.Normalize()
	return r
}

func trimAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var relativeDays = []struct {
	phrase string
	days   int
}{
	{"day after tomorrow", 2},
	{"tomorrow", 1},
	{"tonight", 0},
	{"today", 0},
	{"next week", 7},
}

// resolveRelative maps phrases like "tomorrow" to a calendar date counted
// from the day the message was received.
func resolveRelative(desc string, receivedAt time.Time, loc *time.Location) *time.Time {
	if receivedAt.IsZero() {
		return nil
	}
	lower := strings.ToLower(desc)
	for _, rd := range relativeDays {
		if strings.Contains(lower, rd.phrase) {
			day := receivedAt.In(loc)
			t := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, rd.days)
			return &t
		}
	}
	return nil
}
