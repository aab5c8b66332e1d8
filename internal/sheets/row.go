package sheets

import (
	"strings"
	"time"

	"wanote/internal/domain"
)

// IDColumn holds the message id, the dedup key.
const IDColumn = "A"

// Header is the first row of the sheet.
var Header = []string{
	"Message ID", "Received At", "Processed At", "Sender", "Client Name", "Chat",
	"Source", "Kind", "Language", "Summary", "Action Items", "Deadlines",
	"Shopping List", "Transcript", "Status",
}

// Row renders rec in Header order.
func Row(rec domain.SheetRecord) []string {
	r := rec.Result
	status := "ok"
	if r.Degraded {
		status = "degraded"
	}
	return []string{
		rec.MessageID,
		formatTime(rec.ReceivedAt),
		formatTime(rec.ProcessedAt),
		rec.SenderID,
		rec.SenderName,
		rec.ChatID,
		string(rec.Source),
		string(rec.Kind),
		r.DetectedLanguage,
		r.Summary,
		strings.Join(r.ActionItems, "\n"),
		formatDeadlines(r.Deadlines),
		strings.Join(r.ShoppingList, "\n"),
		r.Transcript,
		status,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatDeadlines(ds []domain.Deadline) string {
	lines := make([]string, 0, len(ds))
	for _, d := range ds {
		if d.DueDate != nil {
			lines = append(lines, d.Description+" ("+d.DueDate.Format("2006-01-02")+")")
		} else {
			lines = append(lines, d.Description)
		}
	}
	return strings.Join(lines, "\n")
}
