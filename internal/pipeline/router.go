package pipeline

import (
	"strings"

	"wanote/internal/domain"
	"wanote/internal/extract"
	"wanote/internal/security"
)

// Route is the processing path chosen for a message.
type Route int

const (
	RouteExtractText Route = iota + 1
	RouteTranscribe
)

func (r Route) String() string {
	switch r {
	case RouteExtractText:
		return "extract-text"
	case RouteTranscribe:
		return "transcribe"
	default:
		return "unknown"
	}
}

// Routed pairs the route with the content handed to the extraction engine.
type Routed struct {
	Route   Route
	Content extract.Content
}

// RouteMessage picks the path for msg. Text has the trigger keyword removed.
// It returns false for kinds the pipeline does not handle and for text that
// is empty once the keyword is gone.
func RouteMessage(msg domain.InboundMessage, snap *security.Snapshot) (Routed, bool) {
	switch msg.Kind {
	case domain.KindAudio:
		return Routed{
			Route: RouteTranscribe,
			Content: extract.Content{
				Kind:       domain.KindAudio,
				Media:      msg.Media,
				ReceivedAt: msg.ReceivedAt,
			},
		}, true

	case domain.KindText:
		body := strings.TrimSpace(msg.Body)
		if snap != nil {
			body = snap.StripTrigger(body)
		}
		if body == "" {
			return Routed{}, false
		}
		return Routed{
			Route: RouteExtractText,
			Content: extract.Content{
				Kind:       domain.KindText,
				Text:       body,
				ReceivedAt: msg.ReceivedAt,
			},
		}, true

	default:
		return Routed{}, false
	}
}
