// Package reply sends the sender a short acknowledgement of what was logged.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wanote/internal/domain"
)

const (
	defaultProcessingText = "Message received! Processing..."
	voiceProcessingText   = "Voice message received! Analyzing..."
)

type Config struct {
	Router           domain.OutboundRouter
	Timeout          time.Duration
	ProcessingNotice bool
	ProcessingText   string
	Logger           *slog.Logger
}

// Dispatcher makes exactly one delivery attempt per reply. Failures are
// logged and reported in the outcome, never retried.
type Dispatcher struct {
	cfg Config
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ProcessingText == "" {
		cfg.ProcessingText = defaultProcessingText
	}
	return &Dispatcher{cfg: cfg}
}

// Notice sends the "processing" acknowledgement when enabled. It is
// independent of the final confirmation.
func (d *Dispatcher) Notice(ctx context.Context, msg domain.InboundMessage) domain.DeliveryOutcome {
	if !d.cfg.ProcessingNotice {
		return domain.DeliveryOutcome{}
	}
	text := "📋 " + d.cfg.ProcessingText
	if msg.Kind == domain.KindAudio {
		text = "🎙️ " + voiceProcessingText
	}
	return d.send(ctx, msg, text, "notice")
}

// Reply confirms a processed message, or apologises when failure is set.
func (d *Dispatcher) Reply(ctx context.Context, msg domain.InboundMessage, result *domain.ExtractionResult, appended domain.AppendOutcome, failure error) domain.DeliveryOutcome {
	var text string
	if failure != nil || result == nil {
		text = FailureText(failure)
	} else {
		text = ConfirmationText(*result, appended)
	}
	return d.send(ctx, msg, text, "confirmation")
}

func (d *Dispatcher) send(ctx context.Context, msg domain.InboundMessage, text, kind string) domain.DeliveryOutcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	err := d.cfg.Router.Send(ctx, domain.OutboundMessage{
		Source:  msg.Source,
		ChatID:  msg.ReplyTo(),
		Content: text,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
		}
		d.cfg.Logger.Warn("reply not delivered",
			"kind", kind,
			"message_id", msg.ID,
			"chat", msg.ReplyTo(),
			"err", err,
		)
		return domain.DeliveryOutcome{Err: err}
	}
	d.cfg.Logger.Debug("reply delivered", "kind", kind, "message_id", msg.ID)
	return domain.DeliveryOutcome{Sent: true}
}

// ConfirmationText renders the success reply.
func ConfirmationText(r domain.ExtractionResult, appended domain.AppendOutcome) string {
	var sb strings.Builder
	if appended == domain.AlreadyPresent {
		sb.WriteString("ℹ️ Already logged")
	} else {
		sb.WriteString("✅ Saved to your notes")
	}
	if r.Degraded {
		sb.WriteString(" (raw text, could not structure it)")
	}
	sb.WriteString("\n\n📋 ")
	sb.WriteString(truncate(r.Summary, 300))

	counts := []struct {
		n            int
		singular, pl string
	}{
		{len(r.ActionItems), "action item", "action items"},
		{len(r.Deadlines), "deadline", "deadlines"},
		{len(r.ShoppingList), "shopping item", "shopping items"},
	}
	for _, c := range counts {
		if c.n == 0 {
			continue
		}
		word := c.pl
		if c.n == 1 {
			word = c.singular
		}
		fmt.Fprintf(&sb, "\n• %d %s", c.n, word)
	}
	return sb.String()
}

// FailureText renders the apology sent when a message could not be processed.
func FailureText(err error) string {
	switch {
	case errors.Is(err, domain.ErrExtractionUnavailable):
		return "❌ Sorry, I couldn't analyze your message right now. Please try again later."
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return "⚠️ Your message was analyzed but could not be saved. Please try again later."
	default:
		return "❌ Sorry, something went wrong while processing your message."
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
