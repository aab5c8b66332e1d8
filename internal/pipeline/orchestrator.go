// Package pipeline drives each inbound message from webhook to sheet row and
// reply, one detached goroutine per message.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wanote/internal/bus"
	"wanote/internal/domain"
	"wanote/internal/extract"
	"wanote/internal/security"
)

// Extractor is the extraction engine as seen by the pipeline.
type Extractor interface {
	Extract(ctx context.Context, c extract.Content) (domain.ExtractionResult, error)
}

// Replier sends the processing notice and the final confirmation.
type Replier interface {
	Notice(ctx context.Context, msg domain.InboundMessage) domain.DeliveryOutcome
	Reply(ctx context.Context, msg domain.InboundMessage, result *domain.ExtractionResult, appended domain.AppendOutcome, failure error) domain.DeliveryOutcome
}

// Gauge is the subset of a Prometheus gauge the orchestrator updates.
type Gauge interface {
	Inc()
	Dec()
}

type Config struct {
	Guard     *security.Guard
	Extractor Extractor
	Records   domain.RecordStore
	Replies   Replier
	Events    *bus.EventBus
	InFlight  Gauge // optional
	// Deadline bounds one message end to end, independent of the webhook.
	Deadline    time.Duration
	MaxInFlight int
	// MaxQueued caps messages waiting for a worker slot. Beyond it new
	// messages are shed with a dropped/overloaded event.
	MaxQueued int
	Logger    *slog.Logger
}

// Final states of a run.
const (
	StateDone                = "done"
	StateRejectedByWhitelist = "rejected"
	StateMalformedInput      = "malformed"
	StateDropped             = "dropped"
	StateUnrecoverable       = "unrecoverable"
)

// Orchestrator accepts parsed webhooks and runs every message independently.
// Messages are not ordered relative to each other.
type Orchestrator struct {
	cfg  Config
	base context.Context
	sem  chan struct{}
	wg   sync.WaitGroup

	pending atomic.Int64 // submitted and not yet finished
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 3 * time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 256
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewEventBus(cfg.Logger, 0)
	}
	return &Orchestrator{
		cfg:  cfg,
		base: context.Background(),
		sem:  make(chan struct{}, cfg.MaxInFlight),
	}
}

// Accept parses body synchronously and schedules every message it carries.
// It never waits for processing, so the caller can acknowledge at once.
// Status callbacks are ignored (0, nil); unparseable bodies return an error
// wrapping ErrMalformedPayload.
func (o *Orchestrator) Accept(gw domain.Gateway, body []byte) (int, error) {
	msgs, err := gw.Parse(body)
	switch {
	case errors.Is(err, domain.ErrNotUserMessage):
		o.cfg.Logger.Debug("ignoring non-message webhook", "source", gw.Source())
		return 0, nil
	case err != nil:
		o.cfg.Logger.Warn("malformed webhook payload", "source", gw.Source(), "err", err)
		o.cfg.Events.Emit(bus.Event{Type: bus.EventMalformed, Source: string(gw.Source())})
		if !errors.Is(err, domain.ErrMalformedPayload) {
			err = fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		return 0, err
	}

	n := 0
	for _, msg := range msgs {
		if o.Submit(msg) {
			n++
		}
	}
	return n, nil
}

// Submit starts processing msg in its own goroutine and returns immediately.
// It returns false when the backlog is full and msg was shed.
func (o *Orchestrator) Submit(msg domain.InboundMessage) bool {
	limit := int64(o.cfg.MaxInFlight + o.cfg.MaxQueued)
	if o.pending.Add(1) > limit {
		o.pending.Add(-1)
		o.cfg.Logger.Warn("pipeline backlog full, dropping message",
			"message_id", msg.ID, "source", msg.Source, "sender", msg.SenderID, "limit", limit)
		o.cfg.Events.Emit(bus.Event{
			Type:      bus.EventDropped,
			MessageID: msg.ID,
			Source:    string(msg.Source),
			Detail:    map[string]any{"outcome": "overloaded"},
		})
		return false
	}
	o.wg.Add(1)
	go o.run(msg)
	return true
}

// Wait blocks until every submitted message has finished or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type run struct {
	id     string
	msg    domain.InboundMessage
	logger *slog.Logger
	events *bus.EventBus
}

func (r *run) emit(eventType, outcome string, extra ...any) {
	detail := map[string]any{}
	if outcome != "" {
		detail["outcome"] = outcome
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			detail[k] = extra[i+1]
		}
	}
	r.events.Emit(bus.Event{
		Type:      eventType,
		RunID:     r.id,
		MessageID: r.msg.ID,
		Source:    string(r.msg.Source),
		Detail:    detail,
	})
}

func (o *Orchestrator) run(msg domain.InboundMessage) {
	defer o.wg.Done()
	defer o.pending.Add(-1)

	start := time.Now()
	id := uuid.NewString()
	r := &run{
		id:     id,
		msg:    msg,
		logger: o.cfg.Logger.With("run_id", id, "message_id", msg.ID, "source", msg.Source, "sender", msg.SenderID),
		events: o.cfg.Events,
	}

	ctx, cancel := context.WithTimeout(o.base, o.cfg.Deadline)
	defer cancel()

	state := StateUnrecoverable
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("pipeline panic", "panic", p)
			r.emit(bus.EventFailed, "panic")
			state = StateUnrecoverable
		}
		r.emit(bus.EventDone, state, "duration", time.Since(start))
		r.logger.Info("message finished", "state", state, "elapsed", time.Since(start).Round(time.Millisecond))
	}()

	r.emit(bus.EventReceived, string(msg.Kind))

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		r.logger.Error("deadline passed while waiting for a worker slot")
		r.emit(bus.EventFailed, "deadline")
		return
	}
	defer func() { <-o.sem }()

	if o.cfg.InFlight != nil {
		o.cfg.InFlight.Inc()
		defer o.cfg.InFlight.Dec()
	}

	state = o.process(ctx, r)
}

func (o *Orchestrator) process(ctx context.Context, r *run) string {
	msg := r.msg

	if err := msg.Validate(); err != nil {
		r.logger.Warn("malformed message", "err", err)
		r.emit(bus.EventMalformed, "")
		return StateMalformedInput
	}

	snap := o.cfg.Guard.Snapshot()
	decision := snap.Check(msg.SenderID, msg.Kind, msg.Body)
	if !decision.Allowed {
		r.logger.Info("sender not whitelisted, ignoring", "kind", msg.Kind)
		r.emit(bus.EventRejected, "")
		return StateRejectedByWhitelist
	}
	if decision.Bypass {
		r.logger.Info("trigger keyword bypass")
	}

	routed, ok := RouteMessage(msg, snap)
	if !ok {
		r.logger.Warn("no route for message, dropping", "kind", msg.Kind)
		r.emit(bus.EventDropped, string(msg.Kind))
		return StateDropped
	}
	r.logger.Debug("routed", "route", routed.Route)

	o.cfg.Replies.Notice(ctx, msg)

	result, err := o.cfg.Extractor.Extract(ctx, routed.Content)
	if err != nil {
		return o.fail(ctx, r, "extract", err)
	}
	outcome := "ok"
	if result.Degraded {
		outcome = "degraded"
	}
	r.emit(bus.EventExtracted, outcome)

	name := decision.Entry.DisplayName
	if name == "" {
		name = msg.SenderName
	}
	appended, err := o.cfg.Records.AppendIfAbsent(ctx, domain.SheetRecord{
		MessageID:   msg.ID,
		ReceivedAt:  msg.ReceivedAt,
		ProcessedAt: time.Now(),
		SenderID:    msg.SenderID,
		SenderName:  name,
		ChatID:      msg.ReplyTo(),
		Source:      msg.Source,
		Kind:        msg.Kind,
		Result:      result,
	})
	if err != nil {
		return o.fail(ctx, r, "persist", err)
	}
	r.emit(bus.EventPersisted, appended.String())

	if ctx.Err() != nil {
		r.logger.Error("deadline exceeded before confirmation", "err", ctx.Err())
		r.emit(bus.EventFailed, "deadline")
		return StateUnrecoverable
	}
	delivery := o.cfg.Replies.Reply(ctx, msg, &result, appended, nil)
	if delivery.Sent {
		r.emit(bus.EventConfirmed, "sent")
	} else {
		r.emit(bus.EventConfirmed, "failed")
	}
	return StateDone
}

// fail logs the failed step and, unless the deadline is gone, tells the
// sender. The message is not retried.
func (o *Orchestrator) fail(ctx context.Context, r *run, step string, err error) string {
	if ctx.Err() != nil {
		r.logger.Error("deadline exceeded, abandoning message", "step", step, "err", err)
		r.emit(bus.EventFailed, "deadline", "step", step)
		return StateUnrecoverable
	}
	r.logger.Error("message processing failed", "step", step, "err", err)
	r.emit(bus.EventFailed, step)
	o.cfg.Replies.Reply(ctx, r.msg, nil, 0, err)
	return StateUnrecoverable
}
