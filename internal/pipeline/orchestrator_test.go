package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wanote/internal/bus"
	"wanote/internal/domain"
	"wanote/internal/extract"
	"wanote/internal/provider"
	"wanote/internal/reply"
	"wanote/internal/retry"
	"wanote/internal/security"
	"wanote/internal/sheets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const listed = "972509926644"

var received = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeGenerator struct {
	mu      sync.Mutex
	replies []string
	err     error
	delay   time.Duration
	prompts []provider.Prompt
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, p provider.Prompt) (string, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.prompts)
	g.prompts = append(g.prompts, p)
	if g.err != nil {
		return "", g.err
	}
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type fakeTranscriber struct{ calls atomic.Int32 }

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mime string) (*provider.Transcription, error) {
	f.calls.Add(1)
	return &provider.Transcription{Text: "buy milk", Language: "en"}, nil
}

type memSheet struct {
	mu   sync.Mutex
	rows [][]string
}

func (m *memSheet) Append(ctx context.Context, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memSheet) ColumnValues(ctx context.Context, column string) ([]string, error) {
	return nil, nil
}

func (m *memSheet) snapshot() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rows)
}

type memIndex struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (m *memIndex) HasProcessed(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[id], nil
}

func (m *memIndex) MarkProcessed(ctx context.Context, id, source, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = true
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
}

func (s *recordingSender) Source() domain.Source { return domain.SourceCloudAPI }

func (s *recordingSender) Send(ctx context.Context, chatID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, domain.OutboundMessage{Source: domain.SourceCloudAPI, ChatID: chatID, Content: content})
	return nil
}

func (s *recordingSender) messages() []domain.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

type audioResolver struct{}

func (audioResolver) Fetch(ctx context.Context, ref domain.MediaRef) ([]byte, string, error) {
	return []byte("OGG"), "audio/ogg", nil
}

type fakeGateway struct {
	msgs []domain.InboundMessage
	err  error
}

func (g fakeGateway) Source() domain.Source                           { return domain.SourceCloudAPI }
func (g fakeGateway) Authenticate(r *http.Request, body []byte) error { return nil }
func (g fakeGateway) Parse(body []byte) ([]domain.InboundMessage, error) {
	return g.msgs, g.err
}

// --- harness ---

type harness struct {
	orch   *Orchestrator
	gen    *fakeGenerator
	tr     *fakeTranscriber
	sheet  *memSheet
	sender *recordingSender
	events *bus.EventBus
}

func newHarness(t *testing.T, gen *fakeGenerator, deadline time.Duration, notice bool) *harness {
	t.Helper()
	logger := testLogger()
	h := &harness{
		gen:    gen,
		tr:     &fakeTranscriber{},
		sheet:  &memSheet{},
		sender: &recordingSender{},
		events: bus.NewEventBus(logger, 0),
	}

	guard := security.NewGuard(security.GuardConfig{
		Static:         []string{listed},
		TriggerKeyword: "#note",
		Logger:         logger,
	})
	engine := extract.NewEngine(extract.Config{
		Generator:   gen,
		Transcriber: h.tr,
		Media:       map[domain.Source]domain.MediaResolver{domain.SourceCloudAPI: audioResolver{}},
		Retry:       retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond},
		CallTimeout: 5 * time.Second,
		Location:    time.UTC,
		Logger:      logger,
	})
	records := sheets.NewStore(sheets.StoreConfig{
		Sheet:  h.sheet,
		Index:  &memIndex{ids: map[string]bool{}},
		Logger: logger,
	})
	router := bus.NewRouter(logger)
	router.Register(h.sender)
	replies := reply.NewDispatcher(reply.Config{Router: router, ProcessingNotice: notice, Logger: logger})

	h.orch = NewOrchestrator(Config{
		Guard:       guard,
		Extractor:   engine,
		Records:     records,
		Replies:     replies,
		Events:      h.events,
		Deadline:    deadline,
		MaxInFlight: 4,
		Logger:      logger,
	})
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx); err != nil {
		t.Fatalf("pipeline did not drain: %v", err)
	}
}

func textMessage(id, sender, body string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:         id,
		Source:     domain.SourceCloudAPI,
		SenderID:   sender,
		ChatID:     sender,
		Kind:       domain.KindText,
		Body:       body,
		ReceivedAt: received,
	}
}

const milkReply = `{"summary":"Buy milk and call mom tomorrow.","action_items":["buy milk","call mom"],
"deadlines":[{"description":"call mom tomorrow","due_date":""}],"shopping_list":["milk"],"language":"en"}`

// --- scenarios ---

func TestPipeline_WhitelistedText(t *testing.T) {
	h := newHarness(t, &fakeGenerator{replies: []string{milkReply}}, time.Minute, true)

	h.orch.Submit(textMessage("wamid.1", listed, "buy milk, call mom tomorrow"))
	h.wait(t)

	rows := h.sheet.snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row[0] != "wamid.1" || row[12] != "milk" || row[11] != "call mom tomorrow (2026-03-11)" {
		t.Errorf("unexpected row: %v", row)
	}

	sent := h.sender.messages()
	if len(sent) != 2 {
		t.Fatalf("expected notice + confirmation, got %d sends", len(sent))
	}
	if !strings.Contains(sent[0].Content, "Processing") {
		t.Errorf("first send should be the notice: %q", sent[0].Content)
	}
	if sent[1].ChatID != listed || !strings.Contains(sent[1].Content, "1 shopping item") {
		t.Errorf("unexpected confirmation: %+v", sent[1])
	}
}

func TestPipeline_NonWhitelistedAudioIsSilent(t *testing.T) {
	gen := &fakeGenerator{replies: []string{milkReply}}
	h := newHarness(t, gen, time.Minute, true)

	h.orch.Submit(domain.InboundMessage{
		ID:         "wamid.2",
		Source:     domain.SourceCloudAPI,
		SenderID:   "15550001111",
		ChatID:     "15550001111",
		Kind:       domain.KindAudio,
		Media:      &domain.MediaRef{Source: domain.SourceCloudAPI, ID: "media-1"},
		ReceivedAt: received,
	})
	h.wait(t)

	if h.tr.calls.Load() != 0 || gen.calls() != 0 {
		t.Error("no model call expected for a rejected sender")
	}
	if len(h.sheet.snapshot()) != 0 || len(h.sender.messages()) != 0 {
		t.Error("rejected sender must get no row and no reply")
	}
	if got := h.events.Replay(bus.EventRejected, time.Time{}, 0); len(got) != 1 {
		t.Errorf("expected one rejection event, got %d", len(got))
	}
}

func TestPipeline_MalformedModelOutputDegrades(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"not json", `{"summary":"x"}`}}
	h := newHarness(t, gen, time.Minute, false)

	h.orch.Submit(textMessage("wamid.3", listed, "remember the thing"))
	h.wait(t)

	if gen.calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", gen.calls())
	}
	rows := h.sheet.snapshot()
	if len(rows) != 1 || rows[0][9] != "remember the thing" || rows[0][14] != "degraded" {
		t.Fatalf("expected one degraded row, got %v", rows)
	}
	sent := h.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Content, "Saved") {
		t.Fatalf("expected a single confirmation, got %+v", sent)
	}
}

func TestPipeline_AudioFromListedSender(t *testing.T) {
	h := newHarness(t, &fakeGenerator{replies: []string{milkReply}}, time.Minute, false)

	h.orch.Submit(domain.InboundMessage{
		ID:         "wamid.4",
		Source:     domain.SourceCloudAPI,
		SenderID:   listed,
		ChatID:     listed,
		Kind:       domain.KindAudio,
		Media:      &domain.MediaRef{Source: domain.SourceCloudAPI, ID: "media-2"},
		ReceivedAt: received,
	})
	h.wait(t)

	if h.tr.calls.Load() != 1 {
		t.Fatalf("expected one transcription, got %d", h.tr.calls.Load())
	}
	rows := h.sheet.snapshot()
	if len(rows) != 1 || rows[0][13] != "buy milk" || rows[0][7] != "audio" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestPipeline_TriggerKeywordBypass(t *testing.T) {
	gen := &fakeGenerator{replies: []string{milkReply}}
	h := newHarness(t, gen, time.Minute, false)

	h.orch.Submit(textMessage("wamid.5", "15550002222", "#NOTE buy   eggs"))
	h.orch.Submit(textMessage("wamid.6", "15550002222", "buy eggs"))
	h.wait(t)

	if len(h.sheet.snapshot()) != 1 {
		t.Fatalf("only the keyword message should be processed, rows=%d", len(h.sheet.snapshot()))
	}
	if gen.calls() != 1 {
		t.Fatalf("expected 1 model call, got %d", gen.calls())
	}
	if u := gen.prompts[0].User; strings.Contains(strings.ToLower(u), "#note") || !strings.Contains(u, "buy eggs") {
		t.Errorf("keyword should be stripped before extraction: %q", u)
	}
}

func TestPipeline_DuplicateDeliveryWritesOnce(t *testing.T) {
	h := newHarness(t, &fakeGenerator{replies: []string{milkReply}}, time.Minute, false)

	h.orch.Submit(textMessage("wamid.7", listed, "buy milk"))
	h.wait(t)
	h.orch.Submit(textMessage("wamid.7", listed, "buy milk"))
	h.wait(t)

	if len(h.sheet.snapshot()) != 1 {
		t.Fatalf("expected 1 row for a redelivered message, got %d", len(h.sheet.snapshot()))
	}
	sent := h.sender.messages()
	if len(sent) != 2 || !strings.Contains(sent[1].Content, "Already logged") {
		t.Fatalf("second delivery should be confirmed as already logged: %+v", sent)
	}
}

func TestPipeline_ExtractionUnavailableSendsFailureNotice(t *testing.T) {
	gen := &fakeGenerator{err: &retry.StatusError{StatusCode: 503}}
	h := newHarness(t, gen, time.Minute, false)

	h.orch.Submit(textMessage("wamid.8", listed, "buy milk"))
	h.wait(t)

	if gen.calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", gen.calls())
	}
	if len(h.sheet.snapshot()) != 0 {
		t.Error("no row expected when extraction is unavailable")
	}
	sent := h.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Content, "couldn't analyze") {
		t.Fatalf("expected a failure notice, got %+v", sent)
	}
	if got := h.events.Replay(bus.EventFailed, time.Time{}, 0); len(got) != 1 {
		t.Errorf("expected one failure event, got %d", len(got))
	}
}

func TestPipeline_DeadlineAbandonsWithoutReply(t *testing.T) {
	gen := &fakeGenerator{replies: []string{milkReply}, delay: time.Second}
	h := newHarness(t, gen, 100*time.Millisecond, false)

	h.orch.Submit(textMessage("wamid.9", listed, "buy milk"))
	h.wait(t)

	if len(h.sheet.snapshot()) != 0 || len(h.sender.messages()) != 0 {
		t.Fatal("an overrun message must not be persisted or confirmed")
	}
	failed := h.events.Replay(bus.EventFailed, time.Time{}, 0)
	if len(failed) != 1 || failed[0].Detail["outcome"] != "deadline" {
		t.Fatalf("expected a deadline failure event, got %+v", failed)
	}
}

func TestAccept_AcksBeforeProcessing(t *testing.T) {
	gen := &fakeGenerator{replies: []string{milkReply}, delay: 300 * time.Millisecond}
	h := newHarness(t, gen, time.Minute, false)

	gw := fakeGateway{msgs: []domain.InboundMessage{
		textMessage("wamid.10", listed, "buy milk"),
		textMessage("wamid.11", listed, "call mom"),
	}}

	start := time.Now()
	n, err := h.orch.Accept(gw, []byte("{}"))
	elapsed := time.Since(start)
	if err != nil || n != 2 {
		t.Fatalf("accept: n=%d err=%v", n, err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("accept took %s, it must not wait for extraction", elapsed)
	}
	if len(h.sheet.snapshot()) != 0 {
		t.Fatal("nothing should be persisted at ack time")
	}

	h.wait(t)
	if len(h.sheet.snapshot()) != 2 {
		t.Fatalf("expected both messages persisted, got %d", len(h.sheet.snapshot()))
	}
}

func TestAccept_IgnoredAndMalformed(t *testing.T) {
	h := newHarness(t, &fakeGenerator{replies: []string{milkReply}}, time.Minute, false)

	n, err := h.orch.Accept(fakeGateway{err: domain.ErrNotUserMessage}, nil)
	if n != 0 || err != nil {
		t.Fatalf("status callbacks should be ignored: n=%d err=%v", n, err)
	}

	_, err = h.orch.Accept(fakeGateway{err: errors.New("unexpected end of JSON input")}, nil)
	if !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestPipeline_InvalidMessageIsMalformed(t *testing.T) {
	h := newHarness(t, &fakeGenerator{replies: []string{milkReply}}, time.Minute, false)

	bad := textMessage("wamid.12", listed, "")
	h.orch.Submit(bad)
	h.wait(t)

	if got := h.events.Replay(bus.EventMalformed, time.Time{}, 0); len(got) != 1 {
		t.Fatalf("expected one malformed event, got %d", len(got))
	}
	if len(h.sender.messages()) != 0 {
		t.Fatal("malformed input gets no reply")
	}
}

type unavailableRecords struct{ calls atomic.Int32 }

func (u *unavailableRecords) AppendIfAbsent(ctx context.Context, rec domain.SheetRecord) (domain.AppendOutcome, error) {
	u.calls.Add(1)
	return 0, fmt.Errorf("%w: sheets returned 503 three times", domain.ErrPersistenceUnavailable)
}

func TestPipeline_PersistenceUnavailableSendsFailureNotice(t *testing.T) {
	h := newHarness(t, &fakeGenerator{replies: []string{milkReply}}, time.Minute, false)
	records := &unavailableRecords{}
	h.orch.cfg.Records = records

	h.orch.Submit(textMessage("wamid.14", listed, "buy milk"))
	h.wait(t)

	if records.calls.Load() != 1 {
		t.Fatalf("expected exactly one append attempt, got %d", records.calls.Load())
	}
	sent := h.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Content, "could not be saved") {
		t.Fatalf("expected a single save-failure notice, got %+v", sent)
	}
	failed := h.events.Replay(bus.EventFailed, time.Time{}, 0)
	if len(failed) != 1 || failed[0].Detail["outcome"] != "persist" {
		t.Fatalf("expected a persist failure event, got %+v", failed)
	}
	done := h.events.Replay(bus.EventDone, time.Time{}, 0)
	if len(done) != 1 || done[0].Detail["outcome"] != StateUnrecoverable {
		t.Fatalf("expected an unrecoverable run, got %+v", done)
	}
}

func TestSubmit_ShedsBeyondBacklog(t *testing.T) {
	gen := &fakeGenerator{replies: []string{milkReply}, delay: 300 * time.Millisecond}
	h := newHarness(t, gen, time.Minute, false)
	h.orch.cfg.MaxInFlight = 1
	h.orch.cfg.MaxQueued = 1

	accepted := 0
	for i := range 3 {
		if h.orch.Submit(textMessage(fmt.Sprintf("wamid.q%d", i), listed, "buy milk")) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", accepted)
	}
	h.wait(t)

	if len(h.sheet.snapshot()) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(h.sheet.snapshot()))
	}
	dropped := h.events.Replay(bus.EventDropped, time.Time{}, 0)
	if len(dropped) != 1 || dropped[0].Detail["outcome"] != "overloaded" || dropped[0].MessageID != "wamid.q2" {
		t.Fatalf("expected one overloaded drop, got %+v", dropped)
	}
	if !h.orch.Submit(textMessage("wamid.q3", listed, "buy milk")) {
		t.Fatal("backlog should be free again after draining")
	}
	h.wait(t)
}

type panicExtractor struct{}

func (panicExtractor) Extract(ctx context.Context, c extract.Content) (domain.ExtractionResult, error) {
	panic("bad extractor")
}

func TestPipeline_PanicIsRecovered(t *testing.T) {
	h := newHarness(t, &fakeGenerator{replies: []string{milkReply}}, time.Minute, false)
	h.orch.cfg.Extractor = panicExtractor{}

	h.orch.Submit(textMessage("wamid.13", listed, "buy milk"))
	h.wait(t)

	done := h.events.Replay(bus.EventDone, time.Time{}, 0)
	if len(done) != 1 || done[0].Detail["outcome"] != StateUnrecoverable {
		t.Fatalf("expected an unrecoverable run, got %+v", done)
	}
}

func TestRouteMessage(t *testing.T) {
	snap := security.NewGuard(security.GuardConfig{TriggerKeyword: "#note", Logger: testLogger()}).Snapshot()

	r, ok := RouteMessage(textMessage("a", listed, "  #note  call   bob "), snap)
	if !ok || r.Route != RouteExtractText || r.Content.Text != "call bob" {
		t.Fatalf("unexpected text route: %+v %v", r, ok)
	}
	if _, ok := RouteMessage(textMessage("b", listed, "#note"), snap); ok {
		t.Error("a bare keyword leaves nothing to extract")
	}

	audio := domain.InboundMessage{ID: "c", Kind: domain.KindAudio, Media: &domain.MediaRef{ID: "m"}}
	if r, ok := RouteMessage(audio, snap); !ok || r.Route != RouteTranscribe || r.Content.Media == nil {
		t.Fatalf("unexpected audio route: %+v %v", r, ok)
	}

	if _, ok := RouteMessage(domain.InboundMessage{ID: "d", Kind: "sticker"}, snap); ok {
		t.Error("unknown kinds must not be routed")
	}
}
