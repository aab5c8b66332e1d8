package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wanote/internal/bus"
	"wanote/internal/channel"
	"wanote/internal/config"
	"wanote/internal/domain"
	"wanote/internal/metrics"
	"wanote/internal/security"
	"wanote/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type acceptCall struct {
	source domain.Source
	body   string
}

type fakeAcceptor struct {
	mu    sync.Mutex
	calls []acceptCall
	n     int
	err   error
}

func (f *fakeAcceptor) Accept(gw domain.Gateway, body []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, acceptCall{source: gw.Source(), body: string(body)})
	return f.n, f.err
}

type fakeSender struct {
	source domain.Source
	mu     sync.Mutex
	sent   []string
	err    error
}

func (s *fakeSender) Source() domain.Source { return s.source }

func (s *fakeSender) Send(ctx context.Context, chatID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chatID+": "+content)
	return s.err
}

type fixture struct {
	srv      *httptest.Server
	acceptor *fakeAcceptor
	store    *store.SQLiteStore
	guard    *security.Guard
	sender   *fakeSender
	events   *bus.EventBus
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newFixture(t *testing.T, adminToken string) *fixture {
	t.Helper()
	logger := testLogger()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "wanote.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bridgeAPI := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			fmt.Fprint(rw, `{"status":"CONNECTED"}`)
			return
		}
		http.NotFound(rw, r)
	}))
	t.Cleanup(bridgeAPI.Close)

	cloud := channel.NewCloudAPI(channel.CloudAPIOptions{
		Config: config.CloudAPIConfig{VerifyToken: "verify-me", AppSecret: "app-secret"},
		Logger: logger,
	})
	bridge := channel.NewBridge(channel.BridgeOptions{
		Config: config.BridgeConfig{BaseURL: bridgeAPI.URL, Session: "default"},
		Logger: logger,
	})

	guard := security.NewGuard(security.GuardConfig{Store: st, Logger: logger})
	sender := &fakeSender{source: domain.SourceBridge}
	router := bus.NewRouter(logger)
	router.Register(sender)
	events := bus.NewEventBus(logger, 0)
	acceptor := &fakeAcceptor{n: 1}

	s := New(Options{
		Config:   config.ServerConfig{AdminToken: adminToken, MaxBodyBytes: 1 << 16},
		CloudAPI: cloud,
		Bridge:   bridge,
		Pipeline: acceptor,
		Clients:  st,
		Guard:    guard,
		Outbound: router,
		Events:   events,
		Metrics:  metrics.New(),
		Ping:     st.Ping,
		App:      config.Defaults(),
		Version:  "test",
		Logger:   logger,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, acceptor: acceptor, store: st, guard: guard, sender: sender, events: events}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestMetaVerification(t *testing.T) {
	f := newFixture(t, "")

	for _, path := range []string{"/webhook/meta", "/whatsapp-webhook"} {
		resp, body := f.do(t, http.MethodGet, path+"?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil)
		if resp.StatusCode != http.StatusOK || body != "42" {
			t.Errorf("%s: expected challenge echo, got %d %q", path, resp.StatusCode, body)
		}
	}

	resp, _ := f.do(t, http.MethodGet, "/webhook/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong verify token: expected 403, got %d", resp.StatusCode)
	}
}

func TestMetaWebhook_SignatureRequired(t *testing.T) {
	f := newFixture(t, "")
	payload := `{"object":"whatsapp_business_account","entry":[]}`

	resp, _ := f.do(t, http.MethodPost, "/webhook/meta", payload, map[string]string{"X-Hub-Signature-256": "sha256=00"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad signature: expected 403, got %d", resp.StatusCode)
	}
	if len(f.acceptor.calls) != 0 {
		t.Fatal("unauthenticated payload must not reach the pipeline")
	}

	resp, body := f.do(t, http.MethodPost, "/whatsapp-webhook", payload, map[string]string{"X-Hub-Signature-256": sign(payload, "app-secret")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed payload: expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "accepted") {
		t.Errorf("unexpected body %q", body)
	}
	if len(f.acceptor.calls) != 1 || f.acceptor.calls[0].source != domain.SourceCloudAPI || f.acceptor.calls[0].body != payload {
		t.Errorf("unexpected accept calls %+v", f.acceptor.calls)
	}
}

func TestWebhook_MalformedIsAcknowledged(t *testing.T) {
	f := newFixture(t, "")
	f.acceptor.n = 0
	f.acceptor.err = fmt.Errorf("%w: bad json", domain.ErrMalformedPayload)

	resp, body := f.do(t, http.MethodPost, "/webhook/wpp", `not json`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("malformed payloads are acknowledged, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "ignored") {
		t.Errorf("unexpected body %q", body)
	}
	if len(f.acceptor.calls) != 1 || f.acceptor.calls[0].source != domain.SourceBridge {
		t.Errorf("bridge payload not handed to the pipeline: %+v", f.acceptor.calls)
	}
}

func TestWebhook_BodyLimit(t *testing.T) {
	f := newFixture(t, "")
	big := strings.Repeat("x", 1<<17)

	f.do(t, http.MethodPost, "/webhook/wpp", big, nil)
	if len(f.acceptor.calls) != 1 {
		t.Fatalf("expected 1 accept call, got %d", len(f.acceptor.calls))
	}
	if got := len(f.acceptor.calls[0].body); got != 1<<16 {
		t.Errorf("body should be capped at %d bytes, got %d", 1<<16, got)
	}
}

func TestBridgeStatus(t *testing.T) {
	f := newFixture(t, "")
	resp, body := f.do(t, http.MethodGet, "/webhook/wpp/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Gateway       string               `json:"gateway"`
		SessionStatus channel.BridgeStatus `json:"session_status"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Gateway != "wppconnect" || !got.SessionStatus.Connected {
		t.Errorf("unexpected status %+v", got)
	}
}

func TestClientsCRUD_RefreshesGuard(t *testing.T) {
	f := newFixture(t, "")

	resp, _ := f.do(t, http.MethodPost, "/api/clients", `{"phone":"+972 50-123-4567","name":"Dana"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add client: expected 200, got %d", resp.StatusCode)
	}
	if !f.guard.Allow("972501234567", domain.KindAudio, "") {
		t.Fatal("guard should allow the new client without waiting for the refresh tick")
	}

	resp, body := f.do(t, http.MethodGet, "/api/clients", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	var entries []domain.WhitelistEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(entries) != 1 || entries[0].SenderID != "972501234567" || entries[0].DisplayName != "Dana" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/clients/972501234567", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}
	if f.guard.Allow("972501234567", domain.KindAudio, "") {
		t.Error("guard should drop the removed client")
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/clients/972501234567", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestClients_Validation(t *testing.T) {
	f := newFixture(t, "")
	tests := []struct {
		name string
		body string
	}{
		{"missing phone", `{"name":"Dana"}`},
		{"too short", `{"phone":"123","name":"Dana"}`},
		{"invalid json", `{"phone":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/api/clients", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestAdminToken(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, _ := f.do(t, http.MethodGet, "/api/clients", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/clients", "", map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/clients", "", map[string]string{"Authorization": "Bearer s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", resp.StatusCode)
	}

	// Webhooks and health are never behind the admin token.
	resp, _ = f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}
}

func TestManualSend(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/api/send", `{"phone":"972501234567","message":"hello"}`, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "success") {
		t.Fatalf("send: got %d %q", resp.StatusCode, body)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "972501234567: hello" {
		t.Fatalf("unexpected sends %v", f.sender.sent)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/send", `{"phone":"972501234567"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing message: expected 400, got %d", resp.StatusCode)
	}

	// No sender registered for the cloud gateway.
	resp, _ = f.do(t, http.MethodPost, "/api/send", `{"phone":"1","message":"hi","source":"cloud-api"}`, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("unrouted source: expected 502, got %d", resp.StatusCode)
	}

	f.sender.err = errors.New("bridge down")
	resp, _ = f.do(t, http.MethodPost, "/api/send", `{"phone":"1","message":"hi"}`, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("send failure: expected 502, got %d", resp.StatusCode)
	}
}

func TestEventsReplay(t *testing.T) {
	f := newFixture(t, "")
	f.events.Emit(bus.Event{Type: bus.EventReceived, MessageID: "a"})
	f.events.Emit(bus.Event{Type: bus.EventPersisted, MessageID: "a"})
	f.events.Emit(bus.Event{Type: bus.EventReceived, MessageID: "b"})

	_, body := f.do(t, http.MethodGet, "/api/events?type="+bus.EventReceived, "", nil)
	var got []bus.Event
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].MessageID != "a" || got[1].MessageID != "b" {
		t.Fatalf("unexpected events %+v", got)
	}

	_, body = f.do(t, http.MethodGet, "/api/events?limit=1", "", nil)
	got = nil
	json.Unmarshal([]byte(body), &got)
	if len(got) != 1 || got[0].MessageID != "b" {
		t.Errorf("limit should keep the newest event, got %+v", got)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	_, body = f.do(t, http.MethodGet, "/api/events?since="+future, "", nil)
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("expected empty list, got %q", body)
	}

	resp, _ := f.do(t, http.MethodGet, "/api/events?since=yesterday", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", resp.StatusCode)
	}
}

func TestConfigIsMasked(t *testing.T) {
	f := newFixture(t, "")
	_, body := f.do(t, http.MethodGet, "/api/config", "", nil)
	if !strings.Contains(body, `"provider":"gemini"`) {
		t.Errorf("expected config body, got %q", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"healthy"`) {
		t.Fatalf("health: got %d %q", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"gateways":["bridge"]`) {
		t.Errorf("health should list the registered gateways: %q", body)
	}

	f.store.Close()
	resp, body = f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, "degraded") {
		t.Errorf("closed store: got %d %q", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "wanote_http_requests_total") {
		t.Errorf("metrics output missing request counter")
	}
}
