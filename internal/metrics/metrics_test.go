package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"wanote/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSubscribe_CountsTransitions(t *testing.T) {
	m := New()
	eb := bus.NewEventBus(testLogger(), 0)
	m.Subscribe(eb)

	eb.Emit(bus.Event{Type: bus.EventReceived, Source: "cloud-api"})
	eb.Emit(bus.Event{Type: bus.EventPersisted, Source: "cloud-api", Detail: map[string]any{"outcome": "inserted"}})
	eb.Emit(bus.Event{Type: bus.EventPersisted, Source: "cloud-api", Detail: map[string]any{"outcome": "duplicate"}})
	eb.Emit(bus.Event{Type: bus.EventDone, Source: "cloud-api", Detail: map[string]any{"duration": 2 * time.Second}})

	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("cloud-api", bus.EventPersisted, "inserted")); got != 1 {
		t.Errorf("inserted transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("cloud-api", bus.EventReceived, "")); got != 1 {
		t.Errorf("received transitions = %v", got)
	}
	if n := testutil.CollectAndCount(m.PipelineSeconds); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", m.Handler())

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), `wanote_http_requests_total{method="GET",path="/health",status_code="200"} 1`) {
		t.Errorf("request counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("go collector should be registered")
	}
}
