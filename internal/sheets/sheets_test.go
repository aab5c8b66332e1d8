package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wanote/internal/domain"
	"wanote/internal/retry"
	"wanote/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type valueRange struct {
	Range          string     `json:"range,omitempty"`
	MajorDimension string     `json:"majorDimension,omitempty"`
	Values         [][]string `json:"values"`
}

// fakeSheets serves the two values endpoints over an in-memory grid.
type fakeSheets struct {
	mu       sync.Mutex
	rows     [][]string
	appends  atomic.Int32
	failWith int // status returned by append when non-zero
	delay    time.Duration
	hang     atomic.Int32 // appends that block until the client gives up
	lastURL  string
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/v4/spreadsheets/sheet-1/values/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rng := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(rng, ":append"):
		f.appends.Add(1)
		if f.hang.Add(-1) >= 0 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.failWith != 0 {
			http.Error(w, `{"error":"nope"}`, f.failWith)
			return
		}
		f.mu.Lock()
		f.lastURL = r.URL.String()
		f.mu.Unlock()
		var vr valueRange
		json.NewDecoder(r.Body).Decode(&vr)
		f.mu.Lock()
		f.rows = append(f.rows, vr.Values...)
		f.mu.Unlock()
		w.Write([]byte(`{"updates":{"updatedRows":1}}`))

	case r.Method == http.MethodGet:
		f.mu.Lock()
		defer f.mu.Unlock()
		var out valueRange
		if strings.HasSuffix(rng, "!A:A") {
			col := []string{}
			for _, row := range f.rows {
				col = append(col, row[0])
			}
			if len(col) > 0 {
				out.Values = [][]string{col}
			}
		} else if strings.HasSuffix(rng, "!1:1") && len(f.rows) > 0 {
			out.Values = [][]string{f.rows[0]}
		}
		json.NewEncoder(w).Encode(out)

	default:
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func newTestClient(t *testing.T, f *fakeSheets) *Client {
	t.Helper()
	return newTestClientTimeout(t, f, 5*time.Second)
}

func newTestClientTimeout(t *testing.T, f *fakeSheets, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), ClientConfig{
		SpreadsheetID: "sheet-1",
		Range:         "Sheet1!A:O",
		APIBase:       srv.URL,
		HTTPClient:    srv.Client(),
		Timeout:       timeout,
		Retry:         retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond},
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newTestIndex(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "wanote.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string) domain.SheetRecord {
	due := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	return domain.SheetRecord{
		MessageID:  id,
		ReceivedAt: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		SenderID:   "972509926644",
		SenderName: "Dana",
		ChatID:     "972509926644",
		Source:     domain.SourceCloudAPI,
		Kind:       domain.KindText,
		Result: domain.ExtractionResult{
			Summary:      "Buy milk, call mom",
			ActionItems:  []string{"buy milk", "call mom"},
			Deadlines:    []domain.Deadline{{Description: "call mom", DueDate: &due}},
			ShoppingList: []string{"milk"},
		},
	}
}

func TestAppendIfAbsent_InsertThenDuplicate(t *testing.T) {
	f := &fakeSheets{}
	s := NewStore(StoreConfig{Sheet: newTestClient(t, f), Index: newTestIndex(t), Logger: testLogger()})

	out, err := s.AppendIfAbsent(context.Background(), record("wamid.1"))
	if err != nil || out != domain.Inserted {
		t.Fatalf("first append: %v %v", out, err)
	}
	out, err = s.AppendIfAbsent(context.Background(), record("wamid.1"))
	if err != nil || out != domain.AlreadyPresent {
		t.Fatalf("second append: %v %v", out, err)
	}
	if len(f.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(f.rows))
	}
	if !strings.Contains(f.lastURL, "valueInputOption=RAW") || !strings.Contains(f.lastURL, "insertDataOption=INSERT_ROWS") {
		t.Errorf("append should use RAW / INSERT_ROWS: %s", f.lastURL)
	}
	row := f.rows[0]
	if row[0] != "wamid.1" || row[4] != "Dana" || row[11] != "call mom (2026-03-11)" || row[14] != "ok" {
		t.Errorf("unexpected row: %v", row)
	}
}

func TestAppendIfAbsent_ConcurrentSameID(t *testing.T) {
	f := &fakeSheets{delay: 20 * time.Millisecond}
	s := NewStore(StoreConfig{Sheet: newTestClient(t, f), Index: newTestIndex(t), Logger: testLogger()})

	var (
		wg       sync.WaitGroup
		inserted atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.AppendIfAbsent(context.Background(), record("wamid.race"))
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			if out == domain.Inserted {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	if f.appends.Load() != 1 {
		t.Fatalf("expected exactly one append call, got %d", f.appends.Load())
	}
	if inserted.Load() != 1 {
		t.Fatalf("expected exactly one Inserted outcome, got %d", inserted.Load())
	}
}

func TestAppendIfAbsent_DifferentIDsBothInserted(t *testing.T) {
	f := &fakeSheets{}
	s := NewStore(StoreConfig{Sheet: newTestClient(t, f), Index: newTestIndex(t), Logger: testLogger()})
	for _, id := range []string{"a", "b"} {
		if out, err := s.AppendIfAbsent(context.Background(), record(id)); err != nil || out != domain.Inserted {
			t.Fatalf("%s: %v %v", id, out, err)
		}
	}
	if len(f.rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(f.rows))
	}
}

func TestAppendIfAbsent_VerifyRemoteSeedsIndex(t *testing.T) {
	f := &fakeSheets{rows: [][]string{Header, {"wamid.old"}}}
	idx := newTestIndex(t)
	s := NewStore(StoreConfig{Sheet: newTestClient(t, f), Index: idx, VerifyRemote: true, Logger: testLogger()})

	out, err := s.AppendIfAbsent(context.Background(), record("wamid.old"))
	if err != nil || out != domain.AlreadyPresent {
		t.Fatalf("expected AlreadyPresent, got %v %v", out, err)
	}
	if f.appends.Load() != 0 {
		t.Fatal("no append expected for a row already in the sheet")
	}
	if seen, _ := idx.HasProcessed(context.Background(), "wamid.old"); !seen {
		t.Fatal("remote hit should seed the local index")
	}
}

func TestAppendIfAbsent_SustainedFailure(t *testing.T) {
	f := &fakeSheets{failWith: http.StatusServiceUnavailable}
	idx := newTestIndex(t)
	s := NewStore(StoreConfig{Sheet: newTestClient(t, f), Index: idx, Logger: testLogger()})

	_, err := s.AppendIfAbsent(context.Background(), record("wamid.2"))
	if !errors.Is(err, domain.ErrPersistenceUnavailable) {
		t.Fatalf("expected ErrPersistenceUnavailable, got %v", err)
	}
	if f.appends.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.appends.Load())
	}
	if seen, _ := idx.HasProcessed(context.Background(), "wamid.2"); seen {
		t.Fatal("failed append must not be indexed")
	}
}

func TestAppendIfAbsent_PermanentFailureNotRetried(t *testing.T) {
	f := &fakeSheets{failWith: http.StatusForbidden}
	s := NewStore(StoreConfig{Sheet: newTestClient(t, f), Index: newTestIndex(t), Logger: testLogger()})

	_, err := s.AppendIfAbsent(context.Background(), record("wamid.3"))
	if !errors.Is(err, domain.ErrPersistenceUnavailable) {
		t.Fatalf("expected ErrPersistenceUnavailable, got %v", err)
	}
	if f.appends.Load() != 1 {
		t.Fatalf("403 must not be retried, got %d attempts", f.appends.Load())
	}
}

func TestAppend_TimeoutAppliesPerAttempt(t *testing.T) {
	f := &fakeSheets{}
	f.hang.Store(1)
	c := newTestClientTimeout(t, f, 100*time.Millisecond)

	if err := c.Append(context.Background(), [][]string{{"wamid.slow"}}); err != nil {
		t.Fatalf("a hung first attempt should be retried: %v", err)
	}
	if f.appends.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", f.appends.Load())
	}
	if len(f.rows) != 1 || f.rows[0][0] != "wamid.slow" {
		t.Fatalf("unexpected rows %v", f.rows)
	}
}

func TestEnsureHeader(t *testing.T) {
	f := &fakeSheets{}
	c := newTestClient(t, f)

	if err := c.EnsureHeader(context.Background(), Header); err != nil {
		t.Fatal(err)
	}
	if err := c.EnsureHeader(context.Background(), Header); err != nil {
		t.Fatal(err)
	}
	if len(f.rows) != 1 || f.rows[0][0] != "Message ID" {
		t.Fatalf("expected a single header row, got %v", f.rows)
	}
}

func TestRow_DegradedStatus(t *testing.T) {
	rec := record("x")
	rec.Result = domain.DegradedResult("raw text", "", "")
	row := Row(rec)
	if len(row) != len(Header) {
		t.Fatalf("row has %d cells, header %d", len(row), len(Header))
	}
	if row[9] != "raw text" || row[14] != "degraded" || row[10] != "" {
		t.Fatalf("unexpected degraded row: %v", row)
	}
}
