package security

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"wanote/internal/domain"
)

// GuardConfig configures the sender allow-list guard.
type GuardConfig struct {
	Store          domain.ClientStore // nil means static numbers only
	Static         []string           // always allowed, merged into every snapshot
	TriggerKeyword string             // case-insensitive one-time bypass for text
	MinMatchDigits int
	Refresh        time.Duration
	// OnRefresh, when set, is told the entry count of every new snapshot.
	OnRefresh func(entries int)
	Logger    *slog.Logger
}

// Guard decides whether a sender may use the pipeline. It serves decisions
// from an immutable snapshot that is swapped atomically on refresh.
type Guard struct {
	clients  domain.ClientStore
	static   []string
	trigger  string
	minMatch int
	refresh  time.Duration
	notify   func(int)
	logger   *slog.Logger

	snap atomic.Pointer[Snapshot]
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MinMatchDigits <= 0 {
		cfg.MinMatchDigits = 7
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = time.Minute
	}
	g := &Guard{
		clients:  cfg.Store,
		static:   cfg.Static,
		trigger:  strings.TrimSpace(cfg.TriggerKeyword),
		minMatch: cfg.MinMatchDigits,
		refresh:  cfg.Refresh,
		notify:   cfg.OnRefresh,
		logger:   cfg.Logger,
	}
	g.store(g.build(nil))
	return g
}

// Snapshot returns the current allow-list. It never returns nil.
func (g *Guard) Snapshot() *Snapshot {
	return g.snap.Load()
}

// Allow evaluates a message against the current snapshot.
func (g *Guard) Allow(senderID string, kind domain.Kind, body string) bool {
	return g.Snapshot().Check(senderID, kind, body).Allowed
}

// Refresh reloads the allow-list from the store. On failure the previous
// snapshot stays in place.
func (g *Guard) Refresh(ctx context.Context) error {
	if g.clients == nil {
		g.store(g.build(nil))
		return nil
	}
	entries, err := g.clients.ListClients(ctx)
	if err != nil {
		g.logger.Warn("whitelist refresh failed, keeping previous snapshot", "err", err)
		return err
	}
	g.store(g.build(entries))
	g.logger.Debug("whitelist refreshed", "entries", len(entries))
	return nil
}

// Run refreshes periodically until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

func (g *Guard) store(s *Snapshot) {
	g.snap.Store(s)
	if g.notify != nil {
		g.notify(len(s.list.Entries))
	}
}

func (g *Guard) build(entries []domain.WhitelistEntry) *Snapshot {
	all := make([]domain.WhitelistEntry, 0, len(entries)+len(g.static))
	all = append(all, entries...)
	for _, n := range g.static {
		if n = strings.TrimSpace(n); n != "" {
			all = append(all, domain.WhitelistEntry{SenderID: n})
		}
	}

	s := &Snapshot{
		list:     domain.Whitelist{Entries: all, LoadedAt: time.Now()},
		digits:   make([]string, len(all)),
		minMatch: g.minMatch,
	}
	for i, e := range all {
		s.digits[i] = digitsOnly(e.SenderID)
	}
	if g.trigger != "" {
		s.trigger = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(g.trigger))
	}
	return s
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed bool
	// Bypass is set when a non-listed sender passed via the trigger keyword.
	Bypass bool
	Entry  domain.WhitelistEntry
}

// Snapshot is an immutable view of the allow-list.
type Snapshot struct {
	list     domain.Whitelist
	digits   []string
	minMatch int
	trigger  *regexp.Regexp
}

// Entries returns the entries in this snapshot.
func (s *Snapshot) Entries() []domain.WhitelistEntry {
	return s.list.Entries
}

// Lookup finds the entry matching senderID.
func (s *Snapshot) Lookup(senderID string) (domain.WhitelistEntry, bool) {
	d := digitsOnly(senderID)
	if d == "" {
		return domain.WhitelistEntry{}, false
	}
	for i, cand := range s.digits {
		if s.matches(d, cand) {
			return s.list.Entries[i], true
		}
	}
	return domain.WhitelistEntry{}, false
}

// Check applies the policy: listed senders pass; text carrying the trigger
// keyword passes once; audio from anyone else is rejected.
func (s *Snapshot) Check(senderID string, kind domain.Kind, body string) Decision {
	if e, ok := s.Lookup(senderID); ok {
		return Decision{Allowed: true, Entry: e}
	}
	if kind == domain.KindText && s.HasTrigger(body) {
		return Decision{Allowed: true, Bypass: true}
	}
	return Decision{}
}

// HasTrigger reports whether body contains the trigger keyword.
func (s *Snapshot) HasTrigger(body string) bool {
	return s.trigger != nil && s.trigger.MatchString(body)
}

// StripTrigger removes every occurrence of the trigger keyword and
// collapses the surrounding whitespace.
func (s *Snapshot) StripTrigger(body string) string {
	if s.trigger == nil {
		return body
	}
	return strings.Join(strings.Fields(s.trigger.ReplaceAllString(body, " ")), " ")
}

// matches compares digit strings. Numbers are stored with or without the
// country code, so a suffix match is accepted when the shorter side still
// has at least minMatch digits.
func (s *Snapshot) matches(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= s.minMatch && strings.HasSuffix(long, short)
}

func digitsOnly(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
