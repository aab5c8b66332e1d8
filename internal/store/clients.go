package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"wanote/internal/domain"
)

// ListClients returns the allow-list ordered by phone.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]domain.WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT phone, name, added_at FROM clients ORDER BY phone")
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	entries := []domain.WhitelistEntry{}
	for rows.Next() {
		var e domain.WhitelistEntry
		var added sql.NullTime
		if err := rows.Scan(&e.SenderID, &e.DisplayName, &added); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		if added.Valid {
			e.AddedAt = added.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertClient adds a client or renames an existing one. Phones are stored
// as digits only.
func (s *SQLiteStore) UpsertClient(ctx context.Context, e domain.WhitelistEntry) error {
	phone := Digits(e.SenderID)
	if phone == "" {
		return fmt.Errorf("client phone %q has no digits", e.SenderID)
	}
	added := e.AddedAt
	if added.IsZero() {
		added = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (phone, name, added_at) VALUES (?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET name = excluded.name`,
		phone, strings.TrimSpace(e.DisplayName), added,
	)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// DeleteClient removes a client and reports whether it existed.
func (s *SQLiteStore) DeleteClient(ctx context.Context, senderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM clients WHERE phone = ?", Digits(senderID))
	if err != nil {
		return false, fmt.Errorf("delete client: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ImportClientsFile loads a clients.json file into the store. Both the
// {"phone": "name"} map and a [{"phone","name"}] list are accepted.
func (s *SQLiteStore) ImportClientsFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read clients file: %w", err)
	}
	entries, err := ParseClients(data)
	if err != nil {
		return 0, fmt.Errorf("parse clients file %s: %w", path, err)
	}
	for _, e := range entries {
		if err := s.UpsertClient(ctx, e); err != nil {
			return 0, err
		}
	}
	s.logger.Info("clients imported", "path", path, "count", len(entries))
	return len(entries), nil
}

// ParseClients decodes either clients.json layout.
func ParseClients(data []byte) ([]domain.WhitelistEntry, error) {
	var byPhone map[string]string
	if err := json.Unmarshal(data, &byPhone); err == nil {
		entries := make([]domain.WhitelistEntry, 0, len(byPhone))
		for phone, name := range byPhone {
			entries = append(entries, domain.WhitelistEntry{SenderID: phone, DisplayName: name})
		}
		return entries, nil
	}

	var list []domain.WhitelistEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Digits strips everything but 0-9.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
