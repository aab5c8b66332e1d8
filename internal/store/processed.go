package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// HasProcessed reports whether messageID was already written to the sheet.
func (s *SQLiteStore) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM processed_messages WHERE message_id = ?", messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed message: %w", err)
	}
	return true, nil
}

// MarkProcessed records messageID. Marking twice is a no-op.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID, source, sender string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_messages (message_id, source, sender) VALUES (?, ?, ?)",
		messageID, source, sender,
	)
	if err != nil {
		return fmt.Errorf("mark processed message: %w", err)
	}
	return nil
}

// CountProcessed returns the number of indexed message ids.
func (s *SQLiteStore) CountProcessed(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed messages: %w", err)
	}
	return n, nil
}
