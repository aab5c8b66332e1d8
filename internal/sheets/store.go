package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"wanote/internal/domain"
)

// Sheet is the subset of Client the store needs.
type Sheet interface {
	Append(ctx context.Context, rows [][]string) error
	ColumnValues(ctx context.Context, column string) ([]string, error)
}

// Index remembers which message ids were already appended.
type Index interface {
	HasProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID, source, sender string) error
}

type StoreConfig struct {
	Sheet Sheet
	Index Index
	// VerifyRemote reads the sheet's id column when the index misses, for
	// rows written by another process or before the index existed.
	VerifyRemote bool
	Logger       *slog.Logger
}

// Store implements domain.RecordStore. Duplicate suppression is exact within
// one process; two processes racing on the same id can still both append.
type Store struct {
	cfg   StoreConfig
	group singleflight.Group
}

var _ domain.RecordStore = (*Store)(nil)

func NewStore(cfg StoreConfig) *Store {
	return &Store{cfg: cfg}
}

// AppendIfAbsent appends rec unless its message id is already recorded.
func (s *Store) AppendIfAbsent(ctx context.Context, rec domain.SheetRecord) (domain.AppendOutcome, error) {
	if rec.MessageID == "" {
		return 0, fmt.Errorf("%w: record without message id", domain.ErrMalformedPayload)
	}
	leader := false
	v, err, _ := s.group.Do(rec.MessageID, func() (any, error) {
		leader = true
		return s.appendOnce(ctx, rec)
	})
	if err != nil {
		return 0, err
	}
	outcome := v.(domain.AppendOutcome)
	if !leader && outcome == domain.Inserted {
		// Collapsed into a concurrent call that wrote the row.
		s.cfg.Logger.Debug("concurrent append collapsed", "message_id", rec.MessageID)
		return domain.AlreadyPresent, nil
	}
	return outcome, nil
}

func (s *Store) appendOnce(ctx context.Context, rec domain.SheetRecord) (domain.AppendOutcome, error) {
	logger := s.cfg.Logger.With("message_id", rec.MessageID)

	seen, err := s.cfg.Index.HasProcessed(ctx, rec.MessageID)
	if err != nil {
		logger.Warn("processed index lookup failed", "err", err)
	}
	if seen {
		return domain.AlreadyPresent, nil
	}

	if s.cfg.VerifyRemote {
		ids, err := s.cfg.Sheet.ColumnValues(ctx, IDColumn)
		if err != nil {
			logger.Warn("remote id check failed, appending anyway", "err", err)
		} else if slices.Contains(ids, rec.MessageID) {
			s.mark(ctx, rec, logger)
			return domain.AlreadyPresent, nil
		}
	}

	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}
	if err := s.cfg.Sheet.Append(ctx, [][]string{Row(rec)}); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
	}
	s.mark(ctx, rec, logger)
	logger.Info("row appended", "sender", rec.SenderID, "degraded", rec.Result.Degraded)
	return domain.Inserted, nil
}

func (s *Store) mark(ctx context.Context, rec domain.SheetRecord, logger *slog.Logger) {
	if err := s.cfg.Index.MarkProcessed(ctx, rec.MessageID, string(rec.Source), rec.SenderID); err != nil {
		logger.Warn("could not record processed id", "err", err)
	}
}
