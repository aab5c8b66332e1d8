package domain

import (
	"context"
	"time"
)

// SheetRecord is the durable row written for one processed message.
type SheetRecord struct {
	MessageID   string
	ReceivedAt  time.Time
	ProcessedAt time.Time
	SenderID    string
	SenderName  string
	ChatID      string
	Source      Source
	Kind        Kind
	Result      ExtractionResult
}

type AppendOutcome int

const (
	Inserted AppendOutcome = iota + 1
	AlreadyPresent
)

func (o AppendOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "duplicate"
	default:
		return "unknown"
	}
}

// RecordStore appends records keyed by message id.
type RecordStore interface {
	AppendIfAbsent(ctx context.Context, rec SheetRecord) (AppendOutcome, error)
}

// DeliveryOutcome reports the result of a single reply attempt.
type DeliveryOutcome struct {
	Sent bool
	Err  error
}
