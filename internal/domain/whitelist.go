package domain

import (
	"context"
	"time"
)

// WhitelistEntry is one allowed sender.
type WhitelistEntry struct {
	SenderID    string    `json:"phone" validate:"required,min=7,max=32"`
	DisplayName string    `json:"name" validate:"max=120"`
	AddedAt     time.Time `json:"added_at"`
}

// Whitelist is an immutable snapshot of allowed senders.
type Whitelist struct {
	Entries  []WhitelistEntry
	LoadedAt time.Time
}

// ClientStore persists the allow-list.
type ClientStore interface {
	ListClients(ctx context.Context) ([]WhitelistEntry, error)
	UpsertClient(ctx context.Context, entry WhitelistEntry) error
	DeleteClient(ctx context.Context, senderID string) (bool, error)
}
