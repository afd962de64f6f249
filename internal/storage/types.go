package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one channel step of a pass.
// Keep it compact and schema-stable.
type Entry struct {
	At        time.Time `json:"at"`
	PassID    string    `json:"pass_id"`
	Channel   string    `json:"channel"`
	ChannelID uint64    `json:"channel_id"`
	Outcome   string    `json:"outcome"` // sent | skipped | failed | forbidden
	Roll      int       `json:"roll"`
	Chance    int       `json:"chance"`
	Attempts  int       `json:"attempts,omitempty"`
	Status    int       `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
}

// Store is the dispatch audit API used by the loop and the history command.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n entries, oldest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}
