package notifier

import (
	"context"
	"time"

	"schedbot/internal/transport"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled bool
	// Target is the operator chat; a zero ChatID disables Telegram delivery.
	Target          transport.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event is emitted on the event bus for notifier lifecycle events.
type Event struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
