package notifier

import (
	"time"

	"tickerd/internal/transport"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps dedup windows across restarts in the notify bucket.
	PersistDedup bool

	// Targets are the operator chats every alert fans out to.
	Targets []transport.ChatTarget
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events
// ("notifier.queued", "notifier.sent", "notifier.deduped", "notifier.dropped",
// "notifier.failed"). Keep it small; Data may be logged by subscribers.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
