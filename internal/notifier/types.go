package notifier

import (
	"time"

	"conductor/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

type Notification struct {
	Channel  string
	Priority int
	Target   transport.ChatTarget
	Text     string
	Options  *transport.SendOptions
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// Event is published on the bus for notifier lifecycle changes.
type Event struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
