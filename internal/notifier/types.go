package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
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

	// From is the sender address for mail.
	From string
	// DefaultTo receives final failures of jobs without recipients.
	DefaultTo []string

	SMTP     SMTPConfig
	Telegram TelegramConfig
}

type SMTPConfig struct {
	Addr     string // host:port; empty disables the mail sink
	Username string
	Password string
}

type TelegramConfig struct {
	Token  string // empty disables the telegram sink
	ChatID int64
}

type Kind string

const (
	KindFailure Kind = "failure"
	KindResults Kind = "results"
)

// Message is one notification, independent of the sink it goes through.
type Message struct {
	Kind    Kind
	JobID   int64
	RunID   int64
	To      []string
	Subject string
	Body    string
}

// Sink delivers a message over one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At      time.Time
	Sink    string
	Kind    Kind
	JobID   int64
	RunID   int64
	Subject string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Sink  string    `json:"sink"`
	JobID int64     `json:"job_id"`
	RunID int64     `json:"run_id"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
	EventDeduped = "notifier.deduped"
)
