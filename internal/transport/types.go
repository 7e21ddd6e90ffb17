package transport

import "context"

// MaxMessageLen is the largest text conductor puts into one chat message.
// Telegram's hard limit is 4096; the margin leaves room for entities.
const MaxMessageLen = 4000

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound half of an Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Editor edits a message in place. Editing with unchanged content is an
// error on most platforms; callers treat edit failures as non-fatal.
type Editor interface {
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

type Adapter interface {
	Sender
	Editor
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
