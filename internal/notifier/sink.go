package notifier

import (
	"context"
	"errors"

	"conductor/internal/transport"
)

// ChatSink posts text to one chat through the Service, splitting long text
// into platform-sized messages.
type ChatSink struct {
	svc      *Service
	target   transport.ChatTarget
	channel  string
	priority int
}

func NewChatSink(svc *Service, target transport.ChatTarget, channel string, priority int) *ChatSink {
	return &ChatSink{svc: svc, target: target, channel: channel, priority: priority}
}

func (c *ChatSink) Notify(ctx context.Context, text string) error {
	if c == nil || c.svc == nil {
		return ErrDisabled
	}
	if c.target.ChatID == 0 {
		return errors.New("notify target chat not configured")
	}
	var errs []error
	for _, part := range transport.Slices(text, transport.MaxMessageLen) {
		if err := c.svc.Notify(ctx, Notification{Channel: c.channel, Priority: c.priority, Target: c.target, Text: part}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
