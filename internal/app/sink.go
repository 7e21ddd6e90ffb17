package app

import (
	"context"
	"sync"

	"conductor/internal/notifier"
	"conductor/internal/transport"
	logx "conductor/pkg/logx"
)

const reportPriority = 5

// reportSink delivers self-check reports to the configured chat through
// the notifier. Without a chat (or with the notifier off) the report is
// written to the log instead.
type reportSink struct {
	notif *notifier.Service
	log   logx.Logger

	mu     sync.RWMutex
	target transport.ChatTarget
}

func newReportSink(notif *notifier.Service, log logx.Logger) *reportSink {
	return &reportSink{notif: notif, log: log.With(logx.String("comp", "report"))}
}

func (r *reportSink) setTarget(t transport.ChatTarget) {
	r.mu.Lock()
	r.target = t
	r.mu.Unlock()
}

func (r *reportSink) Notify(ctx context.Context, text string) error {
	r.mu.RLock()
	t := r.target
	r.mu.RUnlock()
	if r.notif == nil || !r.notif.Enabled() || t.ChatID == 0 {
		r.log.Info("self-check report", logx.Preview("text", text, 500))
		return nil
	}
	return notifier.NewChatSink(r.notif, t, "periodic", reportPriority).Notify(ctx, text)
}
