package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"conductor/internal/transport"
	logx "conductor/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("telegram: 502 bad gateway")
	}
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func startService(t *testing.T, cfg Config, sender transport.Sender) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	svc := New(cfg, sender, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func stopAndWait(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestNotifyDeliversAndRecordsHistory(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	svc := startService(t, Config{}, snd)
	target := transport.ChatTarget{ChatID: 42}

	if err := svc.Notify(context.Background(), Notification{Channel: "test", Target: target, Text: "hello", Priority: 9}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	stopAndWait(t, svc)

	if got := snd.sent(); len(got) != 1 || got[0] != "[ALERT] hello" {
		t.Fatalf("sent = %q", got)
	}
	if h := svc.Snapshot(); len(h) != 1 || h[0].Text != "hello" {
		t.Fatalf("history = %+v", h)
	}
	if err := svc.Notify(context.Background(), Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("notify after stop: %v", err)
	}
}

func TestNotifyRetriesFailedSend(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 1}
	svc := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond}, snd)
	_ = svc.Notify(context.Background(), Notification{Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	stopAndWait(t, svc)
	if got := snd.sent(); len(got) != 1 {
		t.Fatalf("sent = %q", got)
	}
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	svc := startService(t, Config{DedupWindow: time.Minute}, snd)
	n := Notification{Channel: "c", Target: transport.ChatTarget{ChatID: 1}, Text: "same"}
	_ = svc.Notify(context.Background(), n)
	_ = svc.Notify(context.Background(), n)
	stopAndWait(t, svc)
	if got := snd.sent(); len(got) != 1 {
		t.Fatalf("sent = %q", got)
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	svc.Start(context.Background())
	if err := svc.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestChatSinkSplitsLongText(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	svc := startService(t, Config{}, snd)
	sink := NewChatSink(svc, transport.ChatTarget{ChatID: 7}, "periodic", 0)

	text := strings.Repeat("a", transport.MaxMessageLen) + "tail"
	if err := sink.Notify(context.Background(), text); err != nil {
		t.Fatalf("notify: %v", err)
	}
	stopAndWait(t, svc)
	got := snd.sent()
	if len(got) != 2 || strings.Join(got, "") != text {
		t.Fatalf("parts = %d", len(got))
	}

	if err := NewChatSink(svc, transport.ChatTarget{}, "periodic", 0).Notify(context.Background(), "x"); err == nil {
		t.Fatal("missing chat id should fail")
	}
}
