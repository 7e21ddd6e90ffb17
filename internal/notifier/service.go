package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"conductor/internal/eventbus"
	"conductor/internal/retry"
	rtsup "conductor/internal/runtime/supervisor"
	"conductor/internal/transport"
	logx "conductor/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const sendTimeout = 10 * time.Second

type job struct {
	n   Notification
	key string
}

// Service is an async pipeline: queue + worker pool + rate limit + retry +
// dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates limits and retry policy. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q, sup, workers := s.queue, s.sup, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return c.Err()
		})
	}
}

// Stop stops intake and drains the queue until ctx ends; then the workers
// are canceled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify enqueues n. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window := s.queue, s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window > 0 && !s.dedupAllow(key, window) {
		s.publish("notifier.deduped", n, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		s.publish("notifier.queued", n, key, nil)
		return nil
	default:
		s.publish("notifier.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n Notification) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: n.Channel, Text: n.Text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil || j.n.Text == "" {
		return
	}

	err := retry.Do(ctx, retry.Options{
		MaxAttempts: 1 + cfg.RetryMax,
		BaseDelay:   cfg.RetryBase,
		MaxDelay:    cfg.RetryMaxDelay,
		OnRetry: func(attempt int, err error) {
			s.log.Debug("notify send failed", logx.Int("attempt", attempt), logx.Err(err))
		},
	}, func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return retry.NoRetry(err)
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		_, err := sender.SendText(cctx, j.n.Target, prefixForPriority(j.n.Priority)+j.n.Text, j.n.Options)
		return err
	})
	if err != nil {
		s.log.Warn("notification dropped", logx.String("channel", j.n.Channel), logx.Err(err))
		s.publish("notifier.failed", j.n, j.key, err)
		return
	}
	s.appendHistory(j.n)
	s.publish("notifier.sent", j.n, j.key, nil)
}

func (s *Service) publish(typ string, n Notification, key string, err error) {
	ev := Event{Channel: n.Channel, ChatID: n.Target.ChatID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ev)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "[ALERT] "
	case p >= 7:
		return "[WARN] "
	default:
		return ""
	}
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}
