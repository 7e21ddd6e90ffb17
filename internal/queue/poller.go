// Package queue polls the persisted task table and runs one claimed
// record at a time through the worker.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/busy"
	"conductor/internal/eventbus"
	"conductor/internal/retry"
	"conductor/internal/runner"
	"conductor/internal/storage"
	"conductor/internal/stream"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultDebounce = 2 * time.Second
	partialTimeout  = 10 * time.Second
	terminalTimeout = 15 * time.Second
)

// Worker runs one request; *runner.Runner implements it.
type Worker interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

type Config struct {
	Interval time.Duration
	Debounce time.Duration
	// Retry applies to the terminal status write only.
	Retry retry.Options
}

type Poller struct {
	store  storage.Store
	worker Worker
	busy   *busy.State
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config

	polling  atomic.Bool
	inflight sync.WaitGroup
}

func New(cfg Config, store storage.Store, worker Worker, state *busy.State, bus eventbus.Bus, log logx.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Poller{
		store:  store,
		worker: worker,
		busy:   state,
		bus:    bus,
		log:    log.With(logx.String("comp", "queue")),
		cfg:    cfg,
	}
}

// Run ticks until ctx ends. Without a store the poller is inert.
func (p *Poller) Run(ctx context.Context) error {
	if p.store == nil {
		p.log.Warn("queue store not configured; poller inert")
		<-ctx.Done()
		return nil
	}
	p.log.Info("queue poller started", logx.Duration("interval", p.cfg.Interval))
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	defer p.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.inflight.Add(1)
			go func() {
				defer p.inflight.Done()
				p.Tick(ctx)
			}()
		}
	}
}

// Tick runs one polling cycle. It returns false when the tick was dropped
// because the previous one is still executing.
func (p *Poller) Tick(ctx context.Context) bool {
	if p.store == nil {
		return false
	}
	if !p.polling.CompareAndSwap(false, true) {
		p.log.Debug("poll still in progress; tick dropped")
		return false
	}
	defer p.polling.Store(false)

	release, ok := p.busy.TryAcquire(busy.Queue)
	if !ok {
		p.log.Debug("worker busy; queue tick skipped", logx.String("holder", p.busy.Snapshot().Holder()))
		return true
	}
	defer release()

	rec, ok, err := p.store.ClaimNext(ctx)
	if err != nil {
		p.log.Warn("queue claim failed", logx.Err(err), logx.String("category", string(retry.Classify(err).Category)))
		return true
	}
	if !ok {
		return true
	}
	p.process(ctx, rec)
	return true
}

func (p *Poller) process(ctx context.Context, rec task.Record) {
	log := p.log.With(logx.String("task", rec.ID), logx.String("kind", string(rec.Kind)))
	log.Info("queue task claimed")
	eventbus.Publish(p.bus, eventbus.QueueClaimed, eventbus.Run{TaskID: rec.ID, Source: "queue", Kind: string(rec.Kind), Started: time.Now()})

	var (
		buf      strings.Builder
		throttle = stream.NewThrottle(p.cfg.Debounce)
	)
	res := p.worker.Run(ctx, runner.Request{
		Source:      "queue",
		Kind:        rec.Kind,
		Instruction: task.ResolveInstruction(rec),
		TurnBudget:  task.Lookup(rec.Kind).TurnBudget,
		OnChunk: func(chunk string) {
			buf.WriteString(chunk)
			if throttle.Allow() {
				p.writePartial(rec.ID, buf.String(), log)
			}
		},
	})

	var err error
	if res.Success {
		err = p.terminal(ctx, func(ctx context.Context) error { return p.store.Complete(ctx, rec.ID, res.Text) })
	} else {
		text := res.ErrorDetail
		if text == "" {
			text = res.Text
		}
		log.Warn("queue task failed", logx.String("detail", text), logx.String("hint", retry.ClassifyText(text).Hint))
		err = p.terminal(ctx, func(ctx context.Context) error { return p.store.Fail(ctx, rec.ID, text) })
	}
	if err != nil {
		log.Error("queue terminal write failed", logx.Err(err))
	} else {
		log.Info("queue task finished", logx.Bool("success", res.Success))
	}
	eventbus.Publish(p.bus, eventbus.QueueFinished, eventbus.Run{TaskID: rec.ID, Source: "queue", Kind: string(rec.Kind), Success: res.Success, Error: res.ErrorDetail})
}

// writePartial is fire-and-forget: the run never waits for it and a
// failure is only logged.
func (p *Poller) writePartial(id, partial string, log logx.Logger) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), partialTimeout)
		defer cancel()
		if err := p.store.UpdatePartial(ctx, id, partial); err != nil {
			log.Debug("partial output write failed", logx.Err(err))
		}
	}()
}

// terminal retries the final status write. It outlives ctx so a shutdown
// mid-run still records the outcome.
func (p *Poller) terminal(ctx context.Context, write func(ctx context.Context) error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()
	opt := p.cfg.Retry
	opt.OnRetry = func(attempt int, err error) {
		p.log.Debug("terminal write retry", logx.Int("attempt", attempt), logx.Err(err))
	}
	return retry.Do(wctx, opt, func(ctx context.Context) error {
		err := write(ctx)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return retry.NoRetry(err)
		}
		return err
	})
}

// Wait blocks until in-flight ticks and partial writes are done.
func (p *Poller) Wait() { p.inflight.Wait() }
