// Package periodic runs the self-check task on a cron schedule.
package periodic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"conductor/internal/busy"
	"conductor/internal/eventbus"
	"conductor/internal/retry"
	"conductor/internal/runner"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const (
	notifyTimeout = 30 * time.Second
	applyStopWait = 2 * time.Second
)

type Worker interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

// Sink delivers self-check reports, e.g. to a chat.
type Sink interface {
	Notify(ctx context.Context, text string) error
}

type Config struct {
	Schedule string
	Timezone string
	// Kind selects the template; defaults to monitor.
	Kind        task.Kind
	Instruction string
	TurnBudget  int
}

// Outcome is what a single Fire did.
type Outcome int

const (
	Ran Outcome = iota
	SkippedRunning
	SkippedBusy
)

func (o Outcome) String() string {
	switch o {
	case Ran:
		return "ran"
	case SkippedRunning:
		return "skipped: previous run still executing"
	case SkippedBusy:
		return "skipped: worker busy"
	}
	return "unknown"
}

type Scheduler struct {
	cfg    Config
	worker Worker
	busy   *busy.State
	sink   Sink
	bus    eventbus.Bus
	log    logx.Logger
	parser cron.Parser

	running atomic.Bool

	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	enabled bool
	loc     *time.Location
}

func New(cfg Config, worker Worker, state *busy.State, sink Sink, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if strings.TrimSpace(string(cfg.Kind)) == "" {
		cfg.Kind = task.KindMonitor
	}
	return &Scheduler{
		cfg:    cfg,
		worker: worker,
		busy:   state,
		sink:   sink,
		bus:    bus,
		log:    log.With(logx.String("comp", "periodic")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start validates the schedule and starts triggering. An invalid schedule
// leaves the scheduler disabled; the error is logged and returned so the
// caller can report it, but nothing else in the process depends on it.
// Runs use ctx, so canceling it terminates a run in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if strings.TrimSpace(s.cfg.Schedule) == "" {
		s.log.Info("periodic self-check disabled: no schedule")
		return nil
	}

	spec, err := NormalizeSchedule(s.cfg.Schedule)
	if err == nil {
		_, err = s.parser.Parse(spec)
	}
	if err != nil {
		s.log.Error("periodic self-check disabled: invalid schedule", logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		return fmt.Errorf("periodic schedule %q: %w", s.cfg.Schedule, err)
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, lerr := time.LoadLocation(tz)
		if lerr != nil {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(lerr))
		} else {
			loc = l
		}
	}

	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	id, err := c.AddFunc(spec, func() { s.Fire(ctx) })
	if err != nil {
		s.log.Error("periodic self-check disabled", logx.Err(err))
		return err
	}
	c.Start()
	s.c, s.entry, s.enabled, s.loc = c, id, true, loc
	s.log.Info("periodic self-check scheduled", logx.String("schedule", spec), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

// Stop halts triggering and waits for a running job until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.enabled = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Next is the next scheduled fire time, zero when disabled.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Scheduler) Running() bool { return s.running.Load() }

// Apply replaces the config and re-arms the trigger. A run in flight
// finishes with the settings it started with.
func (s *Scheduler) Apply(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(string(cfg.Kind)) == "" {
		cfg.Kind = task.KindMonitor
	}
	stopCtx, cancel := context.WithTimeout(ctx, applyStopWait)
	s.Stop(stopCtx)
	cancel()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Fire runs the self-check once unless a previous fire is still executing
// or another entry point holds the worker. Both skips are logged only.
func (s *Scheduler) Fire(ctx context.Context) (out Outcome) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("periodic self-check skipped: previous run still executing")
		eventbus.Publish(s.bus, eventbus.PeriodicSkipped, SkippedRunning.String())
		return SkippedRunning
	}
	defer s.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("periodic self-check panicked", logx.Any("panic", r))
			out = Ran
		}
	}()

	release, ok := s.busy.TryAcquire(busy.Periodic)
	if !ok {
		s.log.Info("periodic self-check skipped: worker busy", logx.String("holder", s.busy.Snapshot().Holder()))
		eventbus.Publish(s.bus, eventbus.PeriodicSkipped, SkippedBusy.String())
		return SkippedBusy
	}
	defer release()

	cfg := s.config()
	instruction := strings.TrimSpace(cfg.Instruction)
	if instruction == "" {
		instruction = task.Lookup(cfg.Kind).Instruction
	}
	start := time.Now()
	res := s.worker.Run(ctx, runner.Request{
		Source:      "periodic",
		Kind:        cfg.Kind,
		Instruction: instruction,
		TurnBudget:  task.TurnBudget(cfg.Kind, cfg.TurnBudget),
	})

	if !res.Success {
		detail := res.ErrorDetail
		if detail == "" {
			detail = res.Text
		}
		hint := retry.ClassifyText(detail)
		s.log.Error("periodic self-check failed", logx.String("detail", detail), logx.String("category", string(hint.Category)), logx.Duration("took", time.Since(start)))
		s.notify(ctx, fmt.Sprintf("Scheduled self-check failed: %s\n\nHint: %s", detail, hint.Hint))
		return Ran
	}
	s.log.Info("periodic self-check finished", logx.Duration("took", time.Since(start)), logx.Int("out_len", len(res.Text)))
	if strings.TrimSpace(res.Text) != "" {
		s.notify(ctx, res.Text)
	}
	return Ran
}

// notify is best-effort; errors are logged and dropped.
func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.sink == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("periodic notify panicked", logx.Any("panic", r))
		}
	}()
	if err := s.sink.Notify(nctx, text); err != nil {
		s.log.Warn("periodic notify failed", logx.Err(err))
	}
}
