// Package app wires the three entry points (chat, cron self-check, job
// queue) around one worker and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/internal/busy"
	"conductor/internal/config"
	"conductor/internal/eventbus"
	"conductor/internal/interactive"
	"conductor/internal/metrics"
	"conductor/internal/notifier"
	"conductor/internal/periodic"
	"conductor/internal/queue"
	"conductor/internal/runner"
	rtsup "conductor/internal/runtime/supervisor"
	"conductor/internal/storage"
	"conductor/internal/transport"
	telegram "conductor/internal/transport/telegram/adapter"
	logx "conductor/pkg/logx"
)

const historySize = 50

var menu = []telegram.Command{
	{Command: "status", Description: "Worker state and recent runs"},
	{Command: "queue", Description: "Queue a task: /queue <kind> [instruction]"},
	{Command: "check", Description: "Run the self-check now"},
	{Command: "help", Description: "Usage"},
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	history *eventbus.History
	state   *busy.State
	store   storage.Store

	// adapter and chat are nil when no bot token is configured.
	adapter *telegram.Adapter
	chat    *interactive.Handler

	runner *runner.Runner
	poller *queue.Poller
	sched  *periodic.Scheduler
	notif  *notifier.Service
	report *reportSink
	stats  *metrics.Metrics

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bootLog := logx.NewConsole("INFO")

	var (
		ad     *telegram.Adapter
		sender transport.Sender
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = ad
	}

	logSvc, log := logx.New(mapLogging(cfg), sender)
	alog := log.With(logx.String("comp", "app"))
	if ad == nil {
		alog.Warn("telegram.token not set; chat entry point and chat notifications disabled")
	}

	bus := eventbus.New()
	state := busy.New()

	store := openStore(cfg, log, alog)

	rc, _ := mapRunner(cfg)
	run := runner.New(rc, log, bus)

	qc, _ := mapQueue(cfg)
	poller := queue.New(qc, store, run, state, bus, log)

	nc, _ := mapNotifier(cfg)
	if sender == nil {
		nc.Enabled = false
	}
	notif := notifier.New(nc, sender, log, bus)
	report := newReportSink(notif, log)
	report.setTarget(transport.ChatTarget{ChatID: cfg.Periodic.NotifyChatID, ThreadID: cfg.Periodic.NotifyThreadID})

	pc, _ := mapPeriodic(cfg)
	sched := periodic.New(pc, run, state, report, bus, log)

	history := eventbus.NewHistory(historySize)

	stats, err := metrics.New(state, store)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var chat *interactive.Handler
	if ad != nil {
		ic, _ := mapInteractive(cfg)
		chat = interactive.New(ic, ad, run, state, log,
			interactive.WithStore(store),
			interactive.WithChecker(sched),
			interactive.WithHistory(history),
		)
	}

	return &App{
		cfgm:    cfgm,
		log:     alog,
		logs:    logSvc,
		bus:     bus,
		history: history,
		state:   state,
		store:   store,
		adapter: ad,
		chat:    chat,
		runner:  run,
		poller:  poller,
		sched:   sched,
		notif:   notif,
		report:  report,
		stats:   stats,
		updates: make(chan transport.Update, 256),
	}, nil
}

// openStore returns nil when the queue is not configured or the store
// cannot be opened; either way only the poller goes inert.
func openStore(cfg *config.Config, log, alog logx.Logger) storage.Store {
	sc, enabled, err := mapStorage(cfg)
	if err != nil {
		alog.Error("queue store misconfigured; queue disabled", logx.Err(err))
		return nil
	}
	if !enabled {
		return nil
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		alog.Error("queue store unavailable; queue disabled", logx.String("driver", sc.Driver), logx.Err(err))
		return nil
	}
	alog.Info("queue store enabled", logx.String("driver", sc.Driver))
	return store
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go0("history.collect", func(c context.Context) { a.history.Collect(c, a.bus) })
	a.sup.Go0("eventbus.log", func(c context.Context) { a.logEvents(c) })
	a.sup.Go0("metrics.collect", func(c context.Context) { a.stats.Collect(c, a.bus) })
	if mc := a.cfgm.Get().Metrics; strings.TrimSpace(mc.Listen) != "" {
		mlog := a.log.With(logx.String("comp", "metrics"))
		// A port clash is logged; the rest of the process keeps running.
		a.sup.Go0("metrics.serve", func(c context.Context) {
			if err := a.stats.Serve(c, metrics.ServeConfig{Addr: mc.Listen, Path: mc.Path, Pprof: mc.Pprof}, mlog); err != nil {
				mlog.Error("metrics endpoint stopped", logx.Err(err))
			}
		})
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		if err := a.adapter.SetCommands(menu); err != nil {
			a.log.Warn("menu commands not updated", logx.Err(err))
		}
		a.sup.Go("chat.dispatch", func(c context.Context) error {
			return a.chat.DispatchLoop(c, a.updates)
		})
	}

	a.notif.Start(runCtx)

	if a.cfgm.Get().Periodic.Enabled {
		// An invalid schedule only disables the self-check.
		_ = a.sched.Start(runCtx)
	}

	a.sup.Go("queue.poll", a.poller.Run)

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("chat", a.adapter != nil),
		logx.Bool("queue", a.store != nil),
		logx.Bool("periodic", a.sched.Enabled()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Canceling the run context also terminates a worker subprocess in
	// flight; its terminal status write still completes.
	a.sup.Cancel()

	a.step(ctx, "periodic", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 20*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
