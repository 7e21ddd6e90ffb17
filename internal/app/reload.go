package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/eventbus"
	"conductor/internal/transport"
	logx "conductor/pkg/logx"
)

const reloadStopWait = 3 * time.Second

// reloadLoop applies committed config changes to the live components.
// Storage, queue timing, the metrics endpoint and the bot token are read
// once at startup.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Only the newest pending config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("storage") || changed("queue") || changed("metrics") {
		a.log.Warn("storage/queue/metrics config changed; restart required for changes to take effect")
	}
	if prev != nil && prev.Telegram.Token != cfg.Telegram.Token {
		a.log.Warn("telegram.token changed; restart required for changes to take effect")
	}

	if changed("logging") || changed("telegram") {
		a.logs.Apply(mapLogging(cfg))
	}

	if changed("worker") {
		if rc, err := mapRunner(cfg); err == nil {
			a.runner.Apply(rc)
		}
	}

	if a.chat != nil && (changed("interactive") || changed("telegram")) {
		if ic, err := mapInteractive(cfg); err == nil {
			a.chat.Apply(ic)
		}
	}

	if changed("notifier") {
		a.applyNotifier(ctx, cfg)
	}

	if changed("periodic") {
		a.report.setTarget(transport.ChatTarget{ChatID: cfg.Periodic.NotifyChatID, ThreadID: cfg.Periodic.NotifyThreadID})
		pc, err := mapPeriodic(cfg)
		switch {
		case err != nil:
			a.log.Warn("invalid periodic config; keeping previous", logx.Err(err))
		case cfg.Periodic.Enabled:
			_ = a.sched.Apply(ctx, pc)
		default:
			stopCtx, cancel := context.WithTimeout(ctx, reloadStopWait)
			a.sched.Stop(stopCtx)
			cancel()
			a.log.Info("periodic self-check disabled via config")
		}
	}

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	nc, err := mapNotifier(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if a.adapter == nil {
		nc.Enabled = false
	}
	wasEnabled := a.notif.Enabled()
	if wasEnabled && !nc.Enabled {
		stopCtx, cancel := context.WithTimeout(ctx, reloadStopWait)
		a.notif.Stop(stopCtx)
		cancel()
	}
	a.notif.Apply(nc)
	if !wasEnabled && nc.Enabled {
		a.notif.Start(ctx)
	}
}
