package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/interactive"
	"conductor/internal/notifier"
	"conductor/internal/periodic"
	"conductor/internal/queue"
	"conductor/internal/retry"
	"conductor/internal/runner"
	"conductor/internal/storage"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const defaultExecutable = "claude"

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	var chatID int64
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		chatID, _ = strconv.ParseInt(g, 10, 64)
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapRunner(cfg *config.Config) (runner.Config, error) {
	w := cfg.Worker
	grace, err := config.ParseDurationField("worker.kill_grace", w.KillGrace)
	if err != nil {
		return runner.Config{}, err
	}
	exe := strings.TrimSpace(w.Executable)
	if exe == "" {
		exe = defaultExecutable
	}
	return runner.Config{
		Executable:         exe,
		Args:               append([]string(nil), w.Args...),
		WorkDir:            strings.TrimSpace(w.WorkDir),
		TemplateDir:        strings.TrimSpace(w.TemplateDir),
		Env:                w.Env,
		PromptFlag:         w.PromptFlag,
		TurnsFlag:          w.TurnsFlag,
		NonInteractiveFlag: w.NonInteractiveFlag,
		KillGrace:          grace,
	}, nil
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	q := cfg.Queue
	interval, err := config.ParseDurationOrDefault("queue.poll_interval", q.PollInterval, queue.DefaultInterval)
	if err != nil {
		return queue.Config{}, err
	}
	debounce, err := config.ParseDurationOrDefault("queue.debounce", q.Debounce, queue.DefaultDebounce)
	if err != nil {
		return queue.Config{}, err
	}
	base, err := config.ParseDurationField("queue.retry_base", q.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("queue.retry_max_delay", q.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	if q.RetryMax < 0 {
		return queue.Config{}, fmt.Errorf("queue.retry_max must be >= 0")
	}
	return queue.Config{
		Interval: interval,
		Debounce: debounce,
		Retry:    retry.Options{MaxAttempts: q.RetryMax, BaseDelay: base, MaxDelay: maxDelay},
	}, nil
}

// mapStorage returns enabled=false when no queue store is configured.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql":
		dsn := envOr(sc.DSNEnv, sc.DSN)
		if strings.TrimSpace(dsn) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, false, fmt.Errorf("storage.max_conns must be >= 0")
		}
		timeout, err := config.ParseDurationField("storage.timeout", sc.Timeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, DSN: dsn, MaxConns: int32(sc.MaxConns), Table: strings.TrimSpace(sc.Table), Timeout: timeout}, true, nil
	case "postgrest", "supabase":
		url := strings.TrimSpace(sc.URL)
		if url == "" {
			return storage.Config{}, false, fmt.Errorf("storage.url is required when storage.driver=%s", driver)
		}
		key := envOr(sc.APIKeyEnv, sc.APIKey)
		timeout, err := config.ParseDurationField("storage.timeout", sc.Timeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, URL: url, APIKey: key, Table: strings.TrimSpace(sc.Table), Timeout: timeout}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// envOr returns the value of the variable named env when it is set and
// non-empty, else fallback.
func envOr(env, fallback string) string {
	if env = strings.TrimSpace(env); env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return fallback
}

// mapPeriodic leaves schedule and timezone alone: the scheduler disables
// itself on a bad schedule and falls back to local time on a bad zone.
func mapPeriodic(cfg *config.Config) (periodic.Config, error) {
	p := cfg.Periodic
	if p.TurnBudget < 0 {
		return periodic.Config{}, fmt.Errorf("periodic.turn_budget must be >= 0")
	}
	return periodic.Config{
		Schedule:    p.Schedule,
		Timezone:    p.Timezone,
		Kind:        task.Normalize(task.Kind(p.Kind)),
		Instruction: p.Instruction,
		TurnBudget:  p.TurnBudget,
	}, nil
}

func mapInteractive(cfg *config.Config) (interactive.Config, error) {
	ic := cfg.Interactive
	edit, err := config.ParseDurationField("interactive.edit_interval", ic.EditInterval)
	if err != nil {
		return interactive.Config{}, err
	}
	if ic.TurnBudget < 0 {
		return interactive.Config{}, fmt.Errorf("interactive.turn_budget must be >= 0")
	}
	return interactive.Config{
		Owners:       append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		TurnBudget:   ic.TurnBudget,
		EditInterval: edit,
	}, nil
}

// mapNotifier enables the notifier with defaults when the section is
// omitted.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

// validate runs every mapper so a reload with a bad value is rejected
// before anything is applied. Storage is left out: a store that cannot be
// configured or opened only turns the queue off.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapRunner(cfg); err != nil {
		return err
	}
	if _, err := mapQueue(cfg); err != nil {
		return err
	}
	if _, err := mapPeriodic(cfg); err != nil {
		return err
	}
	if _, err := mapInteractive(cfg); err != nil {
		return err
	}
	_, err := mapNotifier(cfg)
	return err
}
