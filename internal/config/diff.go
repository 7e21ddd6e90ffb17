package config

import (
	"reflect"
	"strings"

	logx "conductor/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and a few safe
// attributes for the reload log line. Secrets (bot token, api keys) are
// reported only as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || trim(ot.PollTimeout) != trim(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || trim(ot.GroupLog) != trim(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.String("worker.executable", newCfg.Worker.Executable),
			logx.String("worker.template_dir", newCfg.Worker.TemplateDir),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.String("queue.poll_interval", newCfg.Queue.PollInterval))
	}

	if !reflect.DeepEqual(redactStorage(oldCfg.Storage), redactStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if oldCfg.Periodic != newCfg.Periodic {
		changed = append(changed, "periodic")
		attrs = append(attrs,
			logx.Bool("periodic.enabled", newCfg.Periodic.Enabled),
			logx.String("periodic.schedule", newCfg.Periodic.Schedule),
		)
	}

	if oldCfg.Interactive != newCfg.Interactive {
		changed = append(changed, "interactive")
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if newCfg.Notifier != nil {
			attrs = append(attrs, logx.Bool("notifier.enabled", newCfg.Notifier.Enabled))
		}
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.String("metrics.listen", newCfg.Metrics.Listen))
	}
	return changed, attrs
}

func redactStorage(s *StorageConfig) *StorageConfig {
	if s == nil {
		return nil
	}
	c := *s
	if c.APIKey != "" {
		c.APIKey = "set"
	}
	return &c
}

func trim(s string) string { return strings.TrimSpace(s) }
