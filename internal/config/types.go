package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m") and are parsed by the consumers through
// ParseDurationField so a bad value names its key.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Worker      WorkerConfig      `json:"worker"`
	Queue       QueueConfig       `json:"queue"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Periodic    PeriodicConfig    `json:"periodic"`
	Interactive InteractiveConfig `json:"interactive"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives log lines when logging.telegram
	// is enabled.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// WorkerConfig describes the external CLI agent.
//
// Example:
//
//	"worker": {
//	  "executable": "claude",
//	  "work_dir": "/srv/agent",
//	  "template_dir": "/srv/agent/prompts"
//	}
type WorkerConfig struct {
	Executable  string            `json:"executable"`
	Args        []string          `json:"args,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	TemplateDir string            `json:"template_dir"`
	Env         map[string]string `json:"env,omitempty"`

	// Flag names; empty keeps the defaults (-p, --max-turns,
	// --dangerously-skip-permissions).
	PromptFlag         string `json:"prompt_flag,omitempty"`
	TurnsFlag          string `json:"turns_flag,omitempty"`
	NonInteractiveFlag string `json:"non_interactive_flag,omitempty"`

	KillGrace string `json:"kill_grace,omitempty"`
}

type QueueConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	Debounce     string `json:"debounce,omitempty"`

	// Retry settings for the terminal status write.
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig selects the queue store. Omit the section, or use driver
// "none", to run without a queue.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./conductor.db" }
//	"storage": { "driver": "postgres", "dsn_env": "CONDUCTOR_DSN" }
//	"storage": { "driver": "postgrest", "url": "https://x.supabase.co/rest/v1", "api_key_env": "SUPABASE_KEY" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// DSN is a libpq URL or keyword string for the postgres driver.
	DSN      string `json:"dsn,omitempty"`
	DSNEnv   string `json:"dsn_env,omitempty"`
	MaxConns int    `json:"max_conns,omitempty"`

	URL    string `json:"url,omitempty"`
	APIKey string `json:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the key. It wins
	// over APIKey when set and non-empty.
	APIKeyEnv string `json:"api_key_env,omitempty"`
	Table     string `json:"table,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type PeriodicConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule accepts cron (5 or 6 fields, descriptors), "every:30m",
	// a bare duration or an "HH:MM" interval.
	Schedule    string `json:"schedule"`
	Timezone    string `json:"timezone,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	TurnBudget  int    `json:"turn_budget,omitempty"`

	NotifyChatID   int64 `json:"notify_chat_id"`
	NotifyThreadID int   `json:"notify_thread_id,omitempty"`
}

type InteractiveConfig struct {
	TurnBudget   int    `json:"turn_budget,omitempty"`
	EditInterval string `json:"edit_interval,omitempty"`
}

// NotifierConfig controls the async delivery pipeline used by the
// periodic self-check. If omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// MetricsConfig exposes Prometheus metrics over HTTP. An empty Listen
// keeps the endpoint off. Pprof adds /debug/pprof/ on the same listener.
type MetricsConfig struct {
	Listen string `json:"listen,omitempty"`
	Path   string `json:"path,omitempty"`
	Pprof  bool   `json:"pprof,omitempty"`
}
