package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

func TestMapStorage(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_KEY", "from-env")
	t.Setenv("CONDUCTOR_TEST_DSN", "postgres://conductor@db/queue")
	tests := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr string
	}{
		{name: "omitted", in: nil},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "sqlite", in: &config.StorageConfig{Driver: "SQLite", Path: "q.db"}, enabled: true, driver: "sqlite"},
		{name: "sqlite without path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: "storage.path"},
		{name: "postgrest", in: &config.StorageConfig{Driver: "postgrest", URL: "https://x/rest/v1", APIKeyEnv: "CONDUCTOR_TEST_KEY"}, enabled: true, driver: "postgrest"},
		{name: "postgrest without url", in: &config.StorageConfig{Driver: "supabase"}, wantErr: "storage.url"},
		{name: "postgres", in: &config.StorageConfig{Driver: "postgres", DSNEnv: "CONDUCTOR_TEST_DSN", MaxConns: 4}, enabled: true, driver: "postgres"},
		{name: "postgres without dsn", in: &config.StorageConfig{Driver: "postgresql"}, wantErr: "storage.dsn"},
		{name: "postgres negative conns", in: &config.StorageConfig{Driver: "postgres", DSN: "postgres://x/db", MaxConns: -1}, wantErr: "storage.max_conns"},
		{name: "bad busy timeout", in: &config.StorageConfig{Driver: "sqlite", Path: "q.db", BusyTimeout: "fast"}, wantErr: "storage.busy_timeout"},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: "unknown storage.driver"},
	}
	for _, tt := range tests {
		sc, enabled, err := mapStorage(&config.Config{Storage: tt.in})
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("%s: err = %v, want %q", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil || enabled != tt.enabled || sc.Driver != tt.driver {
			t.Fatalf("%s: got %+v enabled=%v err=%v", tt.name, sc, enabled, err)
		}
		if tt.driver == "postgrest" && sc.APIKey != "from-env" {
			t.Fatalf("api key = %q", sc.APIKey)
		}
		if tt.driver == "postgres" && (sc.DSN != "postgres://conductor@db/queue" || sc.MaxConns != 4) {
			t.Fatalf("postgres config = %+v", sc)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mod  func(c *config.Config)
		want string
	}{
		{"poll interval", func(c *config.Config) { c.Queue.PollInterval = "often" }, "queue.poll_interval"},
		{"edit interval", func(c *config.Config) { c.Interactive.EditInterval = "-1s" }, "interactive.edit_interval"},
		{"turn budget", func(c *config.Config) { c.Periodic.TurnBudget = -1 }, "periodic.turn_budget"},
		{"kill grace", func(c *config.Config) { c.Worker.KillGrace = "x" }, "worker.kill_grace"},
		{"notifier", func(c *config.Config) { c.Notifier = &config.NotifierConfig{DedupWindow: "?"} }, "notifier.dedup_window"},
	}
	for _, tt := range tests {
		cfg := &config.Config{}
		tt.mod(cfg)
		if err := validate(cfg); err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
	}
	if err := validate(&config.Config{}); err != nil {
		t.Fatalf("empty config: %v", err)
	}
}

// Schedule, timezone and storage problems only switch their component off.
func TestValidateAcceptsDegradableValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mod  func(c *config.Config)
	}{
		{"bad schedule", func(c *config.Config) { c.Periodic.Enabled, c.Periodic.Schedule = true, "bogus" }},
		{"empty schedule", func(c *config.Config) { c.Periodic.Enabled = true }},
		{"bad timezone", func(c *config.Config) { c.Periodic.Timezone = "Mars/Olympus" }},
		{"sqlite without path", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }},
		{"unknown driver", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "redis"} }},
	}
	for _, tt := range tests {
		cfg := &config.Config{}
		tt.mod(cfg)
		if err := validate(cfg); err != nil {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Periodic: config.PeriodicConfig{Kind: " Monitor "}}
	rc, _ := mapRunner(cfg)
	if rc.Executable != defaultExecutable {
		t.Fatalf("executable = %q", rc.Executable)
	}
	nc, _ := mapNotifier(cfg)
	if !nc.Enabled {
		t.Fatal("notifier should default to enabled")
	}
	pc, _ := mapPeriodic(cfg)
	if pc.Kind != task.KindMonitor {
		t.Fatalf("kind = %q", pc.Kind)
	}
	lc := mapLogging(&config.Config{Telegram: config.TelegramConfig{GroupLog: "-1001"}})
	if lc.Chat.ChatID != -1001 {
		t.Fatalf("chat id = %d", lc.Chat.ChatID)
	}
}

func TestReportSinkFallsBackToLog(t *testing.T) {
	t.Parallel()
	r := newReportSink(nil, logx.Nop())
	if err := r.Notify(context.Background(), "all green"); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "conductor.json")
	if err := os.WriteFile(p, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopUnknown)
		cancel()
	})
	return a
}

func TestAppStartsWithBadSchedule(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, map[string]any{
		"logging":  map[string]any{"level": "error"},
		"periodic": map[string]any{"enabled": true, "schedule": "bogus", "timezone": "Mars/Olympus"},
	})
	a := startApp(t, p)
	if a.sched.Enabled() {
		t.Fatal("self-check should be disabled by an invalid schedule")
	}
	select {
	case <-a.Done():
		t.Fatalf("app stopped: %v", a.Err())
	default:
	}
}

func TestAppStartsWhenStoreCannotOpen(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := writeConfig(t, dir, map[string]any{
		"logging": map[string]any{"level": "error"},
		"storage": map[string]any{"driver": "sqlite", "path": filepath.Join(blocker, "q.db")},
	})
	a := startApp(t, p)
	if a.store != nil {
		t.Fatal("store should be nil when it cannot be opened")
	}
	if a.poller.Tick(context.Background()) {
		t.Fatal("poller should be inert without a store")
	}
	select {
	case <-a.Done():
		t.Fatalf("app stopped: %v", a.Err())
	default:
	}
}

func TestAppServesMetrics(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, map[string]any{
		"logging": map[string]any{"level": "error"},
		"storage": map[string]any{"driver": "memory"},
	})
	a := startApp(t, p)
	if _, err := a.store.Enqueue(context.Background(), task.KindMonitor, ""); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	a.stats.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if body := rec.Body.String(); !strings.Contains(body, "conductor_queue_pending") || !strings.Contains(body, `conductor_busy{owner="interactive"}`) {
		t.Fatalf("metrics body:\n%s", body)
	}
}

// Runs the whole app without a bot token: a queued task is claimed by the
// poller, executed by a fake worker and completed in the store.
func TestAppRunsQueuedTask(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "prompts")
	if err := os.MkdirAll(tmpl, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpl, "default.md"), []byte("You are a test."), 0o644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho checked\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(map[string]any{
		"logging": map[string]any{"level": "error"},
		"worker":  map[string]any{"executable": script, "template_dir": tmpl},
		"queue":   map[string]any{"poll_interval": "50ms", "debounce": "10ms"},
		"storage": map[string]any{"driver": "memory"},
	})
	cfgPath := filepath.Join(dir, "conductor.json")
	if err := os.WriteFile(cfgPath, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopUnknown)
	}()

	rec, err := a.store.Enqueue(ctx, task.KindMonitor, "")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := a.store.Get(ctx, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			if got.Status != task.StatusDone || got.FinalOutput != "checked" {
				t.Fatalf("record = %+v", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("queued task never finished")
}
