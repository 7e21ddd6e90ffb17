// Package runner spawns the external worker once per request and streams
// its stdout back to the caller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/eventbus"
	"conductor/internal/retry"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const (
	readChunk       = 4096
	stderrKeep      = 8 * 1024
	defaultStderr   = 200
	defaultGrace    = 5 * time.Second
	fallbackSuccess = "Done."
)

// Config describes how the worker is invoked. Flag names are configurable
// so a different CLI agent can be dropped in.
type Config struct {
	Executable         string
	Args               []string
	WorkDir            string
	TemplateDir        string
	Env                map[string]string
	PromptFlag         string
	TurnsFlag          string
	NonInteractiveFlag string
	StderrLimit        int
	KillGrace          time.Duration
}

func (c Config) withDefaults() Config {
	if c.PromptFlag == "" {
		c.PromptFlag = "-p"
	}
	if c.TurnsFlag == "" {
		c.TurnsFlag = "--max-turns"
	}
	if c.NonInteractiveFlag == "" {
		c.NonInteractiveFlag = "--dangerously-skip-permissions"
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = defaultStderr
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultGrace
	}
	return c
}

type Request struct {
	Source      string
	Kind        task.Kind
	Instruction string
	// TurnBudget <= 0 takes the kind's default.
	TurnBudget int
	// OnChunk receives every stdout read verbatim, on the runner's goroutine.
	OnChunk func(chunk string)
}

type Result struct {
	Text        string
	Success     bool
	ErrorDetail string
	ExitCode    int

	err error
}

// Err returns nil on success. Configuration failures are marked with
// retry.NoRetry.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	if r.ErrorDetail != "" {
		return errors.New(r.ErrorDetail)
	}
	if r.Text != "" {
		return errors.New(r.Text)
	}
	return errors.New("worker failed")
}

type Runner struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	return &Runner{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "runner")), bus: bus}
}

// Apply swaps the invocation config. Runs already in flight keep theirs.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Runner) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Run executes one request. It never returns an error: every outcome is
// folded into Result. The child is terminated only when ctx ends.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	cfg := r.config()
	kind := task.Normalize(req.Kind)
	budget := task.TurnBudget(kind, req.TurnBudget)
	log := r.log.With(logx.String("source", req.Source), logx.String("kind", string(kind)), logx.Int("budget", budget))
	log.Info("worker run requested", logx.Preview("instruction", req.Instruction, 80))

	tmpl, err := loadTemplate(cfg.TemplateDir, task.Lookup(kind).Template)
	if err != nil {
		log.Error("worker not started", logx.Err(err))
		return Result{Text: err.Error(), ErrorDetail: err.Error(), ExitCode: -1, err: retry.NoRetry(err)}
	}

	run := eventbus.Run{ID: uuid.NewString(), Source: req.Source, Kind: string(kind), Started: time.Now()}
	eventbus.Publish(r.bus, eventbus.WorkerStarted, run)

	res := r.exec(ctx, cfg, buildArgs(cfg, buildPrompt(tmpl, req.Instruction), budget), req.OnChunk)

	run.Duration = time.Since(run.Started)
	run.Success = res.Success
	if !res.Success {
		run.Error = res.ErrorDetail
		run.Category = string(retry.ClassifyText(res.ErrorDetail + " " + res.Text).Category)
		log.Warn("worker run failed", logx.String("run", run.ID), logx.Duration("took", run.Duration), logx.String("detail", res.ErrorDetail), logx.String("category", run.Category))
	} else {
		log.Info("worker run finished", logx.String("run", run.ID), logx.Duration("took", run.Duration), logx.Int("out_len", len(res.Text)))
	}
	eventbus.Publish(r.bus, eventbus.WorkerFinished, run)
	return res
}

func (r *Runner) exec(ctx context.Context, cfg Config, args []string, onChunk func(string)) Result {
	cmd := exec.CommandContext(ctx, cfg.Executable, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = buildEnv(cfg.Env)
	cmd.WaitDelay = cfg.KillGrace
	setProcessGroup(cmd)

	stderr := &capWriter{max: stderrKeep}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(err)
	}
	if err := cmd.Start(); err != nil {
		return spawnFailure(err)
	}

	var out strings.Builder
	buf := make([]byte, readChunk)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			out.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, os.ErrClosed) {
				r.log.Debug("worker stdout read stopped", logx.Err(rerr))
			}
			break
		}
	}
	waitErr := cmd.Wait()

	text := strings.TrimSpace(out.String())
	if waitErr == nil {
		if text == "" {
			text = fallbackSuccess
		}
		return Result{Text: text, Success: true}
	}

	errText := truncate(strings.TrimSpace(stderr.String()), cfg.StderrLimit)
	code := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}

	res := Result{Text: text, ExitCode: code}
	switch {
	case ctx.Err() != nil:
		res.ErrorDetail = fmt.Sprintf("canceled: %v", ctx.Err())
	case exitErr != nil:
		res.ErrorDetail = fmt.Sprintf("exit code %d", code)
		if errText != "" {
			res.ErrorDetail += ": " + errText
		}
	default:
		res.ErrorDetail = fmt.Sprintf("wait: %v", waitErr)
	}
	if res.Text == "" {
		res.Text = errText
	}
	if res.Text == "" {
		res.Text = fmt.Sprintf("worker exited with code %d", code)
	}
	return res
}

func spawnFailure(err error) Result {
	detail := fmt.Sprintf("spawn: %v", err)
	return Result{Text: detail, ErrorDetail: detail, ExitCode: -1, err: fmt.Errorf("spawn: %w", err)}
}

// loadTemplate reads <dir>/<name>.md, falling back to default.md.
func loadTemplate(dir, name string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("configuration: worker template_dir is not set")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("configuration: template dir %s: %w", dir, err)
	}
	if !st.IsDir() {
		return "", fmt.Errorf("configuration: template dir %s is not a directory", dir)
	}
	names := []string{name}
	if name != "default" {
		names = append(names, "default")
	}
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n+".md"))
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("configuration: read template %s: %w", n, err)
		}
	}
	return "", fmt.Errorf("configuration: instruction template %q not found in %s", name, dir)
}

func buildPrompt(tmpl, instruction string) string {
	instruction = strings.TrimSpace(instruction)
	if tmpl == "" {
		return instruction
	}
	if instruction == "" {
		return tmpl
	}
	return tmpl + "\n\n" + instruction
}

func buildArgs(cfg Config, prompt string, budget int) []string {
	args := make([]string, 0, len(cfg.Args)+5)
	args = append(args, cfg.Args...)
	args = append(args, cfg.PromptFlag, prompt, cfg.TurnsFlag, fmt.Sprint(budget))
	if cfg.NonInteractiveFlag != "" {
		args = append(args, cfg.NonInteractiveFlag)
	}
	return args
}

func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := append([]string{}, os.Environ()...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if n <= 0 || len(rs) <= n {
		return s
	}
	return string(rs[:n])
}

// capWriter keeps the first max bytes written to it.
type capWriter struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - len(w.b); room > 0 {
		if len(p) > room {
			w.b = append(w.b, p[:room]...)
		} else {
			w.b = append(w.b, p...)
		}
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.b)
}
