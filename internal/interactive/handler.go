// Package interactive runs chat instructions from the bot owners through
// the worker and streams the output back into the chat.
package interactive

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/busy"
	"conductor/internal/eventbus"
	"conductor/internal/periodic"
	"conductor/internal/retry"
	"conductor/internal/runner"
	"conductor/internal/storage"
	"conductor/internal/stream"
	"conductor/internal/task"
	"conductor/internal/transport"
	logx "conductor/pkg/logx"
)

const (
	DefaultEditInterval = 1200 * time.Millisecond
	DefaultTurnBudget   = 15

	chatTimeout = 10 * time.Second
)

const (
	msgBusy        = "The worker is busy with another task. Try again in a moment."
	msgWorking     = "Working on it..."
	msgNoStore     = "Queue store is not configured."
	msgQueueUsage  = "Usage: /queue <kind> [instruction]"
	msgCheckActive = "A self-check is already running."
	msgCrashed     = "The run failed unexpectedly. See the log for details."
)

// Worker runs one request; *runner.Runner implements it.
type Worker interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

// Chat is the slice of the transport adapter the handler talks to.
type Chat interface {
	transport.Sender
	transport.Editor
}

// Checker fires the periodic self-check; *periodic.Scheduler implements it.
type Checker interface {
	Fire(ctx context.Context) periodic.Outcome
	Enabled() bool
	Next() time.Time
}

type Config struct {
	Owners       []int64
	TurnBudget   int
	EditInterval time.Duration
}

type Handler struct {
	chat   Chat
	worker Worker
	busy   *busy.State
	log    logx.Logger

	store   storage.Store
	checker Checker
	history *eventbus.History

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Handler)

func WithStore(s storage.Store) Option { return func(h *Handler) { h.store = s } }

func WithChecker(c Checker) Option { return func(h *Handler) { h.checker = c } }

func WithHistory(hist *eventbus.History) Option { return func(h *Handler) { h.history = hist } }

func New(cfg Config, chat Chat, worker Worker, state *busy.State, log logx.Logger, opts ...Option) *Handler {
	h := &Handler{
		chat:   chat,
		worker: worker,
		busy:   state,
		log:    log.With(logx.String("comp", "interactive")),
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	h.Apply(cfg)
	return h
}

// Apply swaps the owner list and run settings; used by config reload.
func (h *Handler) Apply(cfg Config) {
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = DefaultTurnBudget
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = DefaultEditInterval
	}
	cfg.Owners = append([]int64(nil), cfg.Owners...)
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Handler) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// isOwner is false for everyone when no owners are configured.
func (h *Handler) isOwner(id int64) bool {
	for _, o := range h.config().Owners {
		if o == id {
			return true
		}
	}
	return false
}

// Handle processes one update to completion.
func (h *Handler) Handle(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !h.isOwner(msg.FromID) {
		h.log.Debug("ignoring message from non-owner", logx.Int64("from", msg.FromID), logx.String("username", msg.FromUsername))
		return
	}
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, args := splitCommand(text)
	switch cmd {
	case "/status":
		h.reply(ctx, to, h.statusText(ctx))
	case "/queue":
		h.enqueue(ctx, to, args)
	case "/check":
		h.check(ctx, to)
	case "/start", "/help":
		h.reply(ctx, to, helpText)
	default:
		h.runInstruction(ctx, to, text)
	}
}

const helpText = "Send any text to run it as an instruction.\n\n" +
	"/status - worker state and recent runs\n" +
	"/queue <kind> [instruction] - add a task to the queue\n" +
	"/check - run the self-check now"

// splitCommand returns the lowercased command (with any @botname removed)
// and the remaining text. Plain text yields an empty command.
func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func (h *Handler) runInstruction(ctx context.Context, to transport.ChatTarget, instruction string) {
	release, ok := h.busy.TryAcquire(busy.Interactive)
	if !ok {
		h.log.Info("instruction rejected: worker busy", logx.String("holder", h.busy.Snapshot().Holder()))
		h.reply(ctx, to, msgBusy)
		return
	}
	defer release()

	cfg := h.config()
	var prog *progress
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in interactive run", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			var ref transport.MessageRef
			if prog != nil {
				prog.wait()
				ref = prog.ref
			}
			h.deliver(ctx, to, ref, msgCrashed)
		}
	}()

	ref, err := h.send(ctx, to, msgWorking)
	if err != nil {
		// Without a placeholder there is nothing to edit; the final
		// answer is still sent as new messages.
		h.log.Warn("placeholder send failed", logx.Err(err))
	}
	prog = newProgress(h, ref, cfg.EditInterval)

	var buf strings.Builder
	start := time.Now()
	res := h.worker.Run(ctx, runner.Request{
		Source:      "interactive",
		Kind:        task.KindAssistant,
		Instruction: instruction,
		TurnBudget:  cfg.TurnBudget,
		OnChunk: func(chunk string) {
			buf.WriteString(chunk)
			prog.update(ctx, buf.String())
		},
	})
	prog.wait()

	body := res.Text
	if !res.Success {
		detail := res.ErrorDetail
		if detail == "" {
			detail = res.Text
		}
		cls := retry.ClassifyText(detail)
		h.log.Warn("interactive run failed",
			logx.String("detail", detail),
			logx.String("category", string(cls.Category)),
			logx.Duration("took", time.Since(start)),
		)
		if strings.TrimSpace(body) == "" {
			body = detail
		}
		body = fmt.Sprintf("%s\n\nHint: %s", body, cls.Hint)
	} else {
		h.log.Info("interactive run finished", logx.Duration("took", time.Since(start)), logx.Int("out_len", len(res.Text)))
	}
	h.deliver(ctx, to, ref, body)
}

// progress edits the placeholder in the background so a slow chat API
// never blocks reading worker output. At most one edit is in flight;
// updates that arrive meanwhile are dropped like throttled ones.
type progress struct {
	h    *Handler
	ref  transport.MessageRef
	gate *stream.Throttle

	editing atomic.Bool
	wg      sync.WaitGroup
}

func newProgress(h *Handler, ref transport.MessageRef, interval time.Duration) *progress {
	p := &progress{h: h, ref: ref, gate: stream.NewThrottle(interval)}
	p.gate.Allow() // the placeholder counts as the first write
	return p
}

func (p *progress) update(ctx context.Context, text string) {
	if p.ref.MessageID == 0 || !p.gate.Allow() || !p.editing.CompareAndSwap(false, true) {
		return
	}
	text = transport.Tail(text, transport.MaxMessageLen)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.editing.Store(false)
		p.h.edit(ctx, p.ref, text)
	}()
}

// wait blocks until the in-flight edit is done, so the final edit lands
// last.
func (p *progress) wait() { p.wg.Wait() }

// deliver puts the first MaxMessageLen runes into the placeholder and
// sends the rest as follow-up messages.
func (h *Handler) deliver(ctx context.Context, to transport.ChatTarget, ref transport.MessageRef, body string) {
	head := transport.Head(body, transport.MaxMessageLen)
	rest := string([]rune(body)[len([]rune(head)):])
	if ref.MessageID != 0 {
		h.edit(ctx, ref, head)
	} else {
		h.reply(ctx, to, head)
	}
	for _, part := range transport.Slices(rest, transport.MaxMessageLen) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		h.reply(ctx, to, part)
	}
}

func (h *Handler) enqueue(ctx context.Context, to transport.ChatTarget, args string) {
	if h.store == nil {
		h.reply(ctx, to, msgNoStore)
		return
	}
	kindArg, instruction, _ := strings.Cut(args, " ")
	kind := task.Normalize(task.Kind(kindArg))
	if !task.Known(kind) {
		names := make([]string, 0, len(task.Kinds()))
		for _, k := range task.Kinds() {
			names = append(names, string(k))
		}
		h.reply(ctx, to, msgQueueUsage+"\nKinds: "+strings.Join(names, ", "))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()
	rec, err := h.store.Enqueue(sctx, kind, strings.TrimSpace(instruction))
	if err != nil {
		h.log.Warn("enqueue failed", logx.String("kind", string(kind)), logx.Err(err))
		h.reply(ctx, to, "Could not queue the task: "+err.Error())
		return
	}
	h.log.Info("task queued from chat", logx.String("task_id", rec.ID), logx.String("kind", string(kind)))
	h.reply(ctx, to, fmt.Sprintf("Queued %s task %s.", kind, rec.ID))
}

func (h *Handler) check(ctx context.Context, to transport.ChatTarget) {
	if h.checker == nil {
		h.reply(ctx, to, "Self-check is not configured.")
		return
	}
	if h.busy.Busy() {
		h.reply(ctx, to, msgBusy)
		return
	}
	h.reply(ctx, to, "Running self-check...")
	switch h.checker.Fire(ctx) {
	case periodic.SkippedRunning:
		h.reply(ctx, to, msgCheckActive)
	case periodic.SkippedBusy:
		h.reply(ctx, to, msgBusy)
	}
}

func (h *Handler) statusText(ctx context.Context) string {
	var b strings.Builder
	snap := h.busy.Snapshot()
	if holder := snap.Holder(); holder != "" {
		fmt.Fprintf(&b, "Worker: busy (%s)\n", holder)
	} else {
		b.WriteString("Worker: idle\n")
	}

	if h.store != nil {
		sctx, cancel := context.WithTimeout(ctx, chatTimeout)
		n, err := h.store.CountPending(sctx)
		cancel()
		if err != nil {
			h.log.Debug("count pending failed", logx.Err(err))
			b.WriteString("Queue: unavailable\n")
		} else {
			fmt.Fprintf(&b, "Queue: %d pending\n", n)
		}
	} else {
		b.WriteString("Queue: not configured\n")
	}

	if h.checker != nil {
		if h.checker.Enabled() {
			fmt.Fprintf(&b, "Self-check: next %s\n", h.checker.Next().Format(time.RFC3339))
		} else {
			b.WriteString("Self-check: disabled\n")
		}
	}

	if h.history != nil {
		runs := h.history.Recent(5)
		if len(runs) > 0 {
			b.WriteString("\nRecent runs:\n")
			for _, r := range runs {
				state := "ok"
				if !r.Success {
					state = "failed"
					if r.Category != "" {
						state += " (" + r.Category + ")"
					}
				}
				fmt.Fprintf(&b, "- %s %s/%s %s in %s\n",
					r.Started.Format("01-02 15:04"), r.Source, r.Kind, state, r.Duration.Round(time.Second))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Chat writes outlive ctx so the result of a run cut short by shutdown
// still reaches the owner.
func (h *Handler) send(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chatTimeout)
	defer cancel()
	return h.chat.SendText(sctx, to, text, &transport.SendOptions{DisablePreview: true})
}

func (h *Handler) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if _, err := h.send(ctx, to, text); err != nil {
		h.log.Warn("reply failed", logx.Err(err))
	}
}

// edit failures (including "message is not modified") are not fatal.
func (h *Handler) edit(ctx context.Context, ref transport.MessageRef, text string) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chatTimeout)
	defer cancel()
	if err := h.chat.EditText(ectx, ref, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		h.log.Debug("edit failed", logx.Err(err))
	}
}
