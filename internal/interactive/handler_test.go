package interactive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"conductor/internal/busy"
	"conductor/internal/periodic"
	"conductor/internal/runner"
	"conductor/internal/storage"
	"conductor/internal/task"
	"conductor/internal/transport"
	logx "conductor/pkg/logx"
)

const owner int64 = 42

type fakeChat struct {
	mu      sync.Mutex
	nextID  int
	sends   []string
	edits   []string
	editErr error
}

func (f *fakeChat) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, text)
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeChat) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return f.editErr
}

func (f *fakeChat) snapshot() (sends, edits []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...), append([]string(nil), f.edits...)
}

type fakeWorker struct {
	chunks   []string
	result   runner.Result
	panics   bool
	// streamed, when set, is closed after the last chunk is handed over.
	streamed chan struct{}

	mu   sync.Mutex
	reqs []runner.Request
}

func (w *fakeWorker) Run(ctx context.Context, req runner.Request) runner.Result {
	w.mu.Lock()
	w.reqs = append(w.reqs, req)
	w.mu.Unlock()
	if w.panics {
		panic("boom")
	}
	for _, c := range w.chunks {
		if req.OnChunk != nil {
			req.OnChunk(c)
		}
	}
	if w.streamed != nil {
		close(w.streamed)
	}
	return w.result
}

func (w *fakeWorker) calls() []runner.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]runner.Request(nil), w.reqs...)
}

type fakeChecker struct {
	outcome periodic.Outcome
	fired   int
}

func (c *fakeChecker) Fire(ctx context.Context) periodic.Outcome { c.fired++; return c.outcome }
func (c *fakeChecker) Enabled() bool                              { return true }
func (c *fakeChecker) Next() time.Time                            { return time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC) }

func message(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 1, ChatID: 100, FromID: from, Text: text,
	}}
}

func newHandler(chat Chat, w Worker, state *busy.State, interval time.Duration, opts ...Option) *Handler {
	return New(Config{Owners: []int64{owner}, EditInterval: interval}, chat, w, state, logx.Nop(), opts...)
}

func TestNonOwnerIgnored(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	w := &fakeWorker{result: runner.Result{Text: "x", Success: true}}
	h := newHandler(chat, w, busy.New(), time.Hour)

	h.Handle(context.Background(), message(7, "do something"))

	if sends, edits := chat.snapshot(); len(sends)+len(edits) != 0 {
		t.Fatalf("non-owner got a reply: %v %v", sends, edits)
	}
	if len(w.calls()) != 0 {
		t.Fatal("worker ran for non-owner")
	}
}

func TestBusyReply(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	w := &fakeWorker{result: runner.Result{Text: "x", Success: true}}
	state := busy.New()
	release, _ := state.TryAcquire(busy.Queue)
	defer release()
	h := newHandler(chat, w, state, time.Hour)

	h.Handle(context.Background(), message(owner, "summarise"))

	sends, _ := chat.snapshot()
	if len(sends) != 1 || sends[0] != msgBusy {
		t.Fatalf("sends = %q", sends)
	}
	if len(w.calls()) != 0 {
		t.Fatal("worker ran while busy")
	}
	if !state.Held(busy.Queue) || state.Held(busy.Interactive) {
		t.Fatalf("flags changed: %+v", state.Snapshot())
	}
}

func TestRunStreamsEditsAndFinalizes(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	w := &fakeWorker{
		chunks: []string{"one ", "two ", "three"},
		result: runner.Result{Text: "one two three", Success: true},
	}
	state := busy.New()
	h := newHandler(chat, w, state, time.Nanosecond)

	h.Handle(context.Background(), message(owner, "count"))

	sends, edits := chat.snapshot()
	if len(sends) != 1 || sends[0] != msgWorking {
		t.Fatalf("sends = %q", sends)
	}
	if len(edits) < 2 {
		t.Fatalf("edits = %q, want streaming edits plus final", edits)
	}
	if got := edits[len(edits)-1]; got != "one two three" {
		t.Fatalf("final edit = %q", got)
	}
	if state.Busy() {
		t.Fatal("flag not released")
	}
	reqs := w.calls()
	if len(reqs) != 1 || reqs[0].Kind != task.KindAssistant || reqs[0].TurnBudget != DefaultTurnBudget || reqs[0].Source != "interactive" {
		t.Fatalf("request = %+v", reqs)
	}
}

func TestEditsAreThrottled(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	w := &fakeWorker{
		chunks: []string{"a", "b", "c", "d", "e"},
		result: runner.Result{Text: "abcde", Success: true},
	}
	h := newHandler(chat, w, busy.New(), time.Hour)

	h.Handle(context.Background(), message(owner, "go"))

	_, edits := chat.snapshot()
	if len(edits) != 1 || edits[0] != "abcde" {
		t.Fatalf("edits = %q, want only the final edit", edits)
	}
}

func TestLongOutputSplitsIntoFollowUps(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	long := strings.Repeat("x", transport.MaxMessageLen) + strings.Repeat("y", 500)
	w := &fakeWorker{result: runner.Result{Text: long, Success: true}}
	h := newHandler(chat, w, busy.New(), time.Hour)

	h.Handle(context.Background(), message(owner, "go"))

	sends, edits := chat.snapshot()
	if len(edits) != 1 || len(edits[0]) != transport.MaxMessageLen {
		t.Fatalf("edits = %d", len(edits))
	}
	if len(sends) != 2 || sends[1] != strings.Repeat("y", 500) {
		t.Fatalf("follow-ups = %d", len(sends)-1)
	}
}

func TestFailureAppendsHint(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{editErr: errors.New("message is not modified")}
	w := &fakeWorker{result: runner.Result{Text: "", Success: false, ErrorDetail: "exit code 1: 401 Unauthorized"}}
	state := busy.New()
	h := newHandler(chat, w, state, time.Hour)

	h.Handle(context.Background(), message(owner, "go"))

	_, edits := chat.snapshot()
	if len(edits) != 1 {
		t.Fatalf("edits = %q", edits)
	}
	if !strings.HasPrefix(edits[0], "exit code 1: 401 Unauthorized") || !strings.Contains(edits[0], "\n\nHint: ") {
		t.Fatalf("final text = %q", edits[0])
	}
	if state.Busy() {
		t.Fatal("flag not released after failure")
	}
}

func TestPanicReleasesFlag(t *testing.T) {
	t.Parallel()
	state := busy.New()
	chat := &fakeChat{}
	h := newHandler(chat, &fakeWorker{panics: true}, state, time.Hour)

	h.Handle(context.Background(), message(owner, "go"))

	if state.Busy() {
		t.Fatal("flag still set after panic")
	}
	sends, edits := chat.snapshot()
	if len(sends) != 1 || sends[0] != msgWorking {
		t.Fatalf("sends = %q", sends)
	}
	if len(edits) != 1 || edits[0] != msgCrashed {
		t.Fatalf("edits = %q, want the placeholder replaced by a failure notice", edits)
	}
}

// blockingChat holds every edit until release is closed.
type blockingChat struct {
	fakeChat
	release chan struct{}
}

func (b *blockingChat) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	<-b.release
	return b.fakeChat.EditText(ctx, ref, text, opt)
}

func TestSlowEditDoesNotStallOutput(t *testing.T) {
	t.Parallel()
	chat := &blockingChat{release: make(chan struct{})}
	w := &fakeWorker{
		chunks:   []string{"one ", "two ", "three"},
		result:   runner.Result{Text: "one two three", Success: true},
		streamed: make(chan struct{}),
	}
	h := newHandler(chat, w, busy.New(), time.Nanosecond)

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), message(owner, "count"))
		close(done)
	}()

	select {
	case <-w.streamed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker output stalled behind a chat edit")
	}
	select {
	case <-done:
		t.Fatal("final edit sent while a progress edit was still in flight")
	default:
	}
	close(chat.release)
	<-done

	_, edits := chat.snapshot()
	if len(edits) < 2 || edits[len(edits)-1] != "one two three" {
		t.Fatalf("edits = %q, want progress edit then final", edits)
	}
}

func TestQueueCommand(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	store := storage.NewMemory()
	h := newHandler(chat, &fakeWorker{}, busy.New(), time.Hour, WithStore(store))

	h.Handle(context.Background(), message(owner, "/queue Analytics last week only"))
	h.Handle(context.Background(), message(owner, "/queue bogus"))

	n, err := store.CountPending(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("pending = %d, %v", n, err)
	}
	rec, ok, err := store.ClaimNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if rec.Kind != task.KindAnalytics || rec.Instruction != "last week only" {
		t.Fatalf("record = %+v", rec)
	}
	sends, _ := chat.snapshot()
	if len(sends) != 2 || !strings.Contains(sends[0], rec.ID) || !strings.HasPrefix(sends[1], msgQueueUsage) {
		t.Fatalf("sends = %q", sends)
	}
}

func TestQueueWithoutStore(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	h := newHandler(chat, &fakeWorker{}, busy.New(), time.Hour)
	h.Handle(context.Background(), message(owner, "/queue monitor"))
	if sends, _ := chat.snapshot(); len(sends) != 1 || sends[0] != msgNoStore {
		t.Fatalf("sends = %q", sends)
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	store := storage.NewMemory()
	if _, err := store.Enqueue(context.Background(), task.KindMonitor, ""); err != nil {
		t.Fatal(err)
	}
	state := busy.New()
	release, _ := state.TryAcquire(busy.Periodic)
	defer release()
	h := newHandler(chat, &fakeWorker{}, state, time.Hour, WithStore(store), WithChecker(&fakeChecker{}))

	h.Handle(context.Background(), message(owner, "/status@conductor_bot"))

	sends, _ := chat.snapshot()
	if len(sends) != 1 {
		t.Fatalf("sends = %q", sends)
	}
	for _, want := range []string{"Worker: busy (periodic)", "Queue: 1 pending", "Self-check: next 2026-01-02T03:04:00Z"} {
		if !strings.Contains(sends[0], want) {
			t.Fatalf("status %q missing %q", sends[0], want)
		}
	}
}

func TestCheckCommand(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	chk := &fakeChecker{outcome: periodic.SkippedRunning}
	h := newHandler(chat, &fakeWorker{}, busy.New(), time.Hour, WithChecker(chk))

	h.Handle(context.Background(), message(owner, "/check"))

	sends, _ := chat.snapshot()
	if chk.fired != 1 || len(sends) != 2 || sends[1] != msgCheckActive {
		t.Fatalf("fired=%d sends=%q", chk.fired, sends)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, cmd, args string
	}{
		{"hello there", "", "hello there"},
		{"/status", "/status", ""},
		{"/Queue@bot monitor  check disks", "/queue", "monitor  check disks"},
	}
	for _, tt := range tests {
		cmd, args := splitCommand(tt.in)
		if cmd != tt.cmd || args != tt.args {
			t.Fatalf("splitCommand(%q) = %q, %q", tt.in, cmd, args)
		}
	}
}

func TestDispatchLoopHandlesUpdates(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	h := newHandler(chat, &fakeWorker{result: runner.Result{Success: true, Text: "Done."}}, busy.New(), time.Hour)

	updates := make(chan transport.Update, 1)
	updates <- message(owner, "/help")
	close(updates)
	if err := h.DispatchLoop(context.Background(), updates); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sends, _ := chat.snapshot(); len(sends) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("help reply not sent")
}
