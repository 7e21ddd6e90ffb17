package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/busy"
	"conductor/internal/retry"
	"conductor/internal/runner"
	"conductor/internal/storage"
	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

type fakeWorker struct {
	mu     sync.Mutex
	reqs   []runner.Request
	result runner.Result
	chunks []string
	block  chan struct{}
}

func (w *fakeWorker) Run(ctx context.Context, req runner.Request) runner.Result {
	w.mu.Lock()
	w.reqs = append(w.reqs, req)
	w.mu.Unlock()
	if w.block != nil {
		<-w.block
	}
	for _, c := range w.chunks {
		req.OnChunk(c)
	}
	return w.result
}

func (w *fakeWorker) calls() []runner.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]runner.Request(nil), w.reqs...)
}

// countingStore counts writes and can fail the first n terminal writes.
type countingStore struct {
	storage.Store
	partials     atomic.Int32
	completes    atomic.Int32
	failTerminal atomic.Int32
}

func (s *countingStore) UpdatePartial(ctx context.Context, id, partial string) error {
	s.partials.Add(1)
	return s.Store.UpdatePartial(ctx, id, partial)
}

func (s *countingStore) Complete(ctx context.Context, id, output string) error {
	s.completes.Add(1)
	if s.failTerminal.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.Store.Complete(ctx, id, output)
}

var noSleep = retry.Options{Sleep: func(context.Context, time.Duration) error { return nil }}

func newPoller(store storage.Store, w Worker) (*Poller, *busy.State) {
	st := busy.New()
	return New(Config{Retry: noSleep}, store, w, st, nil, logx.Nop()), st
}

func TestTickClaimsOldestThenNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	first, _ := store.Enqueue(ctx, task.KindMonitor, "first")
	second, _ := store.Enqueue(ctx, task.KindMonitor, "second")

	w := &fakeWorker{result: runner.Result{Text: "ok", Success: true}}
	p, state := newPoller(store, w)

	p.Tick(ctx)
	p.Wait()
	if got := w.calls(); len(got) != 1 || got[0].Instruction != "first" {
		t.Fatalf("first tick ran %+v", got)
	}
	row, _ := store.Get(ctx, first.ID)
	if row.Status != task.StatusDone {
		t.Fatalf("first status = %s", row.Status)
	}
	row, _ = store.Get(ctx, second.ID)
	if row.Status != task.StatusPending {
		t.Fatalf("second claimed early: %s", row.Status)
	}

	p.Tick(ctx)
	p.Wait()
	if got := w.calls(); len(got) != 2 || got[1].Instruction != "second" || got[1].TurnBudget != 40 || got[1].Source != "queue" {
		t.Fatalf("second tick ran %+v", got)
	}
	if state.Busy() {
		t.Fatal("queue flag not released")
	}
}

func TestDebouncedPartialWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	rec, _ := mem.Enqueue(ctx, task.KindAnalytics, "")
	store := &countingStore{Store: mem}

	w := &fakeWorker{result: runner.Result{Text: "final", Success: true}}
	for i := 0; i < 10; i++ {
		w.chunks = append(w.chunks, "chunk ")
	}
	p, _ := newPoller(store, w)
	p.Tick(ctx)
	p.Wait()

	if n := store.partials.Load(); n > 1 {
		t.Fatalf("intermediate writes = %d, want at most 1", n)
	}
	row, _ := mem.Get(ctx, rec.ID)
	if row.Status != task.StatusDone || row.FinalOutput != "final" {
		t.Fatalf("row = %+v", row)
	}
}

func TestFailureRecordsErrorText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name string
		res  runner.Result
		want string
	}{
		{"detail preferred", runner.Result{Text: "partial", ErrorDetail: "exit code 2: bad"}, "exit code 2: bad"},
		{"text fallback", runner.Result{Text: "worker exited with code 2"}, "worker exited with code 2"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := storage.NewMemory()
			rec, _ := store.Enqueue(ctx, task.KindMonitor, "")
			p, _ := newPoller(store, &fakeWorker{result: tt.res})
			p.Tick(ctx)
			p.Wait()
			row, _ := store.Get(ctx, rec.ID)
			if row.Status != task.StatusError || row.ErrorText != tt.want || row.FinishedAt == nil {
				t.Fatalf("row = %+v", row)
			}
		})
	}
}

func TestTerminalWriteIsRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	rec, _ := mem.Enqueue(ctx, task.KindMonitor, "")
	store := &countingStore{Store: mem}
	store.failTerminal.Store(2)

	p, _ := newPoller(store, &fakeWorker{result: runner.Result{Text: "ok", Success: true}})
	p.Tick(ctx)
	p.Wait()

	if n := store.completes.Load(); n != 3 {
		t.Fatalf("complete attempts = %d, want 3", n)
	}
	row, _ := mem.Get(ctx, rec.ID)
	if row.Status != task.StatusDone {
		t.Fatalf("status = %s", row.Status)
	}
}

func TestTickSkipsWhileOtherOwnerBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	rec, _ := store.Enqueue(ctx, task.KindMonitor, "")
	w := &fakeWorker{result: runner.Result{Success: true, Text: "x"}}
	p, state := newPoller(store, w)

	release, _ := state.TryAcquire(busy.Interactive)
	p.Tick(ctx)
	if len(w.calls()) != 0 {
		t.Fatal("worker ran while interactive held the flag")
	}
	row, _ := store.Get(ctx, rec.ID)
	if row.Status != task.StatusPending {
		t.Fatalf("status = %s", row.Status)
	}
	if !state.Held(busy.Interactive) {
		t.Fatal("queue cleared the interactive flag")
	}
	release()
}

func TestOverlappingTickIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	_, _ = store.Enqueue(ctx, task.KindMonitor, "")
	_, _ = store.Enqueue(ctx, task.KindMonitor, "")
	w := &fakeWorker{result: runner.Result{Success: true, Text: "x"}, block: make(chan struct{})}
	p, _ := newPoller(store, w)

	done := make(chan struct{})
	go func() {
		p.Tick(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(w.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Tick(ctx) {
		t.Fatal("overlapping tick should be dropped")
	}
	close(w.block)
	<-done
	if n := len(w.calls()); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestNilStoreIsInert(t *testing.T) {
	t.Parallel()
	p, _ := newPoller(nil, &fakeWorker{})
	if p.Tick(context.Background()) {
		t.Fatal("tick without store should be a no-op")
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Pending assistant "ping", worker exits 0 with no output -> done, "Done.".
func TestEndToEndAssistantPing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "assistant.md"), []byte("preamble"), 0o644); err != nil {
		t.Fatal(err)
	}
	exe := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	rec, _ := store.Enqueue(ctx, task.KindAssistant, "ping")

	r := runner.New(runner.Config{Executable: exe, TemplateDir: dir, WorkDir: dir}, logx.Nop(), nil)
	p, _ := newPoller(store, r)
	p.Tick(ctx)
	p.Wait()

	row, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != task.StatusDone || row.FinalOutput != "Done." {
		t.Fatalf("row = %+v", row)
	}
}
