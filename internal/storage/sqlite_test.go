package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q", "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteClaimsOldestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	first, err := st.Enqueue(ctx, task.KindMonitor, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, _ := st.Enqueue(ctx, task.KindAnalytics, "last week")

	got, ok, err := st.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if got.ID != first.ID || got.Status != task.StatusRunning || got.StartedAt == nil {
		t.Fatalf("claimed %+v, want %s running", got, first.ID)
	}
	if got.StartedAt.Before(got.CreatedAt) {
		t.Fatal("started_at before created_at")
	}
	if err := st.Complete(ctx, got.ID, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	next, ok, err := st.ClaimNext(ctx)
	if err != nil || !ok || next.ID != second.ID || next.Instruction != "last week" {
		t.Fatalf("second claim = %+v ok=%v err=%v", next, ok, err)
	}
	if _, ok, _ := st.ClaimNext(ctx); ok {
		t.Fatal("nothing should be pending")
	}
}

func TestSQLiteTerminalWritesHappenOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	rec, _ := st.Enqueue(ctx, task.KindAssistant, "ping")
	if err := st.Complete(ctx, rec.ID, "early"); !errors.Is(err, ErrConflict) {
		t.Fatalf("complete on pending: %v", err)
	}
	if _, ok, _ := st.ClaimNext(ctx); !ok {
		t.Fatal("claim failed")
	}
	if err := st.UpdatePartial(ctx, rec.ID, "half"); err != nil {
		t.Fatalf("partial: %v", err)
	}
	if err := st.Fail(ctx, rec.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := st.Complete(ctx, rec.ID, "late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second terminal write: %v", err)
	}
	// A late partial write must not touch a terminal row.
	if err := st.UpdatePartial(ctx, rec.ID, "late partial"); err != nil {
		t.Fatalf("late partial: %v", err)
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusError || got.ErrorText != "boom" || got.PartialOutput != "half" || got.FinalOutput != "" {
		t.Fatalf("row = %+v", got)
	}
	if got.FinishedAt == nil || got.FinishedAt.Before(*got.StartedAt) {
		t.Fatalf("finished_at = %v, started_at = %v", got.FinishedAt, got.StartedAt)
	}
	if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if err := st.Fail(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fail missing: %v", err)
	}
}

func TestSQLiteCountPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)
	for i := 0; i < 3; i++ {
		_, _ = st.Enqueue(ctx, task.KindMonitor, "")
	}
	_, _, _ = st.ClaimNext(ctx)
	if n, err := st.CountPending(ctx); err != nil || n != 2 {
		t.Fatalf("pending = %d err=%v", n, err)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without path should fail")
	}
}
