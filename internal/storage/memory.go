package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"conductor/internal/task"
)

// memStore keeps the table in memory. persist, when set, is called under
// the lock with the new row before it is committed; a persist error leaves
// the table unchanged.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*task.Record
	order   []string
	persist func(task.Record) error
	closed  bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{rows: map[string]*task.Record{}}
}

// put inserts or replaces a row without persisting it. Used by replay.
func (s *memStore) put(rec task.Record) {
	if _, ok := s.rows[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	r := rec
	s.rows[rec.ID] = &r
}

// commit persists next and only then stores it.
func (s *memStore) commit(next task.Record) error {
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return err
		}
	}
	*s.rows[next.ID] = next
	return nil
}

func (s *memStore) ClaimNext(ctx context.Context) (task.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return task.Record{}, false, ErrDisabled
	}
	var oldest *task.Record
	for _, id := range s.order {
		r := s.rows[id]
		if r.Status != task.StatusPending {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return task.Record{}, false, nil
	}
	next := *oldest
	started := notBefore(now(), &next.CreatedAt)
	next.Status = task.StatusRunning
	next.StartedAt = &started
	if err := s.commit(next); err != nil {
		return task.Record{}, false, err
	}
	return next, true, nil
}

func (s *memStore) UpdatePartial(ctx context.Context, id, partial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != task.StatusRunning {
		return nil
	}
	next := *r
	next.PartialOutput = partial
	return s.commit(next)
}

func (s *memStore) Complete(ctx context.Context, id, output string) error {
	return s.finish(id, task.StatusDone, output)
}

func (s *memStore) Fail(ctx context.Context, id, errText string) error {
	return s.finish(id, task.StatusError, errText)
}

func (s *memStore) finish(id string, st task.Status, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != task.StatusRunning {
		return ErrConflict
	}
	next := *r
	fin := notBefore(now(), next.StartedAt)
	next.Status = st
	next.FinishedAt = &fin
	if st == task.StatusDone {
		next.FinalOutput = text
	} else {
		next.ErrorText = text
	}
	return s.commit(next)
}

func (s *memStore) Enqueue(ctx context.Context, kind task.Kind, instruction string) (task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return task.Record{}, ErrDisabled
	}
	rec := task.Record{
		ID:          uuid.NewString(),
		Kind:        task.Normalize(kind),
		Status:      task.StatusPending,
		Instruction: strings.TrimSpace(instruction),
		CreatedAt:   now(),
	}
	// Keep created_at strictly increasing in insertion order.
	if n := len(s.order); n > 0 {
		if last := s.rows[s.order[n-1]].CreatedAt; !rec.CreatedAt.After(last) {
			rec.CreatedAt = last.Add(1)
		}
	}
	if s.persist != nil {
		if err := s.persist(rec); err != nil {
			return task.Record{}, err
		}
	}
	s.put(rec)
	return rec, nil
}

func (s *memStore) Get(ctx context.Context, id string) (task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return task.Record{}, ErrNotFound
	}
	return *r, nil
}

func (s *memStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.Status == task.StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
