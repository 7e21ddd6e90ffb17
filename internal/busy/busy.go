// Package busy holds the process-wide flags that advertise which entry
// point currently occupies the worker.
package busy

import "sync"

type Owner int

const (
	Queue Owner = iota
	Periodic
	Interactive
	numOwners
)

func (o Owner) String() string {
	switch o {
	case Queue:
		return "queue"
	case Periodic:
		return "periodic"
	case Interactive:
		return "interactive"
	default:
		return "unknown"
	}
}

// State is one instance per process. Each flag is written only by its
// owner; the check of all flags and the set of the owner's flag happen
// under one lock so two entry points cannot both start.
type State struct {
	mu    sync.Mutex
	flags [numOwners]bool
}

func New() *State { return &State{} }

// TryAcquire sets owner's flag when no flag is set. The returned release
// clears only that flag and is safe to call more than once.
func (s *State) TryAcquire(owner Owner) (release func(), ok bool) {
	if owner < 0 || owner >= numOwners {
		return func() {}, false
	}
	s.mu.Lock()
	for _, f := range s.flags {
		if f {
			s.mu.Unlock()
			return func() {}, false
		}
	}
	s.flags[owner] = true
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.flags[owner] = false
			s.mu.Unlock()
		})
	}, true
}

// Busy reports whether any flag is set.
func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flags {
		if f {
			return true
		}
	}
	return false
}

// Held reports owner's flag.
func (s *State) Held(owner Owner) bool {
	if owner < 0 || owner >= numOwners {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[owner]
}

type Snapshot struct {
	Queue       bool `json:"queue"`
	Periodic    bool `json:"periodic"`
	Interactive bool `json:"interactive"`
}

// Holder names the owner currently holding the worker, or "".
func (s Snapshot) Holder() string {
	switch {
	case s.Queue:
		return Queue.String()
	case s.Periodic:
		return Periodic.String()
	case s.Interactive:
		return Interactive.String()
	}
	return ""
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Queue:       s.flags[Queue],
		Periodic:    s.flags[Periodic],
		Interactive: s.flags[Interactive],
	}
}
