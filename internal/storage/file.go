package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const compactEvery = 500

// fileStore is the memory table made durable without a database.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot, one JSON array)
//   - <prefix>.tasks.journal.jsonl (append-only, one full row per write)
//
// The journal is compacted into the snapshot every compactEvery writes
// and on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{memStore: newMemStore(), log: log, snapshotPath: prefix + ".tasks.snapshot.json"}
	journalPath := prefix + ".tasks.journal.jsonl"
	if err := fs.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := fs.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task journal replay stopped", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs.journal = jf
	fs.persist = fs.append
	return fs, nil
}

// append runs under memStore.mu.
func (s *fileStore) append(rec task.Record) error {
	if s.journal == nil {
		return errors.New("task journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(&rec); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked snapshots the table with pending applied. A journal
// append runs before its row is committed, so it passes that row here.
func (s *fileStore) compactLocked(pending *task.Record) error {
	rows := make([]task.Record, 0, len(s.order)+1)
	seen := pending == nil
	for _, id := range s.order {
		if pending != nil && id == pending.ID {
			rows = append(rows, *pending)
			seen = true
			continue
		}
		rows = append(rows, *s.rows[id])
	}
	if !seen {
		rows = append(rows, *pending)
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var rows []task.Record
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return err
	}
	for _, r := range rows {
		s.put(r)
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r task.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		s.put(r)
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked(nil)
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
