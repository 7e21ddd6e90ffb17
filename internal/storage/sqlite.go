package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// Fixed width so text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const selectCols = `id, task_kind, status, instruction_text, partial_output, final_output, error_text, created_at, started_at, finished_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the claim transaction relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ClaimNext(ctx context.Context) (rec task.Record, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Record{}, false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+selectCols+` FROM tasks
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, false, nil
	}
	if err != nil {
		return task.Record{}, false, err
	}

	started := notBefore(now(), &rec.CreatedAt)
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		started.Format(tsLayout), rec.ID)
	if err != nil {
		return task.Record{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return task.Record{}, false, nil
	}
	if err = tx.Commit(); err != nil {
		return task.Record{}, false, err
	}
	rec.Status = task.StatusRunning
	rec.StartedAt = &started
	return rec, true, nil
}

func (s *sqliteStore) UpdatePartial(ctx context.Context, id, partial string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET partial_output = ? WHERE id = ? AND status = 'running'`, partial, id)
	return err
}

func (s *sqliteStore) Complete(ctx context.Context, id, output string) error {
	return s.finish(ctx, id, task.StatusDone, "final_output", output)
}

func (s *sqliteStore) Fail(ctx context.Context, id, errText string) error {
	return s.finish(ctx, id, task.StatusError, "error_text", errText)
}

func (s *sqliteStore) finish(ctx context.Context, id string, st task.Status, col, text string) error {
	// MAX keeps finished_at >= started_at; both use tsLayout.
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, `+col+` = ?, finished_at = MAX(?, COALESCE(started_at, ''))
		 WHERE id = ? AND status = 'running'`,
		string(st), text, now().Format(tsLayout), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, cur)
}

func (s *sqliteStore) Enqueue(ctx context.Context, kind task.Kind, instruction string) (task.Record, error) {
	rec := task.Record{
		ID:          uuid.NewString(),
		Kind:        task.Normalize(kind),
		Status:      task.StatusPending,
		Instruction: strings.TrimSpace(instruction),
		CreatedAt:   now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, task_kind, status, instruction_text, created_at) VALUES(?,?,?,?,?)`,
		rec.ID, string(rec.Kind), string(rec.Status), nullStr(rec.Instruction), rec.CreatedAt.Format(tsLayout))
	if err != nil {
		return task.Record{}, err
	}
	return rec, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (task.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'pending'`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (task.Record, error) {
	var (
		rec                            task.Record
		kind, status, created          string
		instr, partial, final, errText sql.NullString
		started, finished              sql.NullString
	)
	if err := row.Scan(&rec.ID, &kind, &status, &instr, &partial, &final, &errText, &created, &started, &finished); err != nil {
		return task.Record{}, err
	}
	rec.Kind = task.Kind(kind)
	rec.Status = task.Status(status)
	rec.Instruction = instr.String
	rec.PartialOutput = partial.String
	rec.FinalOutput = final.String
	rec.ErrorText = errText.String

	var err error
	if rec.CreatedAt, err = parseTS(created); err != nil {
		return task.Record{}, fmt.Errorf("created_at: %w", err)
	}
	rec.StartedAt = parseNullTS(started)
	rec.FinishedAt = parseNullTS(finished)
	return rec, nil
}

// parseTS accepts tsLayout and RFC 3339 for rows inserted by other tools.
func parseTS(v string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t.UTC(), err
}

func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
