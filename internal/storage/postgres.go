package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

const pgCols = `id, task_kind, status, instruction_text, partial_output, final_output, error_text, created_at, started_at, finished_at`

var pgIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// postgresStore talks to Postgres directly through a pgx pool. Claims use
// FOR UPDATE SKIP LOCKED so concurrent claimers never get the same row.
type postgresStore struct {
	pool  *pgxpool.Pool
	table string
	log   logx.Logger
}

// quoteTable turns "tasks" or "schema.tasks" into a quoted identifier.
func quoteTable(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "tasks"
	}
	if !pgIdent.MatchString(name) {
		return "", fmt.Errorf("storage.table: invalid identifier %q", name)
	}
	return pgx.Identifier(strings.Split(name, ".")).Sanitize(), nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	table, err := quoteTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage.dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poolCfg.ConnConfig.ConnectTimeout = timeout

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &postgresStore{pool: pool, table: table, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres store opened", logx.String("table", table), logx.Int("max_conns", int(poolCfg.MaxConns)))
	return s, nil
}

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
    id               TEXT PRIMARY KEY,
    task_kind        TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    instruction_text TEXT,
    partial_output   TEXT,
    final_output     TEXT,
    error_text       TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    finished_at      TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS ` + pgIndexName(s.table) + ` ON ` + s.table + ` (status, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// pgIndexName derives an unqualified index name from a quoted table.
func pgIndexName(quoted string) string {
	name := strings.ReplaceAll(quoted, `"`, "")
	name = strings.ReplaceAll(name, ".", "_")
	return pgx.Identifier{name + "_status_created_idx"}.Sanitize()
}

func claimSQL(table string) string {
	return `UPDATE ` + table + ` SET status = 'running', started_at = GREATEST(now(), created_at)
		WHERE id = (
			SELECT id FROM ` + table + `
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pgCols
}

func (s *postgresStore) ClaimNext(ctx context.Context) (task.Record, bool, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx, claimSQL(s.table)))
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Record{}, false, nil
	}
	if err != nil {
		return task.Record{}, false, fmt.Errorf("claim task: %w", err)
	}
	return rec, true, nil
}

func (s *postgresStore) UpdatePartial(ctx context.Context, id, partial string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.table+` SET partial_output = $1 WHERE id = $2 AND status = 'running'`, partial, id)
	return err
}

func (s *postgresStore) Complete(ctx context.Context, id, output string) error {
	return s.finish(ctx, id, task.StatusDone, "final_output", output)
}

func (s *postgresStore) Fail(ctx context.Context, id, errText string) error {
	return s.finish(ctx, id, task.StatusError, "error_text", errText)
}

func (s *postgresStore) finish(ctx context.Context, id string, st task.Status, col, text string) error {
	// GREATEST skips a NULL started_at.
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table+` SET status = $1, `+col+` = $2, finished_at = GREATEST(now(), started_at)
		 WHERE id = $3 AND status = 'running'`,
		string(st), text, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var cur string
	err = s.pool.QueryRow(ctx, `SELECT status FROM `+s.table+` WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, cur)
}

func (s *postgresStore) Enqueue(ctx context.Context, kind task.Kind, instruction string) (task.Record, error) {
	rec := task.Record{
		ID:          uuid.NewString(),
		Kind:        task.Normalize(kind),
		Status:      task.StatusPending,
		Instruction: strings.TrimSpace(instruction),
		CreatedAt:   now(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (id, task_kind, status, instruction_text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, string(rec.Kind), string(rec.Status), nullStr(rec.Instruction), rec.CreatedAt)
	if err != nil {
		return task.Record{}, fmt.Errorf("enqueue task: %w", err)
	}
	return rec, nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (task.Record, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx, `SELECT `+pgCols+` FROM `+s.table+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *postgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table+` WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (task.Record, error) {
	var (
		rec                            task.Record
		kind, status                   string
		instr, partial, final, errText *string
		started, finished              *time.Time
	)
	if err := row.Scan(&rec.ID, &kind, &status, &instr, &partial, &final, &errText, &rec.CreatedAt, &started, &finished); err != nil {
		return task.Record{}, err
	}
	rec.Kind = task.Kind(kind)
	rec.Status = task.Status(status)
	rec.Instruction = deref(instr)
	rec.PartialOutput = deref(partial)
	rec.FinalOutput = deref(final)
	rec.ErrorText = deref(errText)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.StartedAt = utcPtr(started)
	rec.FinishedAt = utcPtr(finished)
	return rec, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
