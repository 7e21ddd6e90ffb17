package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/task"
	logx "conductor/pkg/logx"
)

// postgrestStore talks to a hosted table over the PostgREST HTTP dialect
// (Supabase exposes it under /rest/v1). Claims are conditional PATCHes
// filtered on status, so a row lost to another claimer returns no rows.
type postgrestStore struct {
	base   string
	table  string
	apiKey string
	hc     *http.Client
	log    logx.Logger
}

func openPostgREST(cfg Config, log logx.Logger) (Store, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("storage.url is required for postgrest driver")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("storage.url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("storage.api_key is required for postgrest driver")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "tasks"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &postgrestStore{
		base:   base,
		table:  table,
		apiKey: cfg.APIKey,
		hc:     &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

func (s *postgrestStore) Close() error {
	s.hc.CloseIdleConnections()
	return nil
}

func (s *postgrestStore) ClaimNext(ctx context.Context) (task.Record, bool, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("status", "eq.pending")
	q.Set("order", "created_at.asc")
	q.Set("limit", "1")
	var rows []task.Record
	if _, err := s.do(ctx, http.MethodGet, q, nil, nil, &rows); err != nil {
		return task.Record{}, false, err
	}
	if len(rows) == 0 {
		return task.Record{}, false, nil
	}
	cand := rows[0]
	started := notBefore(now(), &cand.CreatedAt)

	q = url.Values{}
	q.Set("id", "eq."+cand.ID)
	q.Set("status", "eq.pending")
	body := map[string]any{"status": task.StatusRunning, "started_at": started}
	var claimed []task.Record
	if _, err := s.do(ctx, http.MethodPatch, q, body, preferRepresentation, &claimed); err != nil {
		return task.Record{}, false, err
	}
	if len(claimed) == 0 {
		s.log.Debug("claim lost to another poller", logx.String("task", cand.ID))
		return task.Record{}, false, nil
	}
	return claimed[0], true, nil
}

func (s *postgrestStore) UpdatePartial(ctx context.Context, id, partial string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("status", "eq.running")
	_, err := s.do(ctx, http.MethodPatch, q, map[string]any{"partial_output": partial}, preferMinimal, nil)
	return err
}

func (s *postgrestStore) Complete(ctx context.Context, id, output string) error {
	return s.finish(ctx, id, map[string]any{"status": task.StatusDone, "final_output": output, "finished_at": now()})
}

func (s *postgrestStore) Fail(ctx context.Context, id, errText string) error {
	return s.finish(ctx, id, map[string]any{"status": task.StatusError, "error_text": errText, "finished_at": now()})
}

func (s *postgrestStore) finish(ctx context.Context, id string, body map[string]any) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("status", "eq.running")
	var rows []task.Record
	if _, err := s.do(ctx, http.MethodPatch, q, body, preferRepresentation, &rows); err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not running", ErrConflict, id)
}

func (s *postgrestStore) Enqueue(ctx context.Context, kind task.Kind, instruction string) (task.Record, error) {
	rec := task.Record{
		ID:          uuid.NewString(),
		Kind:        task.Normalize(kind),
		Status:      task.StatusPending,
		Instruction: strings.TrimSpace(instruction),
		CreatedAt:   now(),
	}
	var rows []task.Record
	if _, err := s.do(ctx, http.MethodPost, nil, rec, preferRepresentation, &rows); err != nil {
		return task.Record{}, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	return rec, nil
}

func (s *postgrestStore) Get(ctx context.Context, id string) (task.Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)
	var rows []task.Record
	if _, err := s.do(ctx, http.MethodGet, q, nil, nil, &rows); err != nil {
		return task.Record{}, err
	}
	if len(rows) == 0 {
		return task.Record{}, ErrNotFound
	}
	return rows[0], nil
}

func (s *postgrestStore) CountPending(ctx context.Context) (int, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("status", "eq.pending")
	h := http.Header{}
	h.Set("Prefer", "count=exact")
	h.Set("Range-Unit", "items")
	h.Set("Range", "0-0")
	resp, err := s.do(ctx, http.MethodGet, q, nil, h, nil)
	if err != nil {
		return 0, err
	}
	return parseContentRangeTotal(resp.Get("Content-Range"))
}

var (
	preferRepresentation = http.Header{"Prefer": []string{"return=representation"}}
	preferMinimal        = http.Header{"Prefer": []string{"return=minimal"}}
)

// do sends one request and decodes a JSON response into out when non-nil.
// It returns the response headers.
func (s *postgrestStore) do(ctx context.Context, method string, q url.Values, body any, hdr http.Header, out any) (http.Header, error) {
	u := s.base + "/" + url.PathEscape(s.table)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("postgrest %s %s: %w", method, s.table, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("postgrest %s %s: read body: %w", method, s.table, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return nil, fmt.Errorf("postgrest %s %s: status %d: %s", method, s.table, resp.StatusCode, msg)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("postgrest %s %s: decode: %w", method, s.table, err)
		}
	}
	return resp.Header, nil
}

// parseContentRangeTotal reads N from "0-0/N" or "*/N".
func parseContentRangeTotal(v string) (int, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, fmt.Errorf("postgrest: unexpected Content-Range %q", v)
	}
	total := v[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("postgrest: count not returned in %q", v)
	}
	return strconv.Atoi(total)
}
