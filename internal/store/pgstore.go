package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ronappleton/runbook-engine/internal/healing"
	"github.com/ronappleton/runbook-engine/internal/runbook"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &PGStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists runbook_engine_runbooks (
  id text primary key,
  version int not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create table if not exists runbook_engine_runbook_versions (
  runbook_id text not null,
  version int not null,
  payload jsonb not null,
  created_at timestamptz not null,
  primary key (runbook_id, version)
);
create table if not exists runbook_engine_executions (
  id text primary key,
  runbook_id text not null,
  status text not null,
  payload jsonb not null,
  started_at timestamptz not null
);
create table if not exists runbook_engine_step_executions (
  execution_id text not null,
  step_id text not null,
  position int not null,
  status text not null,
  payload jsonb not null,
  primary key (execution_id, step_id)
);
create table if not exists runbook_engine_rules (
  id text primary key,
  enabled boolean not null,
  payload jsonb not null
);
create table if not exists runbook_engine_healing_executions (
  id text primary key,
  rule_id text not null,
  status text not null,
  payload jsonb not null,
  started_at timestamptz not null
);
create index if not exists runbook_engine_healing_rule_started on runbook_engine_healing_executions (rule_id, started_at);
`)
	return err
}

func (s *PGStore) SaveRunbook(ctx context.Context, rb runbook.Runbook) (runbook.Runbook, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runbook.Runbook{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var version int
	var created time.Time
	err = tx.QueryRowContext(ctx, `select version, created_at from runbook_engine_runbooks where id=$1 for update`, rb.ID).Scan(&version, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rb.Version = 1
		rb.CreatedAt = now
	case err != nil:
		return runbook.Runbook{}, err
	default:
		rb.Version = version + 1
		rb.CreatedAt = created
	}
	rb.UpdatedAt = now

	b, err := json.Marshal(rb)
	if err != nil {
		return runbook.Runbook{}, err
	}
	if _, err := tx.ExecContext(ctx, `insert into runbook_engine_runbooks (id, version, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5)
on conflict (id) do update set version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`,
		rb.ID, rb.Version, b, rb.CreatedAt, rb.UpdatedAt); err != nil {
		return runbook.Runbook{}, err
	}
	if _, err := tx.ExecContext(ctx, `insert into runbook_engine_runbook_versions (runbook_id, version, payload, created_at) values ($1,$2,$3,$4)`,
		rb.ID, rb.Version, b, now); err != nil {
		return runbook.Runbook{}, err
	}
	return rb, tx.Commit()
}

func (s *PGStore) GetRunbook(ctx context.Context, id string) (runbook.Runbook, error) {
	return s.scanRunbook(s.db.QueryRowContext(ctx, `select payload from runbook_engine_runbooks where id=$1`, id))
}

func (s *PGStore) GetRunbookVersion(ctx context.Context, id string, version int) (runbook.Runbook, error) {
	return s.scanRunbook(s.db.QueryRowContext(ctx,
		`select payload from runbook_engine_runbook_versions where runbook_id=$1 and version=$2`, id, version))
}

func (s *PGStore) scanRunbook(row *sql.Row) (runbook.Runbook, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runbook.Runbook{}, notFound(runbook.ErrRunbookNotFound)
		}
		return runbook.Runbook{}, err
	}
	return decodeRunbook(raw)
}

func decodeRunbook(raw []byte) (runbook.Runbook, error) {
	var rb runbook.Runbook
	if err := json.Unmarshal(raw, &rb); err != nil {
		return runbook.Runbook{}, err
	}
	return rb, nil
}

func (s *PGStore) ListRunbooks(ctx context.Context) ([]runbook.Runbook, error) {
	return s.queryRunbooks(ctx, `select payload, created_at, updated_at from runbook_engine_runbooks order by created_at, id`)
}

func (s *PGStore) ListRunbookVersions(ctx context.Context, id string) ([]runbook.Runbook, error) {
	return s.queryRunbooks(ctx, `select payload, created_at, created_at from runbook_engine_runbook_versions where runbook_id=$1 order by version`, id)
}

func (s *PGStore) queryRunbooks(ctx context.Context, q string, args ...any) ([]runbook.Runbook, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runbook.Runbook
	for rows.Next() {
		var raw []byte
		var created, updated time.Time
		if err := rows.Scan(&raw, &created, &updated); err != nil {
			return nil, err
		}
		rb, err := decodeRunbook(raw)
		if err != nil {
			return nil, err
		}
		rb.CreatedAt, rb.UpdatedAt = created, updated
		out = append(out, rb)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteRunbook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from runbook_engine_runbooks where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(runbook.ErrRunbookNotFound)
	}
	return nil
}

func (s *PGStore) CreateExecution(ctx context.Context, e runbook.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := writeExecution(ctx, tx, e, true); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) UpdateExecution(ctx context.Context, e runbook.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := writeExecution(ctx, tx, e, false); err != nil {
		return err
	}
	return tx.Commit()
}

func writeExecution(ctx context.Context, tx *sql.Tx, e runbook.Execution, insert bool) error {
	steps := e.Steps
	e.Steps = nil
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if insert {
		_, err = tx.ExecContext(ctx, `insert into runbook_engine_executions (id, runbook_id, status, payload, started_at) values ($1,$2,$3,$4,$5)`,
			e.ID, e.RunbookID, string(e.Status), b, e.StartedAt)
		if err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx, `update runbook_engine_executions set status=$2, payload=$3 where id=$1`, e.ID, string(e.Status), b)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(runbook.ErrExecutionNotFound)
		}
	}
	for i, st := range steps {
		if err := upsertStep(ctx, tx, e.ID, i, st); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStep(ctx context.Context, db execer, executionID string, position int, st runbook.StepExecution) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `insert into runbook_engine_step_executions (execution_id, step_id, position, status, payload)
values ($1,$2,$3,$4,$5)
on conflict (execution_id, step_id) do update set status = excluded.status, payload = excluded.payload`,
		executionID, st.StepID, position, string(st.Status), b)
	return err
}

func (s *PGStore) UpdateStepExecution(ctx context.Context, executionID string, step runbook.StepExecution) error {
	var position int
	err := s.db.QueryRowContext(ctx, `select coalesce(
  (select position from runbook_engine_step_executions where execution_id=$1 and step_id=$2),
  (select count(*) from runbook_engine_step_executions where execution_id=$1))`, executionID, step.StepID).Scan(&position)
	if err != nil {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from runbook_engine_executions where id=$1)`, executionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound(runbook.ErrExecutionNotFound)
	}
	return upsertStep(ctx, s.db, executionID, position, step)
}

func (s *PGStore) GetExecution(ctx context.Context, id string) (runbook.Execution, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select payload from runbook_engine_executions where id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runbook.Execution{}, notFound(runbook.ErrExecutionNotFound)
		}
		return runbook.Execution{}, err
	}
	var e runbook.Execution
	if err := json.Unmarshal(raw, &e); err != nil {
		return runbook.Execution{}, err
	}
	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return runbook.Execution{}, err
	}
	e.Steps = steps
	return e, nil
}

func (s *PGStore) loadSteps(ctx context.Context, executionID string) ([]runbook.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `select payload from runbook_engine_step_executions where execution_id=$1 order by position`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runbook.StepExecution
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st runbook.StepExecution
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PGStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]runbook.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.RunbookID != "" {
		args = append(args, f.RunbookID)
		where = append(where, fmt.Sprintf("runbook_id=$%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		var ph []string
		for _, st := range f.Statuses {
			args = append(args, string(st))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status in ("+strings.Join(ph, ",")+")")
	}
	q := `select id from runbook_engine_executions`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by started_at desc"
	if f.Limit > 0 {
		q += fmt.Sprintf(" limit %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]runbook.Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *PGStore) CreateRule(ctx context.Context, r healing.Rule) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into runbook_engine_rules (id, enabled, payload) values ($1,$2,$3)`, r.ID, r.IsEnabled, b)
	return err
}

func (s *PGStore) UpdateRule(ctx context.Context, r healing.Rule) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update runbook_engine_rules set enabled=$2, payload=$3 where id=$1`, r.ID, r.IsEnabled, b)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(healing.ErrRuleNotFound)
	}
	return nil
}

func (s *PGStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from runbook_engine_rules where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(healing.ErrRuleNotFound)
	}
	return nil
}

func (s *PGStore) GetRule(ctx context.Context, id string) (healing.Rule, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select payload from runbook_engine_rules where id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return healing.Rule{}, notFound(healing.ErrRuleNotFound)
		}
		return healing.Rule{}, err
	}
	var r healing.Rule
	return r, json.Unmarshal(raw, &r)
}

func (s *PGStore) ListRules(ctx context.Context, enabledOnly bool) ([]healing.Rule, error) {
	q := `select payload from runbook_engine_rules`
	if enabledOnly {
		q += ` where enabled`
	}
	rows, err := s.db.QueryContext(ctx, q+` order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []healing.Rule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r healing.Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateHealingExecution(ctx context.Context, e healing.Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into runbook_engine_healing_executions (id, rule_id, status, payload, started_at) values ($1,$2,$3,$4,$5)`,
		e.ID, e.RuleID, string(e.Status), b, e.StartedAt)
	return err
}

func (s *PGStore) UpdateHealingExecution(ctx context.Context, e healing.Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update runbook_engine_healing_executions set status=$2, payload=$3 where id=$1`, e.ID, string(e.Status), b)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(healing.ErrExecutionNotFound)
	}
	return nil
}

func (s *PGStore) GetHealingExecution(ctx context.Context, id string) (healing.Execution, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select payload from runbook_engine_healing_executions where id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return healing.Execution{}, notFound(healing.ErrExecutionNotFound)
		}
		return healing.Execution{}, err
	}
	var e healing.Execution
	return e, json.Unmarshal(raw, &e)
}

func (s *PGStore) ListHealingExecutions(ctx context.Context, f healing.ExecutionFilter) ([]healing.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		where = append(where, fmt.Sprintf("rule_id=$%d", len(args)))
	}
	if f.AlertID != "" {
		args = append(args, f.AlertID)
		where = append(where, fmt.Sprintf("payload->>'alert_id'=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	q := `select payload from runbook_engine_healing_executions`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by started_at desc"
	if f.Limit > 0 {
		q += fmt.Sprintf(" limit %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []healing.Execution
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e healing.Execution
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) CountHealingExecutionsSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from runbook_engine_healing_executions where rule_id=$1 and started_at >= $2`, ruleID, since).Scan(&n)
	return n, err
}

func (s *PGStore) LastHealingExecutionStart(ctx context.Context, ruleID string) (time.Time, bool, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `select max(started_at) from runbook_engine_healing_executions where rule_id=$1`, ruleID).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	return last.Time, last.Valid, nil
}
