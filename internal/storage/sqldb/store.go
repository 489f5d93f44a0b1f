// Package sqldb implements the storage interfaces over sqlx. SQLite is the
// default deployment; the dialect layer keeps the queries portable to
// PostgreSQL.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage/dialect"
)

// Store is the SQL implementation of storage.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string
	DSN    string
}

// New opens the database, runs dialect init statements, and ensures the
// schema exists.
func New(cfg Config) (*Store, error) {
	d, err := dialect.New(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range d.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init statement %q: %w", stmt, err)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	workflow TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	cheap_calls INTEGER NOT NULL DEFAULT 0,
	cheap_tokens INTEGER NOT NULL DEFAULT 0,
	quality_calls INTEGER NOT NULL DEFAULT 0,
	quality_input_tokens INTEGER NOT NULL DEFAULT 0,
	quality_output_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	heartbeat_at TIMESTAMP,
	duration_seconds REAL NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	workflow TEXT NOT NULL,
	status TEXT NOT NULL,
	send_status TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id)
)`,
		`CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	workflow TEXT NOT NULL DEFAULT '',
	step TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	model_class TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd REAL NOT NULL DEFAULT 0,
	input_summary TEXT NOT NULL DEFAULT '',
	output_summary TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS budget_states (
	tenant_id TEXT NOT NULL,
	day TEXT NOT NULL,
	runs_used INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	breaker TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	tripped_at TIMESTAMP,
	cooldown_ns INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, day)
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant_created ON runs(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_tenant ON cases(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tenant_created ON audit_entries(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	query := s.dialect.Rebind(`INSERT INTO runs (
	id, tenant_id, workflow, status, current_step, error_message,
	cheap_calls, cheap_tokens, quality_calls, quality_input_tokens,
	quality_output_tokens, estimated_cost_usd,
	created_at, started_at, completed_at, heartbeat_at, duration_seconds
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TenantID, run.Workflow, run.Status, run.CurrentStep, run.ErrorMessage,
		run.CheapCalls, run.CheapTokens, run.QualityCalls, run.QualityInputTokens,
		run.QualityOutputTokens, run.EstimatedCostUSD,
		run.CreatedAt, run.StartedAt, run.CompletedAt, run.HeartbeatAt, run.DurationSeconds)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	query := s.dialect.Rebind(`SELECT * FROM runs WHERE id = ?`)

	var run domain.Run
	err := s.db.GetContext(ctx, &run, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (s *Store) ClaimRun(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	query := s.dialect.Rebind(`UPDATE runs
	SET status = ?, started_at = ?, heartbeat_at = ?
	WHERE id = ? AND status = ?`)

	res, err := s.db.ExecContext(ctx, query, domain.RunRunning, startedAt, startedAt, id, domain.RunQueued)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReclaimRun(ctx context.Context, id string, observed, heartbeatAt time.Time) (bool, error) {
	query := s.dialect.Rebind(`UPDATE runs
	SET heartbeat_at = ?
	WHERE id = ? AND status = ? AND heartbeat_at = ?`)

	res, err := s.db.ExecContext(ctx, query, heartbeatAt, id, domain.RunRunning, observed)
	if err != nil {
		return false, fmt.Errorf("reclaim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim run rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	query := s.dialect.Rebind(`UPDATE runs SET
	status = ?, current_step = ?, error_message = ?,
	cheap_calls = ?, cheap_tokens = ?, quality_calls = ?,
	quality_input_tokens = ?, quality_output_tokens = ?, estimated_cost_usd = ?,
	started_at = ?, completed_at = ?, heartbeat_at = ?, duration_seconds = ?
	WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query,
		run.Status, run.CurrentStep, run.ErrorMessage,
		run.CheapCalls, run.CheapTokens, run.QualityCalls,
		run.QualityInputTokens, run.QualityOutputTokens, run.EstimatedCostUSD,
		run.StartedAt, run.CompletedAt, run.HeartbeatAt, run.DurationSeconds,
		run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFound("run", run.ID)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*domain.Run, error) {
	var conds []string
	var args []any
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, filter.Workflow)
	}

	query := `SELECT * FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	var runs []*domain.Run
	if err := s.db.SelectContext(ctx, &runs, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *Store) CreateCase(ctx context.Context, c *domain.Case) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal case: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO cases (
	id, run_id, tenant_id, workflow, status, send_status, payload, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.RunID, c.TenantID, c.Workflow, c.Status, c.SendStatus,
		string(payload), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	return s.getCaseWhere(ctx, "id = ?", id, "case")
}

func (s *Store) GetCaseByRun(ctx context.Context, runID string) (*domain.Case, error) {
	return s.getCaseWhere(ctx, "run_id = ?", runID, "case for run")
}

func (s *Store) getCaseWhere(ctx context.Context, cond, arg, kind string) (*domain.Case, error) {
	query := s.dialect.Rebind(`SELECT payload FROM cases WHERE ` + cond)

	var payload string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(kind, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}

	var c domain.Case
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("unmarshal case: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateCase(ctx context.Context, c *domain.Case) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal case: %w", err)
	}

	query := s.dialect.Rebind(`UPDATE cases
	SET status = ?, send_status = ?, payload = ?, updated_at = ?
	WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, c.Status, c.SendStatus, string(payload), c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFound("case", c.ID)
	}
	return nil
}

func (s *Store) UpsertTenant(ctx context.Context, t *domain.Tenant) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tenant: %w", err)
	}

	upsert := s.dialect.UpsertClause([]string{"id"}, []string{"slug", "name", "payload", "updated_at"})
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO tenants (
	id, slug, name, payload, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?) %s`, upsert))

	_, err = s.db.ExecContext(ctx, query, t.ID, t.Slug, t.Name, string(payload), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	return s.getTenantWhere(ctx, "id = ?", id)
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	return s.getTenantWhere(ctx, "slug = ?", slug)
}

func (s *Store) getTenantWhere(ctx context.Context, cond, arg string) (*domain.Tenant, error) {
	query := s.dialect.Rebind(`SELECT payload FROM tenants WHERE ` + cond)

	var payload string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("tenant", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	var t domain.Tenant
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("unmarshal tenant: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	query := s.dialect.Rebind(`SELECT payload FROM tenants ORDER BY slug ASC`)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		var t domain.Tenant
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("unmarshal tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	query := s.dialect.Rebind(`INSERT INTO audit_entries (
	id, tenant_id, run_id, action, workflow, step,
	model, model_class, input_tokens, output_tokens, estimated_cost_usd,
	input_summary, output_summary, reason, actor, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.TenantID, entry.RunID, entry.Action, entry.Workflow, entry.Step,
		entry.Model, entry.ModelClass, entry.InputTokens, entry.OutputTokens, entry.EstimatedCostUSD,
		entry.InputSummary, entry.OutputSummary, entry.Reason, entry.Actor, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter) ([]*domain.AuditEntry, error) {
	var conds []string
	var args []any
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}

	query := `SELECT * FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	var entries []*domain.AuditEntry
	if err := s.db.SelectContext(ctx, &entries, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

func (s *Store) SaveBudgetState(ctx context.Context, state *domain.BudgetState) error {
	upsert := s.dialect.UpsertClause(
		[]string{"tenant_id", "day"},
		[]string{"runs_used", "tokens_used", "breaker", "consecutive_failures", "tripped_at", "cooldown_ns"})
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO budget_states (
	tenant_id, day, runs_used, tokens_used, breaker, consecutive_failures, tripped_at, cooldown_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?) %s`, upsert))

	_, err := s.db.ExecContext(ctx, query,
		state.TenantID, state.Day, state.RunsUsed, state.TokensUsed,
		state.Breaker, state.ConsecutiveFailures, state.TrippedAt, int64(state.Cooldown))
	if err != nil {
		return fmt.Errorf("save budget state: %w", err)
	}
	return nil
}

func (s *Store) GetBudgetState(ctx context.Context, tenantID, day string) (*domain.BudgetState, error) {
	query := s.dialect.Rebind(`SELECT tenant_id, day, runs_used, tokens_used,
	breaker, consecutive_failures, tripped_at, cooldown_ns
	FROM budget_states WHERE tenant_id = ? AND day = ?`)

	var state domain.BudgetState
	var cooldownNS int64
	err := s.db.QueryRowContext(ctx, query, tenantID, day).Scan(
		&state.TenantID, &state.Day, &state.RunsUsed, &state.TokensUsed,
		&state.Breaker, &state.ConsecutiveFailures, &state.TrippedAt, &cooldownNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("budget state", tenantID+"/"+day)
	}
	if err != nil {
		return nil, fmt.Errorf("get budget state: %w", err)
	}
	state.Cooldown = time.Duration(cooldownNS)
	return &state, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
