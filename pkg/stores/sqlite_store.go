package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters. The
	// _pragma options are applied on every pooled connection.
	dsn := s.path +
		"?_txlock=immediate" +
		"&_time_format=sqlite" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool. An in-memory database is per-connection,
	// so it must be pinned to a single connection.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// UpsertRunbook inserts or replaces a catalog entry. The created timestamp of
// an existing row is preserved.
func (s *SQLiteStore) UpsertRunbook(ctx context.Context, rb *Runbook) error {
	query := `
		INSERT INTO runbooks (
			name, display_name, description, category, risk_level,
			supports_dry_run, enabled, parameters_schema, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			description = excluded.description,
			category = excluded.category,
			risk_level = excluded.risk_level,
			supports_dry_run = excluded.supports_dry_run,
			enabled = excluded.enabled,
			parameters_schema = excluded.parameters_schema,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if rb.CreatedAt.IsZero() {
		rb.CreatedAt = now
	}
	rb.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		rb.Name,
		rb.DisplayName,
		rb.Description,
		rb.Category,
		rb.RiskLevel,
		rb.SupportsDryRun,
		rb.Enabled,
		rb.ParametersSchema,
		rb.CreatedAt,
		rb.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert runbook: %w", err)
	}

	return nil
}

// GetRunbook retrieves a catalog entry by name
func (s *SQLiteStore) GetRunbook(ctx context.Context, name string) (*Runbook, error) {
	query := `
		SELECT name, display_name, description, category, risk_level,
		       supports_dry_run, enabled, parameters_schema, created_at, updated_at
		FROM runbooks
		WHERE name = ?
	`

	rb := &Runbook{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&rb.Name,
		&rb.DisplayName,
		&rb.Description,
		&rb.Category,
		&rb.RiskLevel,
		&rb.SupportsDryRun,
		&rb.Enabled,
		&rb.ParametersSchema,
		&rb.CreatedAt,
		&rb.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("runbook %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runbook: %w", err)
	}

	return rb, nil
}

// ListRunbooks lists all catalog entries ordered by name
func (s *SQLiteStore) ListRunbooks(ctx context.Context) ([]*Runbook, error) {
	query := `
		SELECT name, display_name, description, category, risk_level,
		       supports_dry_run, enabled, parameters_schema, created_at, updated_at
		FROM runbooks
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runbooks: %w", err)
	}
	defer rows.Close()

	runbooks := []*Runbook{}
	for rows.Next() {
		rb := &Runbook{}
		err := rows.Scan(
			&rb.Name,
			&rb.DisplayName,
			&rb.Description,
			&rb.Category,
			&rb.RiskLevel,
			&rb.SupportsDryRun,
			&rb.Enabled,
			&rb.ParametersSchema,
			&rb.CreatedAt,
			&rb.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runbook: %w", err)
		}
		runbooks = append(runbooks, rb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runbooks: %w", err)
	}

	return runbooks, nil
}

// UpsertPolicy inserts or replaces the policy for one (runbook, trigger role)
// pair. The write is idempotent: the composite key never duplicates.
func (s *SQLiteStore) UpsertPolicy(ctx context.Context, p *ApprovalPolicy) error {
	query := `
		INSERT INTO runbook_approval_policies (
			runbook_name, trigger_role, approver_role, approval_mode,
			escalation_timeout_minutes, max_auto_executions_per_day, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(runbook_name, trigger_role) DO UPDATE SET
			approver_role = excluded.approver_role,
			approval_mode = excluded.approval_mode,
			escalation_timeout_minutes = excluded.escalation_timeout_minutes,
			max_auto_executions_per_day = excluded.max_auto_executions_per_day,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	p.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, query,
		p.RunbookName,
		p.TriggerRole,
		p.ApproverRole,
		p.ApprovalMode,
		p.EscalationTimeoutMinutes,
		p.MaxAutoExecutionsPerDay,
		p.Enabled,
		p.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}

	return nil
}

// GetPolicy retrieves the policy for a (runbook, trigger role) pair
func (s *SQLiteStore) GetPolicy(ctx context.Context, runbookName, triggerRole string) (*ApprovalPolicy, error) {
	query := `
		SELECT runbook_name, trigger_role, approver_role, approval_mode,
		       escalation_timeout_minutes, max_auto_executions_per_day, enabled, updated_at
		FROM runbook_approval_policies
		WHERE runbook_name = ? AND trigger_role = ?
	`

	p := &ApprovalPolicy{}
	err := s.db.QueryRowContext(ctx, query, runbookName, triggerRole).Scan(
		&p.RunbookName,
		&p.TriggerRole,
		&p.ApproverRole,
		&p.ApprovalMode,
		&p.EscalationTimeoutMinutes,
		&p.MaxAutoExecutionsPerDay,
		&p.Enabled,
		&p.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %s/%s: %w", runbookName, triggerRole, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	return p, nil
}

// ListPolicies lists all policies for a runbook ordered by trigger role
func (s *SQLiteStore) ListPolicies(ctx context.Context, runbookName string) ([]*ApprovalPolicy, error) {
	query := `
		SELECT runbook_name, trigger_role, approver_role, approval_mode,
		       escalation_timeout_minutes, max_auto_executions_per_day, enabled, updated_at
		FROM runbook_approval_policies
		WHERE runbook_name = ?
		ORDER BY trigger_role ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runbookName)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	policies := []*ApprovalPolicy{}
	for rows.Next() {
		p := &ApprovalPolicy{}
		err := rows.Scan(
			&p.RunbookName,
			&p.TriggerRole,
			&p.ApproverRole,
			&p.ApprovalMode,
			&p.EscalationTimeoutMinutes,
			&p.MaxAutoExecutionsPerDay,
			&p.Enabled,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}

	return policies, nil
}

// DeletePolicy deletes the policy for a (runbook, trigger role) pair
func (s *SQLiteStore) DeletePolicy(ctx context.Context, runbookName, triggerRole string) error {
	query := `DELETE FROM runbook_approval_policies WHERE runbook_name = ? AND trigger_role = ?`

	result, err := s.db.ExecContext(ctx, query, runbookName, triggerRole)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("policy %s/%s: %w", runbookName, triggerRole, ErrNotFound)
	}

	return nil
}

// CreateExecution appends a new row to the execution ledger
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, insertExecutionQuery, executionInsertArgs(e)...)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

const insertExecutionQuery = `
	INSERT INTO runbook_executions (
		execution_id, runbook_name, status, dry_run, parameters, triggered_by,
		approved_by, approved_at, started_at, completed_at, result,
		items_found, items_actioned, error_message, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func executionInsertArgs(e *Execution) []interface{} {
	return []interface{}{
		e.ExecutionID,
		e.RunbookName,
		e.Status,
		e.DryRun,
		e.Parameters,
		e.TriggeredBy,
		e.ApprovedBy,
		e.ApprovedAt,
		e.StartedAt,
		e.CompletedAt,
		e.Result,
		e.ItemsFound,
		e.ItemsActioned,
		e.ErrorMessage,
		e.CreatedAt,
	}
}

// CreateExecutionRateLimited counts recent completed or executing work for the
// runbook and inserts the new row only when the count is under maxPerDay. The
// count and the insert run inside one immediate-mode transaction, so the cap
// holds under concurrent triggers against the same store.
func (s *SQLiteStore) CreateExecutionRateLimited(ctx context.Context, e *Execution, maxPerDay int) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	windowStart := time.Now().UTC().Add(-24 * time.Hour)

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	countQuery := `
		SELECT COUNT(*)
		FROM runbook_executions
		WHERE runbook_name = ?
		  AND status IN (?, ?)
		  AND created_at >= ?
	`

	var count int
	err = tx.QueryRowContext(ctx, countQuery,
		e.RunbookName, StatusCompleted, StatusExecuting, windowStart,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count recent executions: %w", err)
	}

	if count >= maxPerDay {
		return fmt.Errorf("runbook %q used %d of %d auto-executions in 24h: %w",
			e.RunbookName, count, maxPerDay, ErrRateLimited)
	}

	if _, err := tx.ExecContext(ctx, insertExecutionQuery, executionInsertArgs(e)...); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution insert: %w", err)
	}

	return nil
}

const selectExecutionColumns = `
	SELECT execution_id, runbook_name, status, dry_run, parameters, triggered_by,
	       approved_by, approved_at, started_at, completed_at, result,
	       items_found, items_actioned, error_message, created_at
	FROM runbook_executions
`

func scanExecution(scan func(dest ...interface{}) error) (*Execution, error) {
	e := &Execution{}
	err := scan(
		&e.ExecutionID,
		&e.RunbookName,
		&e.Status,
		&e.DryRun,
		&e.Parameters,
		&e.TriggeredBy,
		&e.ApprovedBy,
		&e.ApprovedAt,
		&e.StartedAt,
		&e.CompletedAt,
		&e.Result,
		&e.ItemsFound,
		&e.ItemsActioned,
		&e.ErrorMessage,
		&e.CreatedAt,
	)
	return e, err
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := selectExecutionColumns + ` WHERE execution_id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	e, err := scanExecution(row.Scan)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return e, nil
}

// ListExecutions lists executions matching the filter, newest first
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := selectExecutionColumns + `
		WHERE (? IS NULL OR runbook_name = ?)
		  AND (? IS NULL OR status = ?)
		  AND (? IS NULL OR triggered_by = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunbookName, filter.RunbookName,
		filter.Status, filter.Status,
		filter.TriggeredBy, filter.TriggeredBy,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*Execution{}
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// CountRecentExecutions counts executions of a runbook in the given statuses
// created at or after the since timestamp.
func (s *SQLiteStore) CountRecentExecutions(ctx context.Context, runbookName string, statuses []ExecutionStatus, since time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM runbook_executions
		WHERE runbook_name = ?
		  AND status IN (%s)
		  AND created_at >= ?
	`, placeholders)

	args := make([]interface{}, 0, len(statuses)+2)
	args = append(args, runbookName)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, since.UTC())

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}

	return count, nil
}

// transition runs a conditional status update and reports whether a row moved.
func (s *SQLiteStore) transition(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update execution status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// MarkApproved transitions pending_approval -> approved
func (s *SQLiteStore) MarkApproved(ctx context.Context, id, approver string) (bool, error) {
	query := `
		UPDATE runbook_executions
		SET status = ?, approved_by = ?, approved_at = ?
		WHERE execution_id = ? AND status = ?
	`
	return s.transition(ctx, query, StatusApproved, approver, time.Now().UTC(), id, StatusPendingApproval)
}

// MarkRejected transitions pending_approval -> rejected
func (s *SQLiteStore) MarkRejected(ctx context.Context, id, approver string) (bool, error) {
	query := `
		UPDATE runbook_executions
		SET status = ?, approved_by = ?, approved_at = ?
		WHERE execution_id = ? AND status = ?
	`
	return s.transition(ctx, query, StatusRejected, approver, time.Now().UTC(), id, StatusPendingApproval)
}

// MarkCancelled transitions pending_approval -> cancelled and stamps completed_at
func (s *SQLiteStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE runbook_executions
		SET status = ?, completed_at = ?
		WHERE execution_id = ? AND status = ?
	`
	return s.transition(ctx, query, StatusCancelled, time.Now().UTC(), id, StatusPendingApproval)
}

// MarkExecuting transitions approved -> executing and stamps started_at.
// The conditional update is what prevents double-dispatch when the service
// is scaled horizontally.
func (s *SQLiteStore) MarkExecuting(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE runbook_executions
		SET status = ?, started_at = ?
		WHERE execution_id = ? AND status = ?
	`
	return s.transition(ctx, query, StatusExecuting, time.Now().UTC(), id, StatusApproved)
}

// MarkCompleted transitions executing -> completed with the engine result
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id, result string, itemsFound, itemsActioned int) (bool, error) {
	query := `
		UPDATE runbook_executions
		SET status = ?, completed_at = ?, result = ?, items_found = ?, items_actioned = ?
		WHERE execution_id = ? AND status = ?
	`
	return s.transition(ctx, query,
		StatusCompleted, time.Now().UTC(), result, itemsFound, itemsActioned, id, StatusExecuting)
}

// MarkFailed transitions executing -> failed with the captured error
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errorMessage string, itemsFound, itemsActioned int) (bool, error) {
	query := `
		UPDATE runbook_executions
		SET status = ?, completed_at = ?, error_message = ?, items_found = ?, items_actioned = ?
		WHERE execution_id = ? AND status = ?
	`
	return s.transition(ctx, query,
		StatusFailed, time.Now().UTC(), errorMessage, itemsFound, itemsActioned, id, StatusExecuting)
}

// AppendApproval appends a decision row to the approval log
func (s *SQLiteStore) AppendApproval(ctx context.Context, a *Approval) error {
	query := `
		INSERT INTO runbook_approvals (execution_id, approver, decision, comment, decided_at)
		VALUES (?, ?, ?, ?, ?)
	`

	if a.DecidedAt.IsZero() {
		a.DecidedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		a.ExecutionID,
		a.Approver,
		a.Decision,
		a.Comment,
		a.DecidedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to append approval: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get approval ID: %w", err)
	}

	a.ID = id
	return nil
}

// ListApprovals lists all decisions for an execution in decision order
func (s *SQLiteStore) ListApprovals(ctx context.Context, executionID string) ([]*Approval, error) {
	query := `
		SELECT id, execution_id, approver, decision, comment, decided_at
		FROM runbook_approvals
		WHERE execution_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	approvals := []*Approval{}
	for rows.Next() {
		a := &Approval{}
		err := rows.Scan(
			&a.ID,
			&a.ExecutionID,
			&a.Approver,
			&a.Decision,
			&a.Comment,
			&a.DecidedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}

// Stats computes the per-runbook rollup over the execution ledger
func (s *SQLiteStore) Stats(ctx context.Context) ([]*RunbookStats, error) {
	query := `
		SELECT runbook_name, status, COUNT(*),
		       SUM(items_found), SUM(items_actioned), MAX(created_at)
		FROM runbook_executions
		GROUP BY runbook_name, status
		ORDER BY runbook_name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	byRunbook := map[string]*RunbookStats{}
	order := []string{}

	for rows.Next() {
		var (
			name     string
			status   ExecutionStatus
			count    int
			found    int64
			actioned int64
			lastRaw  sql.NullString
		)
		// MAX() strips the column's declared type, so the timestamp comes
		// back as text and is parsed here.
		if err := rows.Scan(&name, &status, &count, &found, &actioned, &lastRaw); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}

		last, err := parseStoredTime(lastRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stats timestamp: %w", err)
		}

		st, ok := byRunbook[name]
		if !ok {
			st = &RunbookStats{
				RunbookName: name,
				ByStatus:    map[ExecutionStatus]int{},
			}
			byRunbook[name] = st
			order = append(order, name)
		}

		st.Total += count
		st.ByStatus[status] = count
		st.ItemsFound += found
		st.ItemsActioned += actioned
		if !last.IsZero() && (st.LastRunAt == nil || last.After(*st.LastRunAt)) {
			t := last
			st.LastRunAt = &t
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	stats := make([]*RunbookStats, 0, len(order))
	for _, name := range order {
		stats = append(stats, byRunbook[name])
	}

	return stats, nil
}

// storedTimeLayouts are the text forms the driver writes timestamps in.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
}

func parseStoredTime(raw sql.NullString) (time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	for _, layout := range storedTimeLayouts {
		if t, err := time.Parse(layout, raw.String); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw.String)
}
