package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ExecutionStatus represents the lifecycle state of a runbook execution.
type ExecutionStatus string

const (
	StatusPendingApproval ExecutionStatus = "pending_approval"
	StatusApproved        ExecutionStatus = "approved"
	StatusRejected        ExecutionStatus = "rejected"
	StatusCancelled       ExecutionStatus = "cancelled"
	StatusExecuting       ExecutionStatus = "executing"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is legal from the status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ApprovalMode controls how a trigger turns into an execution.
type ApprovalMode string

const (
	ModeAutoApprove    ApprovalMode = "auto_approve"
	ModeSingleApproval ApprovalMode = "single_approval"

	// ModeMultiApproval is reserved. No behavior is implemented for it and
	// policies using it are rejected at the service boundary.
	ModeMultiApproval ApprovalMode = "multi_approval"
)

// Decision is a human approval decision on a pending execution.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Runbook is a catalog entry describing an operational procedure.
// Catalog rows are administrative configuration and are read-only to the
// execution path.
type Runbook struct {
	Name             string    `json:"name"`
	DisplayName      string    `json:"display_name"`
	Description      string    `json:"description"`
	Category         string    `json:"category"`
	RiskLevel        string    `json:"risk_level"`
	SupportsDryRun   bool      `json:"supports_dry_run"`
	Enabled          bool      `json:"enabled"`
	ParametersSchema string    `json:"parameters_schema"` // JSON blob
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ApprovalPolicy controls approval gating for one (runbook, trigger role) pair.
type ApprovalPolicy struct {
	RunbookName              string       `json:"runbook_name"`
	TriggerRole              string       `json:"trigger_role"`
	ApproverRole             string       `json:"approver_role"`
	ApprovalMode             ApprovalMode `json:"approval_mode"`
	EscalationTimeoutMinutes int          `json:"escalation_timeout_minutes"`
	MaxAutoExecutionsPerDay  int          `json:"max_auto_executions_per_day"`
	Enabled                  bool         `json:"enabled"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

// Execution is one persisted attempt to run a runbook. Rows are append-only:
// they are never deleted and never re-created for the same attempt.
type Execution struct {
	ExecutionID   string          `json:"execution_id"`
	RunbookName   string          `json:"runbook_name"`
	Status        ExecutionStatus `json:"status"`
	DryRun        bool            `json:"dry_run"`
	Parameters    string          `json:"parameters"` // JSON blob, opaque to the framework
	TriggeredBy   string          `json:"triggered_by"`
	ApprovedBy    *string         `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Result        *string         `json:"result,omitempty"` // JSON blob from the engine
	ItemsFound    int             `json:"items_found"`
	ItemsActioned int             `json:"items_actioned"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Approval is one human (or synthetic "system") decision on an execution.
type Approval struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Approver    string    `json:"approver"`
	Decision    Decision  `json:"decision"`
	Comment     *string   `json:"comment,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// ExecutionFilter narrows execution list queries. Nil fields match everything.
type ExecutionFilter struct {
	RunbookName *string
	Status      *ExecutionStatus
	TriggeredBy *string
	Limit       int
	Offset      int
}

// RunbookStats is the per-runbook rollup over the execution ledger.
type RunbookStats struct {
	RunbookName   string                  `json:"runbook_name"`
	Total         int                     `json:"total"`
	ByStatus      map[ExecutionStatus]int `json:"by_status"`
	ItemsFound    int64                   `json:"items_found"`
	ItemsActioned int64                   `json:"items_actioned"`
	LastRunAt     *time.Time              `json:"last_run_at,omitempty"`
}

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrRateLimited is returned by CreateExecutionRateLimited when the rolling
// 24h auto-approval cap for the runbook is already reached.
var ErrRateLimited = errors.New("auto-execution rate limit reached")

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Runbook catalog
	UpsertRunbook(ctx context.Context, rb *Runbook) error
	GetRunbook(ctx context.Context, name string) (*Runbook, error)
	ListRunbooks(ctx context.Context) ([]*Runbook, error)

	// Approval policies
	UpsertPolicy(ctx context.Context, p *ApprovalPolicy) error
	GetPolicy(ctx context.Context, runbookName, triggerRole string) (*ApprovalPolicy, error)
	ListPolicies(ctx context.Context, runbookName string) ([]*ApprovalPolicy, error)
	DeletePolicy(ctx context.Context, runbookName, triggerRole string) error

	// Execution ledger
	CreateExecution(ctx context.Context, e *Execution) error
	// CreateExecutionRateLimited atomically counts recent auto-approved work
	// for the runbook and inserts the execution only if the count is below
	// maxPerDay. Returns ErrRateLimited without inserting otherwise.
	CreateExecutionRateLimited(ctx context.Context, e *Execution, maxPerDay int) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	CountRecentExecutions(ctx context.Context, runbookName string, statuses []ExecutionStatus, since time.Time) (int, error)

	// Conditional state transitions. Each performs a single
	// UPDATE ... WHERE status = <from>; the boolean reports whether the row
	// was transitioned (false means the execution was absent or in another
	// status).
	MarkApproved(ctx context.Context, id, approver string) (bool, error)
	MarkRejected(ctx context.Context, id, approver string) (bool, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	MarkExecuting(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, result string, itemsFound, itemsActioned int) (bool, error)
	MarkFailed(ctx context.Context, id, errorMessage string, itemsFound, itemsActioned int) (bool, error)

	// Approval log
	AppendApproval(ctx context.Context, a *Approval) error
	ListApprovals(ctx context.Context, executionID string) ([]*Approval, error)

	// Rollups
	Stats(ctx context.Context) ([]*RunbookStats, error)
}
