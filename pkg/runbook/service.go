package runbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opsforge/opsforge/pkg/authz"
	"github.com/opsforge/opsforge/pkg/notify"
	"github.com/opsforge/opsforge/pkg/stores"
	"github.com/opsforge/opsforge/pkg/telemetry"
)

// SystemApprover is the synthetic approver recorded for auto-approved
// executions.
const SystemApprover = "system"

// TriggerRequest asks the framework to run a runbook.
type TriggerRequest struct {
	RunbookName string                 `json:"runbook_name" validate:"required"`
	DryRun      bool                   `json:"dry_run"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// DecisionRequest carries a human approval decision.
type DecisionRequest struct {
	Decision stores.Decision `json:"decision" validate:"required,oneof=approved rejected"`
	Comment  string          `json:"comment"`
}

// PolicyUpsertRequest replaces the policy for one (runbook, trigger role)
// pair. multi_approval is deliberately absent from the accepted modes.
type PolicyUpsertRequest struct {
	RunbookName              string              `json:"runbook_name" validate:"required"`
	TriggerRole              string              `json:"trigger_role" validate:"required"`
	ApproverRole             string              `json:"approver_role" validate:"required"`
	ApprovalMode             stores.ApprovalMode `json:"approval_mode" validate:"required,oneof=auto_approve single_approval"`
	EscalationTimeoutMinutes int                 `json:"escalation_timeout_minutes" validate:"gte=0"`
	MaxAutoExecutionsPerDay  int                 `json:"max_auto_executions_per_day" validate:"gte=0"`
	Enabled                  bool                `json:"enabled"`
}

// HistoryRequest filters the execution history listing.
type HistoryRequest struct {
	RunbookName string `json:"runbook_name"`
	Status      string `json:"status" validate:"omitempty,oneof=pending_approval approved rejected cancelled executing completed failed"`
	Limit       int    `json:"limit" validate:"gte=0,lte=500"`
	Offset      int    `json:"offset" validate:"gte=0"`
}

// ExecutionDetail is an execution together with its approval history.
type ExecutionDetail struct {
	Execution *stores.Execution  `json:"execution"`
	Approvals []*stores.Approval `json:"approvals"`
}

// RunbookDetail is a catalog entry together with its approval policies.
type RunbookDetail struct {
	Runbook  *stores.Runbook          `json:"runbook"`
	Policies []*stores.ApprovalPolicy `json:"policies"`
}

// Service is the runbook execution framework. All operations authorize the
// caller through the injected provider, and every trigger attempt and its
// terminal outcome land on the execution ledger.
type Service struct {
	store    stores.Store
	registry *Registry
	auth     authz.Provider
	notifier notify.Notifier
	resolver *PolicyResolver
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	validate *validator.Validate
}

// NewService wires the framework together. The registry is injected so
// tests can substitute fake engines.
func NewService(
	store stores.Store,
	registry *Registry,
	auth authz.Provider,
	notifier notify.Notifier,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Service {
	return &Service{
		store:    store,
		registry: registry,
		auth:     auth,
		notifier: notifier,
		resolver: NewPolicyResolver(store),
		logger:   logger.NewComponentLogger("runbook"),
		metrics:  metrics,
		tracer:   tracer,
		validate: validator.New(),
	}
}

// requirePermission adapts provider refusals into the framework taxonomy.
func (s *Service) requirePermission(ctx context.Context, action string) (authz.Actor, error) {
	actor, err := s.auth.RequirePermission(ctx, authz.ResourceRunbooks, action)
	if err != nil {
		return authz.Actor{}, NewError(KindPermissionDenied, "authorization refused", err)
	}
	return actor, nil
}

func (s *Service) validateRequest(req interface{}) error {
	if err := s.validate.Struct(req); err != nil {
		return NewError(KindValidation, "invalid request", err)
	}
	return nil
}

// Trigger runs the trigger lifecycle for a runbook: authorization, catalog
// and engine preconditions, policy resolution, then either the
// auto-approve path (rate-limited, dispatched inline) or the manual path
// (persisted as pending_approval).
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*stores.Execution, error) {
	actor, err := s.requirePermission(ctx, authz.ActionTrigger)
	if err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	rb, err := s.store.GetRunbook(ctx, req.RunbookName)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewError(KindNotFound, "unknown runbook", err).WithRunbook(req.RunbookName)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}

	if !rb.Enabled {
		s.metrics.RecordTriggerRejected(rb.Name, "disabled")
		return nil, NewError(KindValidation, "runbook is disabled", nil).WithRunbook(rb.Name)
	}
	if req.DryRun && !rb.SupportsDryRun {
		s.metrics.RecordTriggerRejected(rb.Name, "dry_run_unsupported")
		return nil, NewError(KindValidation, "runbook does not support dry runs", nil).WithRunbook(rb.Name)
	}

	engine, ok := s.registry.Resolve(rb.Name)
	if !ok {
		s.metrics.RecordTriggerRejected(rb.Name, "no_engine")
		return nil, NewError(KindNoEngineRegistered, "no engine registered", nil).WithRunbook(rb.Name)
	}

	policy, err := s.resolver.Resolve(ctx, rb.Name, actor.Role)
	if err != nil {
		if IsNoApplicablePolicy(err) {
			s.metrics.RecordTriggerRejected(rb.Name, "no_policy")
		}
		return nil, err
	}

	paramsJSON, err := marshalParameters(req.Parameters)
	if err != nil {
		return nil, NewError(KindValidation, "parameters are not serializable", err).WithRunbook(rb.Name)
	}

	log := s.logger.WithRunbook(rb.Name).WithActor(actor.Name)

	switch policy.ApprovalMode {
	case stores.ModeAutoApprove:
		return s.triggerAutoApproved(ctx, log, engine, rb, policy, actor, req, paramsJSON)
	case stores.ModeSingleApproval:
		return s.triggerPendingApproval(ctx, log, rb, policy, actor, req, paramsJSON)
	default:
		return nil, NewError(KindValidation,
			fmt.Sprintf("approval mode %q is not supported", policy.ApprovalMode), nil).
			WithRunbook(rb.Name)
	}
}

func (s *Service) triggerAutoApproved(
	ctx context.Context,
	log *telemetry.Logger,
	engine Engine,
	rb *stores.Runbook,
	policy *stores.ApprovalPolicy,
	actor authz.Actor,
	req TriggerRequest,
	paramsJSON string,
) (*stores.Execution, error) {
	now := nowUTC()
	approver := SystemApprover
	exec := &stores.Execution{
		ExecutionID: uuid.New().String(),
		RunbookName: rb.Name,
		Status:      stores.StatusApproved,
		DryRun:      req.DryRun,
		Parameters:  paramsJSON,
		TriggeredBy: actor.Name,
		ApprovedBy:  &approver,
		ApprovedAt:  &now,
		CreatedAt:   now,
	}

	err := s.store.CreateExecutionRateLimited(ctx, exec, policy.MaxAutoExecutionsPerDay)
	if errors.Is(err, stores.ErrRateLimited) {
		s.metrics.RecordRateLimited(rb.Name)
		log.Warnf("auto-approve refused by 24h cap of %d", policy.MaxAutoExecutionsPerDay)
		return nil, NewError(KindRateLimitExceeded,
			fmt.Sprintf("daily auto-execution cap of %d reached", policy.MaxAutoExecutionsPerDay), err).
			WithRunbook(rb.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger insert failed: %w", err)
	}

	approval := &stores.Approval{
		ExecutionID: exec.ExecutionID,
		Approver:    SystemApprover,
		Decision:    stores.DecisionApproved,
		Comment:     strPtr("auto-approved by policy"),
	}
	if err := s.store.AppendApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("approval log append failed: %w", err)
	}

	s.metrics.RecordTrigger(rb.Name, string(stores.ModeAutoApprove))
	log.WithExecutionID(exec.ExecutionID).Info("trigger auto-approved, dispatching")

	s.dispatch(ctx, engine, exec, req.Parameters)

	return s.store.GetExecution(ctx, exec.ExecutionID)
}

func (s *Service) triggerPendingApproval(
	ctx context.Context,
	log *telemetry.Logger,
	rb *stores.Runbook,
	policy *stores.ApprovalPolicy,
	actor authz.Actor,
	req TriggerRequest,
	paramsJSON string,
) (*stores.Execution, error) {
	exec := &stores.Execution{
		ExecutionID: uuid.New().String(),
		RunbookName: rb.Name,
		Status:      stores.StatusPendingApproval,
		DryRun:      req.DryRun,
		Parameters:  paramsJSON,
		TriggeredBy: actor.Name,
		CreatedAt:   nowUTC(),
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("ledger insert failed: %w", err)
	}

	s.metrics.RecordTrigger(rb.Name, string(stores.ModeSingleApproval))
	s.metrics.PendingApprovalAdded()
	log.WithExecutionID(exec.ExecutionID).Infof("trigger awaiting approval by role %q", policy.ApproverRole)

	s.fireNotification(ctx, notify.Notification{
		EventType: notify.EventPendingApproval,
		Summary:   fmt.Sprintf("runbook %s awaits approval by role %s", rb.Name, policy.ApproverRole),
		Severity:  notify.SeverityInfo,
		Resource:  rb.Name,
		Actor:     actor.Name,
		Details: map[string]interface{}{
			"execution_id":  exec.ExecutionID,
			"approver_role": policy.ApproverRole,
			"dry_run":       exec.DryRun,
		},
	})

	return exec, nil
}

// Decide applies a human approval decision to a pending execution. An
// approval dispatches the execution inline with its original dry-run flag
// and parameters; a rejection is terminal.
func (s *Service) Decide(ctx context.Context, executionID string, req DecisionRequest) (*stores.Execution, error) {
	actor, err := s.requirePermission(ctx, authz.ActionApprove)
	if err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewError(KindNotFound, "unknown execution", err).WithExecution(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}

	if exec.Status != stores.StatusPendingApproval {
		return nil, s.stateConflict(exec)
	}

	log := s.logger.WithRunbook(exec.RunbookName).WithExecutionID(executionID).WithActor(actor.Name)

	if req.Decision == stores.DecisionRejected {
		moved, err := s.store.MarkRejected(ctx, executionID, actor.Name)
		if err != nil {
			return nil, fmt.Errorf("rejection failed: %w", err)
		}
		if !moved {
			return nil, s.refreshConflict(ctx, executionID)
		}

		if err := s.appendDecision(ctx, executionID, actor.Name, stores.DecisionRejected, req.Comment); err != nil {
			return nil, err
		}

		s.metrics.RecordDecision(exec.RunbookName, string(stores.DecisionRejected))
		s.metrics.PendingApprovalResolved()
		log.Warn("execution rejected")

		s.fireNotification(ctx, notify.Notification{
			EventType: notify.EventRejected,
			Summary:   fmt.Sprintf("runbook %s execution rejected", exec.RunbookName),
			Severity:  notify.SeverityWarning,
			Resource:  exec.RunbookName,
			Actor:     actor.Name,
			Details: map[string]interface{}{
				"execution_id": executionID,
				"comment":      req.Comment,
			},
		})

		return s.store.GetExecution(ctx, executionID)
	}

	// Resolve the engine before committing the approval so a missing
	// engine leaves the execution pending rather than stranded approved.
	engine, ok := s.registry.Resolve(exec.RunbookName)
	if !ok {
		return nil, NewError(KindNoEngineRegistered, "no engine registered", nil).
			WithRunbook(exec.RunbookName).WithExecution(executionID)
	}

	moved, err := s.store.MarkApproved(ctx, executionID, actor.Name)
	if err != nil {
		return nil, fmt.Errorf("approval failed: %w", err)
	}
	if !moved {
		return nil, s.refreshConflict(ctx, executionID)
	}

	if err := s.appendDecision(ctx, executionID, actor.Name, stores.DecisionApproved, req.Comment); err != nil {
		return nil, err
	}

	s.metrics.RecordDecision(exec.RunbookName, string(stores.DecisionApproved))
	s.metrics.PendingApprovalResolved()
	log.Info("execution approved, dispatching")

	params, err := unmarshalParameters(exec.Parameters)
	if err != nil {
		// The stored payload is the one validated at trigger time; a decode
		// failure here is corruption, recorded on the row like any engine
		// failure would be.
		s.logger.WithError(err).Error("stored parameters failed to decode")
		params = map[string]interface{}{}
	}

	s.dispatch(ctx, engine, exec, params)

	return s.store.GetExecution(ctx, executionID)
}

// Cancel withdraws a pending execution. Anything not pending reports
// NotFound and is left untouched.
func (s *Service) Cancel(ctx context.Context, executionID string) (*stores.Execution, error) {
	actor, err := s.requirePermission(ctx, authz.ActionCancel)
	if err != nil {
		return nil, err
	}

	moved, err := s.store.MarkCancelled(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("cancel failed: %w", err)
	}
	if !moved {
		return nil, NewError(KindNotFound, "no pending execution to cancel", nil).
			WithExecution(executionID)
	}

	s.metrics.PendingApprovalResolved()

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}

	s.logger.WithRunbook(exec.RunbookName).WithExecutionID(executionID).WithActor(actor.Name).
		Info("execution cancelled")

	s.fireNotification(ctx, notify.Notification{
		EventType: notify.EventCancelled,
		Summary:   fmt.Sprintf("runbook %s execution cancelled", exec.RunbookName),
		Severity:  notify.SeverityInfo,
		Resource:  exec.RunbookName,
		Actor:     actor.Name,
		Details:   map[string]interface{}{"execution_id": executionID},
	})

	return exec, nil
}

// History lists executions matching the filter, newest first.
func (s *Service) History(ctx context.Context, req HistoryRequest) ([]*stores.Execution, error) {
	if _, err := s.requirePermission(ctx, authz.ActionRead); err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	filter := stores.ExecutionFilter{Limit: req.Limit, Offset: req.Offset}
	if req.RunbookName != "" {
		filter.RunbookName = &req.RunbookName
	}
	if req.Status != "" {
		status := stores.ExecutionStatus(req.Status)
		filter.Status = &status
	}

	return s.store.ListExecutions(ctx, filter)
}

// Mine lists the calling actor's executions, newest first.
func (s *Service) Mine(ctx context.Context, limit, offset int) ([]*stores.Execution, error) {
	actor, err := s.requirePermission(ctx, authz.ActionRead)
	if err != nil {
		return nil, err
	}

	return s.store.ListExecutions(ctx, stores.ExecutionFilter{
		TriggeredBy: &actor.Name,
		Limit:       limit,
		Offset:      offset,
	})
}

// PendingApprovals lists the approval queue. Requires the approver tier.
func (s *Service) PendingApprovals(ctx context.Context) ([]*stores.Execution, error) {
	if _, err := s.requirePermission(ctx, authz.ActionApprove); err != nil {
		return nil, err
	}

	pending := stores.StatusPendingApproval
	return s.store.ListExecutions(ctx, stores.ExecutionFilter{Status: &pending, Limit: 500})
}

// GetExecution returns one execution with its approval history.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	if _, err := s.requirePermission(ctx, authz.ActionRead); err != nil {
		return nil, err
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewError(KindNotFound, "unknown execution", err).WithExecution(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}

	approvals, err := s.store.ListApprovals(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("approval log lookup failed: %w", err)
	}

	return &ExecutionDetail{Execution: exec, Approvals: approvals}, nil
}

// Catalog lists the runbook catalog.
func (s *Service) Catalog(ctx context.Context) ([]*stores.Runbook, error) {
	if _, err := s.requirePermission(ctx, authz.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListRunbooks(ctx)
}

// GetRunbook returns one catalog entry with its approval policies.
func (s *Service) GetRunbook(ctx context.Context, name string) (*RunbookDetail, error) {
	if _, err := s.requirePermission(ctx, authz.ActionRead); err != nil {
		return nil, err
	}

	rb, err := s.store.GetRunbook(ctx, name)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewError(KindNotFound, "unknown runbook", err).WithRunbook(name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}

	policies, err := s.store.ListPolicies(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("policy lookup failed: %w", err)
	}

	return &RunbookDetail{Runbook: rb, Policies: policies}, nil
}

// UpsertPolicy replaces the approval policy for a (runbook, role) pair.
// Admin tier only.
func (s *Service) UpsertPolicy(ctx context.Context, req PolicyUpsertRequest) (*stores.ApprovalPolicy, error) {
	actor, err := s.requirePermission(ctx, authz.ActionAdmin)
	if err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if req.ApprovalMode == stores.ModeAutoApprove && req.MaxAutoExecutionsPerDay < 1 {
		return nil, NewError(KindValidation,
			"auto_approve requires max_auto_executions_per_day >= 1", nil).
			WithRunbook(req.RunbookName)
	}

	if _, err := s.store.GetRunbook(ctx, req.RunbookName); errors.Is(err, stores.ErrNotFound) {
		return nil, NewError(KindNotFound, "unknown runbook", err).WithRunbook(req.RunbookName)
	} else if err != nil {
		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}

	policy := &stores.ApprovalPolicy{
		RunbookName:              req.RunbookName,
		TriggerRole:              req.TriggerRole,
		ApproverRole:             req.ApproverRole,
		ApprovalMode:             req.ApprovalMode,
		EscalationTimeoutMinutes: req.EscalationTimeoutMinutes,
		MaxAutoExecutionsPerDay:  req.MaxAutoExecutionsPerDay,
		Enabled:                  req.Enabled,
	}
	if err := s.store.UpsertPolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("policy upsert failed: %w", err)
	}

	s.logger.WithRunbook(req.RunbookName).WithActor(actor.Name).
		Infof("policy upserted for role %q (%s)", req.TriggerRole, req.ApprovalMode)

	return policy, nil
}

// GetPolicy returns the policy for a (runbook, role) pair.
func (s *Service) GetPolicy(ctx context.Context, runbookName, triggerRole string) (*stores.ApprovalPolicy, error) {
	if _, err := s.requirePermission(ctx, authz.ActionRead); err != nil {
		return nil, err
	}

	policy, err := s.store.GetPolicy(ctx, runbookName, triggerRole)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewError(KindNotFound, "unknown policy", err).WithRunbook(runbookName)
	}
	if err != nil {
		return nil, fmt.Errorf("policy lookup failed: %w", err)
	}

	return policy, nil
}

// ListPolicies lists the policies declared for a runbook.
func (s *Service) ListPolicies(ctx context.Context, runbookName string) ([]*stores.ApprovalPolicy, error) {
	if _, err := s.requirePermission(ctx, authz.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListPolicies(ctx, runbookName)
}

// DeletePolicy removes the policy for a (runbook, role) pair. Admin tier
// only.
func (s *Service) DeletePolicy(ctx context.Context, runbookName, triggerRole string) error {
	actor, err := s.requirePermission(ctx, authz.ActionAdmin)
	if err != nil {
		return err
	}

	err = s.store.DeletePolicy(ctx, runbookName, triggerRole)
	if errors.Is(err, stores.ErrNotFound) {
		return NewError(KindNotFound, "unknown policy", err).WithRunbook(runbookName)
	}
	if err != nil {
		return fmt.Errorf("policy delete failed: %w", err)
	}

	s.logger.WithRunbook(runbookName).WithActor(actor.Name).
		Infof("policy deleted for role %q", triggerRole)

	return nil
}

// Stats returns the per-runbook rollup over the ledger.
func (s *Service) Stats(ctx context.Context) ([]*stores.RunbookStats, error) {
	if _, err := s.requirePermission(ctx, authz.ActionRead); err != nil {
		return nil, err
	}
	return s.store.Stats(ctx)
}

// stateConflict builds the error reporting an execution's actual status.
func (s *Service) stateConflict(exec *stores.Execution) error {
	return NewError(KindStateConflict,
		fmt.Sprintf("execution is %s, not %s", exec.Status, stores.StatusPendingApproval), nil).
		WithExecution(exec.ExecutionID).
		WithStatus(exec.Status)
}

// refreshConflict re-reads the execution after a lost conditional update so
// the conflict error names the status that won.
func (s *Service) refreshConflict(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return NewError(KindStateConflict, "execution changed concurrently", err).
			WithExecution(executionID)
	}
	return s.stateConflict(exec)
}

func (s *Service) appendDecision(ctx context.Context, executionID, approver string, decision stores.Decision, comment string) error {
	approval := &stores.Approval{
		ExecutionID: executionID,
		Approver:    approver,
		Decision:    decision,
	}
	if comment != "" {
		approval.Comment = &comment
	}
	if err := s.store.AppendApproval(ctx, approval); err != nil {
		return fmt.Errorf("approval log append failed: %w", err)
	}
	return nil
}

func marshalParameters(params map[string]interface{}) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalParameters(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	params := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}

func strPtr(s string) *string {
	return &s
}
