package runbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/opsforge/opsforge/pkg/authz"
	"github.com/opsforge/opsforge/pkg/notify"
	"github.com/opsforge/opsforge/pkg/stores"
	"github.com/opsforge/opsforge/pkg/telemetry"
)

func newTestStore(t *testing.T) stores.Store {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func newTestService(t *testing.T, auth authz.Provider) (*Service, *Registry, stores.Store) {
	t.Helper()

	store := newTestStore(t)
	registry := NewRegistry()

	if auth == nil {
		auth = authz.NewStaticProvider(map[string]string{
			"alice": "operator",
			"bob":   "admin",
		}, authz.DefaultGrants())
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "opsforge-test", "dev", "test")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}

	svc := NewService(
		store,
		registry,
		auth,
		notify.NewLogNotifier(telemetry.Nop().Zerolog()),
		telemetry.Nop(),
		metrics,
		tracer,
	)

	return svc, registry, store
}

func seedRunbook(t *testing.T, store stores.Store, name string, supportsDryRun, enabled bool) {
	t.Helper()

	err := store.UpsertRunbook(context.Background(), &stores.Runbook{
		Name:             name,
		DisplayName:      strings.ReplaceAll(name, "_", " "),
		Description:      "test runbook",
		Category:         "maintenance",
		RiskLevel:        "low",
		SupportsDryRun:   supportsDryRun,
		Enabled:          enabled,
		ParametersSchema: "{}",
	})
	if err != nil {
		t.Fatalf("Failed to seed runbook %s: %v", name, err)
	}
}

func seedPolicy(t *testing.T, store stores.Store, runbook, triggerRole, approverRole string, mode stores.ApprovalMode, maxPerDay int) {
	t.Helper()

	err := store.UpsertPolicy(context.Background(), &stores.ApprovalPolicy{
		RunbookName:             runbook,
		TriggerRole:             triggerRole,
		ApproverRole:            approverRole,
		ApprovalMode:            mode,
		MaxAutoExecutionsPerDay: maxPerDay,
		Enabled:                 true,
	})
	if err != nil {
		t.Fatalf("Failed to seed policy for %s/%s: %v", runbook, triggerRole, err)
	}
}

func successEngine(found, actioned int) Engine {
	return EngineFunc(func(_ context.Context, _ Request) (*Result, error) {
		return &Result{
			Output:        map[string]interface{}{"status": "ok"},
			ItemsFound:    found,
			ItemsActioned: actioned,
		}, nil
	})
}

func asActor(name string) context.Context {
	return authz.WithActor(context.Background(), name)
}

func TestTriggerAutoApprove(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 3)
	if err := registry.Register("orphan_resource_cleanup", successEngine(5, 5)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{
		RunbookName: "orphan_resource_cleanup",
		Parameters:  map[string]interface{}{"region": "us-east-1"},
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if exec.Status != stores.StatusCompleted {
		t.Errorf("Expected status completed, got %s", exec.Status)
	}
	if exec.ApprovedBy == nil || *exec.ApprovedBy != SystemApprover {
		t.Errorf("Expected approval by %q, got %v", SystemApprover, exec.ApprovedBy)
	}
	if exec.StartedAt == nil || exec.CompletedAt == nil {
		t.Error("Expected started_at and completed_at to be set")
	}
	if exec.ItemsFound != 5 || exec.ItemsActioned != 5 {
		t.Errorf("Expected 5/5 items, got %d/%d", exec.ItemsFound, exec.ItemsActioned)
	}
	if exec.Result == nil || !strings.Contains(*exec.Result, `"status":"ok"`) {
		t.Errorf("Expected engine output on the ledger, got %v", exec.Result)
	}

	approvals, err := store.ListApprovals(context.Background(), exec.ExecutionID)
	if err != nil {
		t.Fatalf("Failed to list approvals: %v", err)
	}
	if len(approvals) != 1 {
		t.Fatalf("Expected 1 approval entry, got %d", len(approvals))
	}
	if approvals[0].Approver != SystemApprover || approvals[0].Decision != stores.DecisionApproved {
		t.Errorf("Unexpected approval entry: %+v", approvals[0])
	}
}

func TestTriggerAutoApproveRateLimit(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 3)
	if err := registry.Register("orphan_resource_cleanup", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"}); err != nil {
			t.Fatalf("Trigger %d failed: %v", i+1, err)
		}
	}

	_, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if !IsRateLimitExceeded(err) {
		t.Fatalf("Expected rate-limit error on the 4th trigger, got %v", err)
	}

	var fwErr *Error
	if !errors.As(err, &fwErr) {
		t.Fatal("Expected a framework error")
	}
	if !fwErr.Retryable() {
		t.Error("Expected rate-limit refusal to be retryable")
	}

	execs, err := store.ListExecutions(context.Background(), stores.ExecutionFilter{})
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	if len(execs) != 3 {
		t.Errorf("Expected 3 ledger rows after refused trigger, got %d", len(execs))
	}
}

func TestSingleApprovalFlow(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "stuck_vm_remediation", false, true)
	seedPolicy(t, store, "stuck_vm_remediation", "operator", "admin", stores.ModeSingleApproval, 0)
	if err := registry.Register("stuck_vm_remediation", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{
		RunbookName: "stuck_vm_remediation",
		Parameters:  map[string]interface{}{"vm_id": "vm-42"},
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if exec.Status != stores.StatusPendingApproval {
		t.Fatalf("Expected pending_approval, got %s", exec.Status)
	}
	if exec.ApprovedBy != nil {
		t.Error("Pending execution should have no approver")
	}

	approved, err := svc.Decide(asActor("bob"), exec.ExecutionID, DecisionRequest{
		Decision: stores.DecisionApproved,
		Comment:  "verified the VM is stuck",
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if approved.Status != stores.StatusCompleted {
		t.Errorf("Expected completed after approval, got %s", approved.Status)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != "bob" {
		t.Errorf("Expected approval by bob, got %v", approved.ApprovedBy)
	}

	approvals, err := store.ListApprovals(context.Background(), exec.ExecutionID)
	if err != nil {
		t.Fatalf("Failed to list approvals: %v", err)
	}
	if len(approvals) != 1 {
		t.Fatalf("Expected 1 approval entry, got %d", len(approvals))
	}
	if approvals[0].Comment == nil || *approvals[0].Comment != "verified the VM is stuck" {
		t.Errorf("Expected the approval comment to be recorded, got %v", approvals[0].Comment)
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "stuck_vm_remediation", false, true)
	seedPolicy(t, store, "stuck_vm_remediation", "operator", "admin", stores.ModeSingleApproval, 0)
	if err := registry.Register("stuck_vm_remediation", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "stuck_vm_remediation"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	rejected, err := svc.Decide(asActor("bob"), exec.ExecutionID, DecisionRequest{
		Decision: stores.DecisionRejected,
		Comment:  "not during business hours",
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rejected.Status != stores.StatusRejected {
		t.Errorf("Expected rejected, got %s", rejected.Status)
	}
	if rejected.StartedAt != nil {
		t.Error("Rejected execution must never start")
	}

	// A second decision on the now-terminal row must conflict.
	_, err = svc.Decide(asActor("bob"), exec.ExecutionID, DecisionRequest{Decision: stores.DecisionApproved})
	if !IsStateConflict(err) {
		t.Fatalf("Expected state conflict, got %v", err)
	}
}

func TestDecideOnTerminalExecution(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 10)
	if err := registry.Register("orphan_resource_cleanup", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if exec.Status != stores.StatusCompleted {
		t.Fatalf("Expected completed, got %s", exec.Status)
	}

	_, err = svc.Decide(asActor("bob"), exec.ExecutionID, DecisionRequest{Decision: stores.DecisionApproved})
	if !IsStateConflict(err) {
		t.Fatalf("Expected state conflict, got %v", err)
	}

	var fwErr *Error
	if !errors.As(err, &fwErr) {
		t.Fatal("Expected a framework error")
	}
	if fwErr.CurrentStatus != stores.StatusCompleted {
		t.Errorf("Expected the conflict to name status completed, got %s", fwErr.CurrentStatus)
	}

	approvals, err := store.ListApprovals(context.Background(), exec.ExecutionID)
	if err != nil {
		t.Fatalf("Failed to list approvals: %v", err)
	}
	if len(approvals) != 1 {
		t.Errorf("Conflicting decision must not append an approval, got %d entries", len(approvals))
	}
}

func TestTriggerUnknownRunbook(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	_, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "does_not_exist"})
	if !IsNotFound(err) {
		t.Fatalf("Expected not-found error, got %v", err)
	}
}

func TestTriggerWithoutEngine(t *testing.T) {
	svc, _, store := newTestService(t, nil)
	seedRunbook(t, store, "certificate_rotation", false, true)
	seedPolicy(t, store, "certificate_rotation", "operator", "admin", stores.ModeSingleApproval, 0)

	_, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "certificate_rotation"})
	if !IsNoEngineRegistered(err) {
		t.Fatalf("Expected no-engine error, got %v", err)
	}

	execs, err := store.ListExecutions(context.Background(), stores.ExecutionFilter{})
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("A refused trigger must not create a ledger row, got %d rows", len(execs))
	}
}

func TestTriggerDisabledRunbook(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, false)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 10)
	if err := registry.Register("orphan_resource_cleanup", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	_, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error for disabled runbook, got %v", err)
	}
}

func TestTriggerDryRunUnsupported(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "stuck_vm_remediation", false, true)
	seedPolicy(t, store, "stuck_vm_remediation", "operator", "admin", stores.ModeSingleApproval, 0)
	if err := registry.Register("stuck_vm_remediation", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	_, err := svc.Trigger(asActor("alice"), TriggerRequest{
		RunbookName: "stuck_vm_remediation",
		DryRun:      true,
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error for unsupported dry run, got %v", err)
	}
}

func TestDryRunPassThrough(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 10)

	var sawDryRun bool
	engine := EngineFunc(func(_ context.Context, req Request) (*Result, error) {
		sawDryRun = req.DryRun
		return &Result{ItemsFound: 7, ItemsActioned: 0}, nil
	})
	if err := registry.Register("orphan_resource_cleanup", engine); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{
		RunbookName: "orphan_resource_cleanup",
		DryRun:      true,
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if !sawDryRun {
		t.Error("Engine did not receive the dry-run flag")
	}
	if !exec.DryRun {
		t.Error("Ledger row lost the dry-run flag")
	}
	if exec.ItemsFound != 7 || exec.ItemsActioned != 0 {
		t.Errorf("Expected 7 found / 0 actioned, got %d/%d", exec.ItemsFound, exec.ItemsActioned)
	}
}

func TestTriggerNoApplicablePolicy(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	if err := registry.Register("orphan_resource_cleanup", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	_, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if !IsNoApplicablePolicy(err) {
		t.Fatalf("Expected no-applicable-policy error, got %v", err)
	}
}

func TestPolicyFallsBackToBaselineRole(t *testing.T) {
	auth := authz.NewStaticProvider(
		map[string]string{"carol": "sre"},
		map[string][]string{
			"sre": {
				authz.ResourceRunbooks + ":" + authz.ActionRead,
				authz.ResourceRunbooks + ":" + authz.ActionTrigger,
			},
		},
	)
	svc, registry, store := newTestService(t, auth)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", BaselineRole, "admin", stores.ModeAutoApprove, 10)
	if err := registry.Register("orphan_resource_cleanup", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("carol"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if err != nil {
		t.Fatalf("Trigger with baseline fallback failed: %v", err)
	}
	if exec.Status != stores.StatusCompleted {
		t.Errorf("Expected completed via baseline policy, got %s", exec.Status)
	}
}

func TestDisabledExactPolicyFallsBack(t *testing.T) {
	auth := authz.NewStaticProvider(
		map[string]string{"carol": "sre"},
		map[string][]string{
			"sre": {
				authz.ResourceRunbooks + ":" + authz.ActionTrigger,
			},
		},
	)
	svc, registry, store := newTestService(t, auth)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", BaselineRole, "admin", stores.ModeAutoApprove, 10)

	// Exact-role policy exists but is disabled, so resolution continues to
	// the baseline.
	err := store.UpsertPolicy(context.Background(), &stores.ApprovalPolicy{
		RunbookName:             "orphan_resource_cleanup",
		TriggerRole:             "sre",
		ApproverRole:            "admin",
		ApprovalMode:            stores.ModeSingleApproval,
		MaxAutoExecutionsPerDay: 0,
		Enabled:                 false,
	})
	if err != nil {
		t.Fatalf("Failed to seed disabled policy: %v", err)
	}

	if err := registry.Register("orphan_resource_cleanup", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("carol"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if exec.Status != stores.StatusCompleted {
		t.Errorf("Expected the enabled baseline policy to apply, got %s", exec.Status)
	}
}

func TestEngineErrorIsRecorded(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 10)

	engine := EngineFunc(func(_ context.Context, _ Request) (*Result, error) {
		return nil, fmt.Errorf("cloud API returned 503")
	})
	if err := registry.Register("orphan_resource_cleanup", engine); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if err != nil {
		t.Fatalf("Trigger must not propagate engine errors, got %v", err)
	}

	if exec.Status != stores.StatusFailed {
		t.Errorf("Expected failed, got %s", exec.Status)
	}
	if exec.ErrorMessage == nil || *exec.ErrorMessage == "" {
		t.Fatal("Expected a non-empty error message on the ledger")
	}
	if !strings.Contains(*exec.ErrorMessage, "cloud API returned 503") {
		t.Errorf("Expected the engine error in the message, got %q", *exec.ErrorMessage)
	}
	if exec.CompletedAt == nil {
		t.Error("Failed execution must have completed_at set")
	}
}

func TestEnginePanicIsContained(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 10)

	engine := EngineFunc(func(_ context.Context, _ Request) (*Result, error) {
		panic("index out of range")
	})
	if err := registry.Register("orphan_resource_cleanup", engine); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if err != nil {
		t.Fatalf("Trigger must contain engine panics, got %v", err)
	}

	if exec.Status != stores.StatusFailed {
		t.Errorf("Expected failed after panic, got %s", exec.Status)
	}
	if exec.ErrorMessage == nil || !strings.Contains(*exec.ErrorMessage, "engine panic") {
		t.Errorf("Expected panic message on the ledger, got %v", exec.ErrorMessage)
	}
}

func TestLongEngineErrorIsTruncated(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 10)

	engine := EngineFunc(func(_ context.Context, _ Request) (*Result, error) {
		return nil, fmt.Errorf("%s", strings.Repeat("x", 4096))
	})
	if err := registry.Register("orphan_resource_cleanup", engine); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if exec.ErrorMessage == nil {
		t.Fatal("Expected an error message")
	}
	if len(*exec.ErrorMessage) > maxErrorMessageLen {
		t.Errorf("Expected error message capped at %d bytes, got %d", maxErrorMessageLen, len(*exec.ErrorMessage))
	}
}

func TestCancelPendingExecution(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "stuck_vm_remediation", false, true)
	seedPolicy(t, store, "stuck_vm_remediation", "operator", "admin", stores.ModeSingleApproval, 0)
	if err := registry.Register("stuck_vm_remediation", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "stuck_vm_remediation"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	cancelled, err := svc.Cancel(asActor("alice"), exec.ExecutionID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != stores.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}

	// A second cancel and a cancel of an unknown id both report not-found.
	if _, err := svc.Cancel(asActor("alice"), exec.ExecutionID); !IsNotFound(err) {
		t.Errorf("Expected not-found on double cancel, got %v", err)
	}
	if _, err := svc.Cancel(asActor("alice"), "no-such-execution"); !IsNotFound(err) {
		t.Errorf("Expected not-found on unknown id, got %v", err)
	}
}

func TestPermissionEnforcement(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "stuck_vm_remediation", false, true)
	seedPolicy(t, store, "stuck_vm_remediation", "operator", "admin", stores.ModeSingleApproval, 0)
	if err := registry.Register("stuck_vm_remediation", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "stuck_vm_remediation"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	// Operators may not approve.
	if _, err := svc.Decide(asActor("alice"), exec.ExecutionID, DecisionRequest{Decision: stores.DecisionApproved}); !IsPermissionDenied(err) {
		t.Errorf("Expected permission denied for operator approval, got %v", err)
	}

	// Unknown actors get nothing.
	if _, err := svc.Trigger(asActor("mallory"), TriggerRequest{RunbookName: "stuck_vm_remediation"}); !IsPermissionDenied(err) {
		t.Errorf("Expected permission denied for unknown actor, got %v", err)
	}

	// No actor on the context at all.
	if _, err := svc.Catalog(context.Background()); !IsPermissionDenied(err) {
		t.Errorf("Expected permission denied without actor, got %v", err)
	}
}

func TestPolicyAdministration(t *testing.T) {
	svc, _, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)

	// Operators may not administer policy.
	_, err := svc.UpsertPolicy(asActor("alice"), PolicyUpsertRequest{
		RunbookName:  "orphan_resource_cleanup",
		TriggerRole:  "operator",
		ApproverRole: "admin",
		ApprovalMode: stores.ModeSingleApproval,
		Enabled:      true,
	})
	if !IsPermissionDenied(err) {
		t.Fatalf("Expected permission denied for operator, got %v", err)
	}

	// multi_approval is reserved and rejected.
	_, err = svc.UpsertPolicy(asActor("bob"), PolicyUpsertRequest{
		RunbookName:  "orphan_resource_cleanup",
		TriggerRole:  "operator",
		ApproverRole: "admin",
		ApprovalMode: stores.ModeMultiApproval,
		Enabled:      true,
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error for multi_approval, got %v", err)
	}

	// auto_approve needs a positive daily cap.
	_, err = svc.UpsertPolicy(asActor("bob"), PolicyUpsertRequest{
		RunbookName:  "orphan_resource_cleanup",
		TriggerRole:  "operator",
		ApproverRole: "admin",
		ApprovalMode: stores.ModeAutoApprove,
		Enabled:      true,
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error for cap 0, got %v", err)
	}

	// Policy for an unknown runbook is refused.
	_, err = svc.UpsertPolicy(asActor("bob"), PolicyUpsertRequest{
		RunbookName:  "does_not_exist",
		TriggerRole:  "operator",
		ApproverRole: "admin",
		ApprovalMode: stores.ModeSingleApproval,
		Enabled:      true,
	})
	if !IsNotFound(err) {
		t.Fatalf("Expected not-found for unknown runbook, got %v", err)
	}

	// A valid upsert round-trips.
	policy, err := svc.UpsertPolicy(asActor("bob"), PolicyUpsertRequest{
		RunbookName:             "orphan_resource_cleanup",
		TriggerRole:             "operator",
		ApproverRole:            "admin",
		ApprovalMode:            stores.ModeAutoApprove,
		MaxAutoExecutionsPerDay: 5,
		Enabled:                 true,
	})
	if err != nil {
		t.Fatalf("UpsertPolicy failed: %v", err)
	}
	if policy.MaxAutoExecutionsPerDay != 5 {
		t.Errorf("Expected cap 5, got %d", policy.MaxAutoExecutionsPerDay)
	}

	got, err := svc.GetPolicy(asActor("alice"), "orphan_resource_cleanup", "operator")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if got.ApprovalMode != stores.ModeAutoApprove {
		t.Errorf("Expected auto_approve, got %s", got.ApprovalMode)
	}

	if err := svc.DeletePolicy(asActor("bob"), "orphan_resource_cleanup", "operator"); err != nil {
		t.Fatalf("DeletePolicy failed: %v", err)
	}
	if err := svc.DeletePolicy(asActor("bob"), "orphan_resource_cleanup", "operator"); !IsNotFound(err) {
		t.Errorf("Expected not-found on second delete, got %v", err)
	}
}

func TestExecutionQueries(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "stuck_vm_remediation", false, true)
	seedPolicy(t, store, "stuck_vm_remediation", "operator", "admin", stores.ModeSingleApproval, 0)
	if err := registry.Register("stuck_vm_remediation", successEngine(1, 1)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "stuck_vm_remediation"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	mine, err := svc.Mine(asActor("alice"), 10, 0)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	if len(mine) != 1 || mine[0].ExecutionID != exec.ExecutionID {
		t.Errorf("Expected alice's single execution, got %d rows", len(mine))
	}

	// bob triggered nothing.
	mine, err = svc.Mine(asActor("bob"), 10, 0)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	if len(mine) != 0 {
		t.Errorf("Expected no executions for bob, got %d", len(mine))
	}

	pending, err := svc.PendingApprovals(asActor("bob"))
	if err != nil {
		t.Fatalf("PendingApprovals failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending approval, got %d", len(pending))
	}

	// Operators are not on the approval tier.
	if _, err := svc.PendingApprovals(asActor("alice")); !IsPermissionDenied(err) {
		t.Errorf("Expected permission denied for operator, got %v", err)
	}

	// Status filter values are validated.
	if _, err := svc.History(asActor("alice"), HistoryRequest{Status: "exploded"}); !IsValidation(err) {
		t.Errorf("Expected validation error for bad status filter, got %v", err)
	}

	status := string(stores.StatusPendingApproval)
	history, err := svc.History(asActor("alice"), HistoryRequest{Status: status})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("Expected 1 pending row in history, got %d", len(history))
	}

	detail, err := svc.GetExecution(asActor("alice"), exec.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if detail.Execution.ExecutionID != exec.ExecutionID {
		t.Error("Detail returned the wrong execution")
	}
	if len(detail.Approvals) != 0 {
		t.Errorf("Pending execution should have no approvals, got %d", len(detail.Approvals))
	}

	if _, err := svc.GetExecution(asActor("alice"), "no-such-id"); !IsNotFound(err) {
		t.Errorf("Expected not-found, got %v", err)
	}
}

func TestParametersRoundTrip(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "stuck_vm_remediation", false, true)
	seedPolicy(t, store, "stuck_vm_remediation", "operator", "admin", stores.ModeSingleApproval, 0)

	var received map[string]interface{}
	engine := EngineFunc(func(_ context.Context, req Request) (*Result, error) {
		received = req.Parameters
		return &Result{ItemsFound: 1, ItemsActioned: 1}, nil
	})
	if err := registry.Register("stuck_vm_remediation", engine); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	exec, err := svc.Trigger(asActor("alice"), TriggerRequest{
		RunbookName: "stuck_vm_remediation",
		Parameters:  map[string]interface{}{"vm_id": "vm-42", "force": true},
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if _, err := svc.Decide(asActor("bob"), exec.ExecutionID, DecisionRequest{Decision: stores.DecisionApproved}); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	// The engine sees the parameters stored at trigger time, not whatever
	// the approver supplies.
	if received["vm_id"] != "vm-42" {
		t.Errorf("Expected vm_id vm-42, got %v", received["vm_id"])
	}
	if received["force"] != true {
		t.Errorf("Expected force true, got %v", received["force"])
	}
}

func TestStatsRollup(t *testing.T) {
	svc, registry, store := newTestService(t, nil)
	seedRunbook(t, store, "orphan_resource_cleanup", true, true)
	seedPolicy(t, store, "orphan_resource_cleanup", "operator", "admin", stores.ModeAutoApprove, 10)
	if err := registry.Register("orphan_resource_cleanup", successEngine(3, 2)); err != nil {
		t.Fatalf("Failed to register engine: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Trigger(asActor("alice"), TriggerRequest{RunbookName: "orphan_resource_cleanup"}); err != nil {
			t.Fatalf("Trigger %d failed: %v", i+1, err)
		}
	}

	stats, err := svc.Stats(asActor("alice"))
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("Expected stats for 1 runbook, got %d", len(stats))
	}
	if stats[0].Total != 2 {
		t.Errorf("Expected 2 total executions, got %d", stats[0].Total)
	}
	if stats[0].ByStatus[stores.StatusCompleted] != 2 {
		t.Errorf("Expected 2 completed, got %d", stats[0].ByStatus[stores.StatusCompleted])
	}
	if stats[0].ItemsFound != 6 || stats[0].ItemsActioned != 4 {
		t.Errorf("Expected 6/4 items, got %d/%d", stats[0].ItemsFound, stats[0].ItemsActioned)
	}
}

func TestValidationErrors(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	if _, err := svc.Trigger(asActor("alice"), TriggerRequest{}); !IsValidation(err) {
		t.Errorf("Expected validation error for empty runbook name, got %v", err)
	}

	if _, err := svc.Decide(asActor("bob"), "some-id", DecisionRequest{Decision: "maybe"}); !IsValidation(err) {
		t.Errorf("Expected validation error for bad decision, got %v", err)
	}
}
