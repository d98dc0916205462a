package runbook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsforge/opsforge/pkg/notify"
	"github.com/opsforge/opsforge/pkg/stores"
	"github.com/opsforge/opsforge/pkg/telemetry"
)

// maxErrorMessageLen caps the error text stored on a failed execution.
const maxErrorMessageLen = 1024

// dispatch runs an approved execution synchronously: it moves the row to
// executing, invokes the engine, and records the terminal outcome on the
// ledger. Engine failures are captured on the row, never returned, so a
// failed run still leaves a complete audit trail.
func (s *Service) dispatch(ctx context.Context, engine Engine, exec *stores.Execution, params map[string]interface{}) {
	log := s.logger.WithRunbook(exec.RunbookName).WithExecutionID(exec.ExecutionID)

	moved, err := s.store.MarkExecuting(ctx, exec.ExecutionID)
	if err != nil {
		log.WithError(err).Error("could not move execution to executing")
		return
	}
	if !moved {
		log.Warn("execution already dispatched, skipping")
		return
	}

	ctx, span := s.tracer.StartDispatchSpan(ctx, exec.ExecutionID, exec.RunbookName, exec.DryRun)
	defer span.End()

	req := Request{
		ExecutionID: exec.ExecutionID,
		Runbook:     exec.RunbookName,
		Parameters:  params,
		DryRun:      exec.DryRun,
		Actor:       exec.TriggeredBy,
	}

	start := time.Now()
	result, runErr := safeRun(ctx, engine, req)
	duration := time.Since(start)

	if runErr != nil {
		s.recordFailure(ctx, log, exec, result, runErr, duration)
		telemetry.RecordError(span, runErr)
		return
	}

	s.recordSuccess(ctx, log, exec, result, duration)
	telemetry.RecordSuccess(span)
}

func (s *Service) recordSuccess(ctx context.Context, log *telemetry.Logger, exec *stores.Execution, result *Result, duration time.Duration) {
	itemsFound, itemsActioned := 0, 0
	if result != nil {
		itemsFound = result.ItemsFound
		itemsActioned = result.ItemsActioned
	}

	moved, err := s.store.MarkCompleted(ctx, exec.ExecutionID, marshalResult(result), itemsFound, itemsActioned)
	if err != nil {
		log.WithError(err).Error("could not record completion")
		return
	}
	if !moved {
		log.Warn("execution left executing status concurrently")
		return
	}

	s.metrics.RecordExecutionFinished(exec.RunbookName, string(stores.StatusCompleted), duration)
	log.Infof("execution completed: %d found, %d actioned", itemsFound, itemsActioned)

	s.fireNotification(ctx, notify.Notification{
		EventType: notify.EventCompleted,
		Summary:   fmt.Sprintf("runbook %s completed", exec.RunbookName),
		Severity:  notify.SeverityInfo,
		Resource:  exec.RunbookName,
		Actor:     exec.TriggeredBy,
		Details: map[string]interface{}{
			"execution_id":   exec.ExecutionID,
			"dry_run":        exec.DryRun,
			"items_found":    itemsFound,
			"items_actioned": itemsActioned,
			"duration_ms":    duration.Milliseconds(),
		},
	})
}

func (s *Service) recordFailure(ctx context.Context, log *telemetry.Logger, exec *stores.Execution, result *Result, runErr error, duration time.Duration) {
	itemsFound, itemsActioned := 0, 0
	if result != nil {
		itemsFound = result.ItemsFound
		itemsActioned = result.ItemsActioned
	}

	msg := truncateErrorMessage(runErr.Error())
	moved, err := s.store.MarkFailed(ctx, exec.ExecutionID, msg, itemsFound, itemsActioned)
	if err != nil {
		log.WithError(err).Error("could not record failure")
		return
	}
	if !moved {
		log.Warn("execution left executing status concurrently")
		return
	}

	s.metrics.RecordExecutionFinished(exec.RunbookName, string(stores.StatusFailed), duration)
	log.WithError(runErr).Error("execution failed")

	s.fireNotification(ctx, notify.Notification{
		EventType: notify.EventFailed,
		Summary:   fmt.Sprintf("runbook %s failed", exec.RunbookName),
		Severity:  notify.SeverityCritical,
		Resource:  exec.RunbookName,
		Actor:     exec.TriggeredBy,
		Details: map[string]interface{}{
			"execution_id": exec.ExecutionID,
			"dry_run":      exec.DryRun,
			"error":        msg,
		},
	})
}

// safeRun invokes the engine with panic containment. A panic or an
// unclassified error both surface as an engine failure.
func safeRun(ctx context.Context, engine Engine, req Request) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = NewError(KindEngineFailure, fmt.Sprintf("engine panic: %v", r), nil).
				WithRunbook(req.Runbook).
				WithExecution(req.ExecutionID)
		}
	}()

	result, err = engine.Run(ctx, req)
	if err != nil && KindOf(err) != KindEngineFailure {
		err = NewError(KindEngineFailure, "engine returned error", err).
			WithRunbook(req.Runbook).
			WithExecution(req.ExecutionID)
	}
	return result, err
}

// fireNotification delivers best-effort. Failures are logged and counted,
// never propagated to the lifecycle operation that produced the event.
func (s *Service) fireNotification(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	n.FiredAt = nowUTC()
	if err := s.notifier.Send(ctx, n); err != nil {
		s.metrics.RecordNotifierFailure()
		s.logger.WithError(err).Warnf("notification delivery failed for %s", n.EventType)
	}
}

func truncateErrorMessage(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	return msg[:maxErrorMessageLen]
}

func marshalResult(result *Result) string {
	if result == nil {
		return "{}"
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
