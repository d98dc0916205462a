// Package engines provides the built-in runbook engine implementations:
// a no-op engine for wiring checks and a script engine that delegates the
// remediation to an external executable.
package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/opsforge/opsforge/pkg/runbook"
	"github.com/opsforge/opsforge/pkg/telemetry"
)

// Noop returns an engine that inspects nothing and actions nothing. It is
// useful for verifying the approval pipeline end to end without side
// effects.
func Noop() runbook.Engine {
	return runbook.EngineFunc(func(_ context.Context, req runbook.Request) (*runbook.Result, error) {
		return &runbook.Result{
			Output: map[string]interface{}{
				"engine":  "noop",
				"dry_run": req.DryRun,
			},
		}, nil
	})
}

// ScriptEngine delegates a runbook to an external executable. The request
// is written to the script's stdin as JSON and the script prints a result
// JSON document on stdout. A non-zero exit fails the execution.
type ScriptEngine struct {
	command []string
	workDir string
	timeout time.Duration
	logger  *telemetry.Logger
}

// NewScriptEngine creates a script engine running the given command. The
// command is the executable plus fixed arguments; runbook parameters
// travel on stdin, not argv.
func NewScriptEngine(command []string, workDir string, timeout time.Duration, logger *telemetry.Logger) (*ScriptEngine, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("script command is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &ScriptEngine{
		command: command,
		workDir: workDir,
		timeout: timeout,
		logger:  logger.NewComponentLogger("script-engine"),
	}, nil
}

// Run implements runbook.Engine.
func (e *ScriptEngine) Run(ctx context.Context, req runbook.Request) (*runbook.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Dir = e.workDir
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.WithExecutionID(req.ExecutionID).WithRunbook(req.Runbook).
		Debugf("running script %s", e.command[0])

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("script timed out after %s", e.timeout)
		}
		msg := firstLine(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("script failed: %w", err)
		}
		return nil, fmt.Errorf("script failed: %w: %s", err, msg)
	}

	result := &runbook.Result{}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, result); err != nil {
			return nil, fmt.Errorf("script produced invalid result JSON: %w", err)
		}
	}

	return result, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
