// Package catalog provisions the runbook catalog and its approval policies
// from a YAML file into the store, optionally re-syncing when the file
// changes on disk.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opsforge/opsforge/pkg/stores"
)

// File is the root of a catalog YAML document.
type File struct {
	Runbooks []Entry `yaml:"runbooks" validate:"required,min=1,dive"`
}

// Entry declares one runbook and its approval policies.
type Entry struct {
	Name             string                 `yaml:"name" validate:"required"`
	DisplayName      string                 `yaml:"display_name"`
	Description      string                 `yaml:"description"`
	Category         string                 `yaml:"category"`
	RiskLevel        string                 `yaml:"risk_level" validate:"omitempty,oneof=low medium high critical"`
	SupportsDryRun   bool                   `yaml:"supports_dry_run"`
	Enabled          bool                   `yaml:"enabled"`
	ParametersSchema map[string]interface{} `yaml:"parameters_schema"`
	Policies         []PolicyEntry          `yaml:"policies" validate:"dive"`
}

// PolicyEntry declares one approval policy row for the enclosing runbook.
type PolicyEntry struct {
	TriggerRole              string `yaml:"trigger_role" validate:"required"`
	ApproverRole             string `yaml:"approver_role" validate:"required"`
	ApprovalMode             string `yaml:"approval_mode" validate:"required,oneof=auto_approve single_approval"`
	EscalationTimeoutMinutes int    `yaml:"escalation_timeout_minutes" validate:"gte=0"`
	MaxAutoExecutionsPerDay  int    `yaml:"max_auto_executions_per_day" validate:"gte=0"`
	Enabled                  bool   `yaml:"enabled"`
}

// Load parses and validates a catalog file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(raw)
}

// Parse parses and validates catalog YAML.
func Parse(raw []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Runbooks))
	for _, entry := range file.Runbooks {
		if seen[entry.Name] {
			return nil, fmt.Errorf("invalid catalog: duplicate runbook %q", entry.Name)
		}
		seen[entry.Name] = true

		roles := make(map[string]bool, len(entry.Policies))
		for _, policy := range entry.Policies {
			if roles[policy.TriggerRole] {
				return nil, fmt.Errorf("invalid catalog: duplicate policy for %s/%s", entry.Name, policy.TriggerRole)
			}
			roles[policy.TriggerRole] = true

			if policy.ApprovalMode == string(stores.ModeAutoApprove) && policy.MaxAutoExecutionsPerDay < 1 {
				return nil, fmt.Errorf("invalid catalog: %s/%s: auto_approve requires max_auto_executions_per_day >= 1",
					entry.Name, policy.TriggerRole)
			}
		}
	}

	return &file, nil
}

// Sync upserts every catalog entry and policy into the store. Rows absent
// from the file are left untouched; the catalog only adds and updates.
func (f *File) Sync(ctx context.Context, store stores.Store) error {
	for _, entry := range f.Runbooks {
		schema := "{}"
		if len(entry.ParametersSchema) > 0 {
			raw, err := json.Marshal(entry.ParametersSchema)
			if err != nil {
				return fmt.Errorf("failed to encode schema for %s: %w", entry.Name, err)
			}
			schema = string(raw)
		}

		displayName := entry.DisplayName
		if displayName == "" {
			displayName = entry.Name
		}

		rb := &stores.Runbook{
			Name:             entry.Name,
			DisplayName:      displayName,
			Description:      entry.Description,
			Category:         entry.Category,
			RiskLevel:        entry.RiskLevel,
			SupportsDryRun:   entry.SupportsDryRun,
			Enabled:          entry.Enabled,
			ParametersSchema: schema,
		}
		if err := store.UpsertRunbook(ctx, rb); err != nil {
			return fmt.Errorf("failed to sync runbook %s: %w", entry.Name, err)
		}

		for _, policy := range entry.Policies {
			p := &stores.ApprovalPolicy{
				RunbookName:              entry.Name,
				TriggerRole:              policy.TriggerRole,
				ApproverRole:             policy.ApproverRole,
				ApprovalMode:             stores.ApprovalMode(policy.ApprovalMode),
				EscalationTimeoutMinutes: policy.EscalationTimeoutMinutes,
				MaxAutoExecutionsPerDay:  policy.MaxAutoExecutionsPerDay,
				Enabled:                  policy.Enabled,
			}
			if err := store.UpsertPolicy(ctx, p); err != nil {
				return fmt.Errorf("failed to sync policy %s/%s: %w", entry.Name, policy.TriggerRole, err)
			}
		}
	}

	return nil
}
