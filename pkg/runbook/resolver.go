package runbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsforge/opsforge/pkg/stores"
)

// BaselineRole is the role whose policy serves as the fallback default for
// any other triggering role.
const BaselineRole = "operator"

// PolicyResolver maps (runbook, caller role) to the applicable approval
// policy. Resolution is a pure lookup: the exact-role policy wins; any
// other role falls back to the baseline "operator" policy.
type PolicyResolver struct {
	store stores.Store
}

// NewPolicyResolver creates a resolver over the given store.
func NewPolicyResolver(store stores.Store) *PolicyResolver {
	return &PolicyResolver{store: store}
}

// Resolve returns the enabled policy applicable to the role, or a
// no-applicable-policy error when neither the exact role nor the baseline
// has one.
func (r *PolicyResolver) Resolve(ctx context.Context, runbookName, role string) (*stores.ApprovalPolicy, error) {
	policy, err := r.lookup(ctx, runbookName, role)
	if err != nil {
		return nil, err
	}
	if policy != nil {
		return policy, nil
	}

	if role != BaselineRole {
		policy, err = r.lookup(ctx, runbookName, BaselineRole)
		if err != nil {
			return nil, err
		}
		if policy != nil {
			return policy, nil
		}
	}

	return nil, NewError(KindNoApplicablePolicy,
		fmt.Sprintf("no enabled approval policy for role %q", role), nil).
		WithRunbook(runbookName)
}

// lookup fetches one policy row, treating absent and disabled rows the same
// way: both yield nil so resolution continues to the fallback.
func (r *PolicyResolver) lookup(ctx context.Context, runbookName, role string) (*stores.ApprovalPolicy, error) {
	policy, err := r.store.GetPolicy(ctx, runbookName, role)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy lookup failed: %w", err)
	}
	if !policy.Enabled {
		return nil, nil
	}
	return policy, nil
}
