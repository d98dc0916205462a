// Package authz defines the authorization contract the runbook engine
// consumes, plus a static in-process provider used for wiring and tests.
// Authentication and session management live outside this module; the
// caller's identity arrives on the request context.
package authz

import (
	"context"
	"fmt"
)

// Resource and action names used by the runbook service.
const (
	ResourceRunbooks = "runbooks"

	ActionRead    = "read"
	ActionTrigger = "trigger"
	ActionApprove = "approve"
	ActionCancel  = "cancel"
	ActionAdmin   = "admin"
)

// Actor is an authenticated caller and the role it holds.
type Actor struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// PermissionError reports a denied or unauthenticated request.
type PermissionError struct {
	Actor    string
	Resource string
	Action   string
	Reason   string
}

func (e *PermissionError) Error() string {
	if e.Actor == "" {
		return fmt.Sprintf("unauthenticated request for %s:%s: %s", e.Resource, e.Action, e.Reason)
	}
	return fmt.Sprintf("actor %q denied %s:%s: %s", e.Actor, e.Resource, e.Action, e.Reason)
}

// Provider checks that the calling actor may perform an action on a resource.
type Provider interface {
	// RequirePermission resolves the caller from the context and verifies
	// the permission, returning the actor and its role on success.
	RequirePermission(ctx context.Context, resource, action string) (Actor, error)
}

type actorContextKey struct{}

// WithActor attaches the calling actor name to the context.
func WithActor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, name)
}

// ActorFromContext retrieves the calling actor name, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(actorContextKey{}).(string)
	return name, ok && name != ""
}

// StaticProvider is a Provider backed by in-memory role assignments and
// role grants. Grants are "resource:action" pairs; "*" matches any action
// on the resource.
type StaticProvider struct {
	roles  map[string]string
	grants map[string][]string
}

// NewStaticProvider builds a provider from actor role assignments and
// per-role grants.
func NewStaticProvider(roles map[string]string, grants map[string][]string) *StaticProvider {
	return &StaticProvider{roles: roles, grants: grants}
}

// DefaultGrants returns the grant table the stock roles use: operators
// trigger and observe, admins additionally approve and administer policy.
func DefaultGrants() map[string][]string {
	return map[string][]string{
		"operator": {
			ResourceRunbooks + ":" + ActionRead,
			ResourceRunbooks + ":" + ActionTrigger,
			ResourceRunbooks + ":" + ActionCancel,
		},
		"admin": {
			ResourceRunbooks + ":*",
		},
	}
}

// RequirePermission implements Provider.
func (p *StaticProvider) RequirePermission(ctx context.Context, resource, action string) (Actor, error) {
	name, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, &PermissionError{Resource: resource, Action: action, Reason: "no actor on context"}
	}

	role, ok := p.roles[name]
	if !ok {
		return Actor{}, &PermissionError{Actor: name, Resource: resource, Action: action, Reason: "unknown actor"}
	}

	want := resource + ":" + action
	wildcard := resource + ":*"
	for _, grant := range p.grants[role] {
		if grant == want || grant == wildcard {
			return Actor{Name: name, Role: role}, nil
		}
	}

	return Actor{}, &PermissionError{Actor: name, Resource: resource, Action: action, Reason: "role " + role + " lacks grant"}
}
