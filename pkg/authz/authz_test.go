package authz

import (
	"context"
	"testing"
)

func newTestProvider() *StaticProvider {
	return NewStaticProvider(
		map[string]string{
			"alice": "operator",
			"bob":   "admin",
		},
		DefaultGrants(),
	)
}

func TestRequirePermission(t *testing.T) {
	p := newTestProvider()

	tests := []struct {
		name    string
		actor   string
		action  string
		wantErr bool
	}{
		{"operator can trigger", "alice", ActionTrigger, false},
		{"operator can read", "alice", ActionRead, false},
		{"operator cannot approve", "alice", ActionApprove, true},
		{"operator cannot administer", "alice", ActionAdmin, true},
		{"admin wildcard covers approve", "bob", ActionApprove, false},
		{"admin wildcard covers admin", "bob", ActionAdmin, false},
		{"unknown actor denied", "mallory", ActionRead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithActor(context.Background(), tt.actor)
			actor, err := p.RequirePermission(ctx, ResourceRunbooks, tt.action)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected permission error, got actor %+v", actor)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if actor.Name != tt.actor {
				t.Errorf("expected actor %s, got %s", tt.actor, actor.Name)
			}
		})
	}
}

func TestRequirePermissionWithoutActor(t *testing.T) {
	p := newTestProvider()

	if _, err := p.RequirePermission(context.Background(), ResourceRunbooks, ActionRead); err == nil {
		t.Fatal("expected error for context without actor")
	}
}
