// Package runbook implements the policy-gated runbook execution framework:
// the trigger/approve/cancel lifecycle over the persisted execution ledger,
// approval-policy resolution with rate limiting, and strategy dispatch to
// registered engines. Remediation logic itself is pluggable; the framework
// treats engines as opaque.
package runbook
