// Package stores provides persistence layer implementations for OpsForge.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for the runbook catalog, approval policies,
// the execution ledger, and the approval log.
package stores
