// Package sync implements the synchronization engine that keeps the
// local mirror consistent with the remote authoritative store.
//
// Overview
//
// Three passes share one convergence function (ops.Apply):
//
//	Application ──> Orchestrator ──> mirror (optimistic apply)
//	                     │
//	                     └──> durable queue ──> Outgoing ──> remote
//
//	remote journal ──> Incoming ──> ops.Apply ──> mirror
//
// The Orchestrator owns per-partition state (loading generation, state
// machine, working flag), exposes the mutation API, and schedules the
// passes periodically. Outgoing drains the durable queue strictly in
// order and stops at the first failure so nothing is ever skipped.
// Incoming pulls the remote journal since each partition's cursor and
// advances the cursor only after every op is durably applied.
//
// Error Handling
//
// Transient remote failures are logged and retried by the next
// scheduled pass; the loop period is the only backoff. An unknown
// operation type indicates a client/server schema mismatch and is
// fatal, never retried. A stale initial-sync generation is silently
// dropped, not an error.
//
// Concurrency
//
// Each periodic pass guards itself with a running flag: a tick that
// fires while the previous one is still going is skipped, not queued.
// The durable queue is consumed only by the outgoing pass and the
// cursors are written only by the initial/incoming passes, so the
// passes never race on shared state.
package sync
