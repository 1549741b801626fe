// Package channel defines the contract jobflow consumes from a durable job
// channel engine: named queues with at-least-once delivery, per-job retry and
// retention options, and recurrence rules that inject marker jobs.
//
// Adapters live in sub-packages:
//   - memory: in-process broker (tests, single-binary deployments)
//   - redisq: Redis-backed queues (lists + sorted sets)
//
// Ordering, retry timing and retention are owned by the adapter, not by the
// processors that consume it.
package channel
