// Package job defines the dispatch job entity, its state machine, and the
// persistence contract every store implements.
//
// # Job Entity
//
// A [Job] is one outbound message waiting to be delivered. It embeds
// [mailq.Entity] for timestamps, carries an opaque payload handed to a
// named transport, and progresses through a state machine:
//
//	pending → running → succeeded
//	pending → running → retrying → running → ...
//	pending → running → failed
//	pending | retrying → cancelled
//
// Fields of note:
//   - IdempotencyKey: caller-supplied, unique among non-purged jobs
//   - Transport: name of the transport that delivers the payload
//   - Attempts / MaxAttempts: completed attempts and the retry budget
//   - NextAttemptAt: earliest time the job may be dispatched
//
// # Transitions
//
// The transition rules live in [Claim], [Apply], [Cancel] and [Interrupt].
// Stores call these helpers inside their atomic section so every backend
// enforces the same machine.
package job
