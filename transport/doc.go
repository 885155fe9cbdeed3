// Package transport defines the boundary between the scheduler and the
// code that actually hands a message to a relay.
//
// A [Transport] receives a [Request] carrying the job id, idempotency key,
// attempt number and the opaque payload, and reports success or an error.
// Errors are classified with [Permanent] and [Transient]; anything left
// unclassified is treated as transient so the attempt budget still bounds
// it.
//
// Adapters for SMTP, the Resend HTTP API and JSON webhooks live in the
// smtp, resend and webhook subpackages. They share the [Message] payload
// format.
package transport
