// Package mailq provides a persistent background dispatch scheduler for
// outbound mail. Send requests are queued in a durable job store, survive
// process death, are retried with backoff on transient failures and report
// terminal outcomes to the caller.
//
// mailq is designed as a library. Import it, pick a store, register one or
// more transports and let the scheduler drain due work on every wake.
//
// # Quick Start
//
//	d, err := mailq.New(
//	    mailq.WithStore(sqliteStore),
//	    mailq.WithConcurrency(4),
//	)
//	eng, err := engine.Build(d, engine.WithTransport("smtp", smtpSender))
//	j, err := eng.Enqueue(ctx, "welcome:42", "smtp", payload)
//
// # Architecture
//
// The job package owns the job entity, its state machine and the store
// contract. Stores (memory, sqlite, postgres, redis) implement that contract
// with atomic compare-and-swap transitions. A claim records its owner and a
// fresh token; outcomes must present that token, so an attempt whose claim
// was taken back cannot overwrite the new owner's result. The scheduler
// recomputes due work from the store on every wake, so it never depends on
// wake timeliness.
//
// Job IDs are K-sortable TypeIDs ("job_01h2xcejqtf2nbrexx3vqjhp41").
package mailq
