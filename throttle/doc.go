// Package throttle limits how fast and how widely each transport is used.
//
// A relay or mail API usually enforces its own quotas. [Limit] sets a
// token-bucket rate (golang.org/x/time/rate) and a concurrency cap for one
// transport:
//
//	throttle.Limit{
//	    Transport:      "smtp",
//	    MaxConcurrency: 2,   // at most 2 SMTP sessions at once
//	    Rate:           1,   // one message per second sustained
//	    Burst:          5,
//	}
//
// The scheduler asks the [Manager] before claiming a due job. A throttled
// job is left untouched in the store and the scheduler re-wakes after the
// delay Acquire reports.
//
// Transports without a [Limit] are bounded only by the pool size.
package throttle
