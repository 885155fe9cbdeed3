// Package engine wires the mailq subsystems together and provides the
// application-level API for enqueuing and inspecting mail jobs.
//
// # Building an Engine
//
//	d, err := mailq.New(
//	    mailq.WithStore(sqliteStore),
//	    mailq.WithConcurrency(4),
//	)
//
//	eng, err := engine.Build(d,
//	    engine.WithTransport("smtp", smtpSender),
//	    engine.WithTransport("webhook", reportClient),
//	    engine.WithThrottle(throttle.Limit{Transport: "smtp", Rate: 2, Burst: 5}),
//	    engine.WithWakeSource(periodic),
//	)
//
// # Enqueuing
//
//	j, err := eng.Enqueue(ctx, "order-42:receipt", "smtp", payload)
//
//	// Not before a given time, with a custom attempt budget.
//	j, err = eng.Enqueue(ctx, key, "smtp", payload,
//	    job.WithNotBefore(time.Now().Add(time.Hour)),
//	    job.WithMaxAttempts(10),
//	)
//
// Enqueue is idempotent on the key: a second call returns the job the key
// already names.
//
// # Running
//
// Start recovers jobs left running by a crashed process, then drains due
// work on every wake. Run does the same and blocks until its context ends.
//
// # Options
//
//   - [WithTransport]: register a transport by name
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware around the transport call
//   - [WithBackoff]: replace the retry delay strategy
//   - [WithThrottle]: per-transport rate and concurrency limits
//   - [WithWakeSource]: add a wake source
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
