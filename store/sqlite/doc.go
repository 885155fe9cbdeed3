// Package sqlite implements store.Store on an embedded SQLite file using
// the pure-Go modernc.org/sqlite driver. It is the default store for a
// single host: no external service, and queued mail survives process
// death as long as the file does.
//
//	s, err := sqlite.New(ctx, "/var/lib/mailq/jobs.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
//
// The database runs in WAL mode with a single connection. Timestamps are
// stored as Unix nanoseconds so they sort and compare exactly.
package sqlite
