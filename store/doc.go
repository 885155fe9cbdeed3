// Package store defines the aggregate persistence interface.
//
// The [job.Store] contract carries every operation the scheduler needs;
// [Store] adds Migrate, Ping and Close. A backend implements Store and is
// handed to mailq.WithStore.
//
// # Available Backends
//
//   - store/memory: in-memory store for tests and ephemeral use
//   - store/sqlite: embedded SQLite file, the default for a single host
//   - store/postgres: PostgreSQL using pgx/v5, for shared deployments
//   - store/redis: Redis hashes and sorted sets using go-redis/v9
//
// Every backend passes the conformance suite in store/storetest.
//
// # Usage
//
//	s, err := sqlite.New(ctx, "/var/lib/mailq/jobs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	d, err := mailq.New(mailq.WithStore(s))
//
// # Atomicity
//
// Each mutating operation is a single atomic step: a mutex in memory, one
// transaction or compare-and-set UPDATE in SQL, WATCH/MULTI in Redis. The
// transition rules themselves live in the job package.
package store
