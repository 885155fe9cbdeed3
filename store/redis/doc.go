// Package redis implements store.Store on Redis using go-redis/v9. Jobs are
// stored as Hashes, a Sorted Set scored by next attempt time indexes the
// dispatchable jobs, and every transition is an optimistic WATCH/MULTI
// transaction on the job's hash.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client, redis.WithKeyPrefix("mailq:"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis
