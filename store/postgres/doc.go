// Package postgres implements store.Store on PostgreSQL using pgx/v5 with
// raw SQL and embedded migrations. Each transition runs in one transaction
// that locks the job row with SELECT ... FOR UPDATE, so several processes
// can share one database.
package postgres
