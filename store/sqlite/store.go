package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/xraph/mailq/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure Store implements the aggregate interface at compile time.
var _ store.Store = (*Store)(nil)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (creating if needed) the database file at path. Use ":memory:"
// for a throwaway database. The Store owns the connection and Close
// releases it.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("mailq/sqlite: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("mailq/sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("mailq/sqlite: open: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mailq/sqlite: connect: %w", err)
	}

	s := NewFromDB(db, opts...)
	s.owned = true
	return s, nil
}

// NewFromDB wraps an existing *sql.DB opened with the modernc "sqlite"
// driver. The caller owns the db lifecycle.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func dsn(path string) string {
	return "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mailq_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`)
	if err != nil {
		return fmt.Errorf("mailq/sqlite: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("mailq/sqlite: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		applied, err := s.applyMigration(ctx, entry.Name())
		if err != nil {
			return err
		}
		if applied {
			s.logger.Info("applied migration", slog.String("file", entry.Name()))
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("mailq/sqlite: begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM mailq_migrations WHERE filename = ?`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("mailq/sqlite: check migration %s: %w", name, err)
	}
	if exists > 0 {
		return false, nil
	}

	data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
	if err != nil {
		return false, fmt.Errorf("mailq/sqlite: read migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		return false, fmt.Errorf("mailq/sqlite: execute migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mailq_migrations (filename) VALUES (?)`, name,
	); err != nil {
		return false, fmt.Errorf("mailq/sqlite: record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("mailq/sqlite: commit migration %s: %w", name, err)
	}
	return true, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection when the Store opened it. A db passed to
// NewFromDB is left to its owner.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
