package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/store"
	"github.com/xraph/mailq/store/sqlite"
	"github.com/xraph/mailq/store/storetest"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "mailq.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	first, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	j := job.New("restart", "smtp", []byte(`{}`), 3)
	if err := first.PutJob(ctx, j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	claimed, err := first.MarkRunning(ctx, j.ID, "node-a", j.CreatedAt)
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if err := second.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	got, err := second.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateRunning || got.Owner != "node-a" || got.ClaimToken != claimed.ClaimToken {
		t.Fatalf("after reopen: state=%s owner=%q token=%q", got.State, got.Owner, got.ClaimToken)
	}
	recovered, err := second.InterruptRunning(ctx, job.Reclaim{Owner: "node-a"}, j.CreatedAt)
	if err != nil {
		t.Fatalf("InterruptRunning: %v", err)
	}
	if len(recovered) != 1 || recovered[0].State != job.StateRetrying {
		t.Errorf("InterruptRunning = %+v", recovered)
	}
}
