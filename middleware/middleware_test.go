package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/middleware"
	"github.com/xraph/mailq/transport"
)

func claimedJob() *job.Job {
	j := job.New("key-1", "smtp", []byte(`{}`), 5)
	j.State = job.StateRunning
	j.Attempts = 2
	return j
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), claimedJob(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), claimedJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestRecover_PanicIsPermanent(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	err := mw(context.Background(), claimedJob(), func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if !transport.IsPermanent(err) {
		t.Errorf("panic should be permanent, got %q", transport.Classify(err))
	}
	if got := err.Error(); got != "panic in transport smtp: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	want := errors.New("fail")
	err := mw(context.Background(), claimedJob(), func(_ context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_AbandonsSlowAttempt(t *testing.T) {
	mw := middleware.Timeout(20*time.Millisecond, slog.Default())
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := mw(context.Background(), claimedJob(), func(_ context.Context) error {
		// Ignores cancellation, like a transport stuck in a blocking call.
		<-release
		return nil
	})
	if !errors.Is(err, transport.ErrAttemptTimeout) {
		t.Fatalf("expected ErrAttemptTimeout, got %v", err)
	}
	if transport.IsPermanent(err) {
		t.Error("timeout should be transient")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestTimeout_FastAttempt(t *testing.T) {
	mw := middleware.Timeout(time.Second, slog.Default())
	var deadlineSet bool
	err := mw(context.Background(), claimedJob(), func(ctx context.Context) error {
		_, deadlineSet = ctx.Deadline()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deadlineSet {
		t.Error("expected a deadline on the attempt context")
	}
}

func TestTimeout_ZeroDisabled(t *testing.T) {
	mw := middleware.Timeout(0, slog.Default())
	err := mw(context.Background(), claimedJob(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("zero timeout should not set a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLogging_PassesResult(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	want := transport.Permanent(errors.New("550 no such user"))
	if err := mw(context.Background(), claimedJob(), func(_ context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if err := mw(context.Background(), claimedJob(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
