// Package storetest is a conformance suite shared by every store.Store
// implementation. Each backend's tests call Run with a constructor that
// returns a fresh, migrated, empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/store"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"PutAndGet", testPutAndGet},
		{"DuplicateKey", testDuplicateKey},
		{"ListDueOrder", testListDueOrder},
		{"ListDueFilters", testListDueFilters},
		{"ListDueSkipsTransports", testListDueSkipsTransports},
		{"MarkRunningRace", testMarkRunningRace},
		{"MarkRunningConflict", testMarkRunningConflict},
		{"MarkResultRetryCycle", testMarkResultRetryCycle},
		{"MarkResultInvalid", testMarkResultInvalid},
		{"ClaimFencing", testClaimFencing},
		{"Unclaim", testUnclaim},
		{"CancelAndPurge", testCancelAndPurge},
		{"InterruptRunning", testInterruptRunning},
		{"InterruptRunningByOwnerAndAge", testInterruptRunningByOwnerAndAge},
		{"NextDueAt", testNextDueAt},
		{"ListAndCount", testListAndCount},
		{"PurgeTerminalBefore", testPurgeTerminalBefore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// base is a fixed, millisecond-aligned instant so every backend can
// round-trip it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(key string, next, created time.Time) *job.Job {
	j := job.New(key, "smtp", []byte(`{"to":["a@example.com"]}`), 3)
	j.CreatedAt = created
	j.UpdatedAt = created
	j.NextAttemptAt = next
	return j
}

func put(t *testing.T, s store.Store, j *job.Job) *job.Job {
	t.Helper()
	if err := s.PutJob(context.Background(), j); err != nil {
		t.Fatalf("PutJob(%s): %v", j.IdempotencyKey, err)
	}
	return j
}

func claim(t *testing.T, s store.Store, j *job.Job, now time.Time) *job.Job {
	t.Helper()
	return claimAs(t, s, j, "node-a", now)
}

func claimAs(t *testing.T, s store.Store, j *job.Job, owner string, now time.Time) *job.Job {
	t.Helper()
	got, err := s.MarkRunning(context.Background(), j.ID, owner, now)
	if err != nil {
		t.Fatalf("MarkRunning(%s, %s): %v", j.ID, owner, err)
	}
	if got.Owner != owner || got.ClaimToken == "" {
		t.Fatalf("MarkRunning(%s) owner=%q token=%q", j.ID, got.Owner, got.ClaimToken)
	}
	return got
}

func get(t *testing.T, s store.Store, j *job.Job) *job.Job {
	t.Helper()
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", j.ID, err)
	}
	return got
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.IdempotencyKey
	}
	return out
}

func testPutAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := put(t, s, newJob("welcome-1", base, base))

	got := get(t, s, j)
	if got.ID != j.ID || got.IdempotencyKey != "welcome-1" || got.Transport != "smtp" {
		t.Fatalf("GetJob = %+v, want %+v", got, j)
	}
	if got.State != job.StatePending || got.Attempts != 0 || got.MaxAttempts != 3 {
		t.Errorf("state/attempts = %s/%d/%d", got.State, got.Attempts, got.MaxAttempts)
	}
	if string(got.Payload) != string(j.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, j.Payload)
	}
	if !got.NextAttemptAt.Equal(base) || !got.CreatedAt.Equal(base) {
		t.Errorf("times = %v/%v, want %v", got.NextAttemptAt, got.CreatedAt, base)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("StartedAt/FinishedAt should be nil on a new job")
	}

	byKey, err := s.GetJobByKey(ctx, "welcome-1")
	if err != nil {
		t.Fatalf("GetJobByKey: %v", err)
	}
	if byKey.ID != j.ID {
		t.Errorf("GetJobByKey ID = %s, want %s", byKey.ID, j.ID)
	}

	if _, err := s.GetJob(ctx, newJob("x", base, base).ID); !errors.Is(err, mailq.ErrNotFound) {
		t.Errorf("GetJob(unknown) err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJobByKey(ctx, "missing"); !errors.Is(err, mailq.ErrNotFound) {
		t.Errorf("GetJobByKey(unknown) err = %v, want ErrNotFound", err)
	}
}

func testDuplicateKey(t *testing.T, s store.Store) {
	first := put(t, s, newJob("a", base, base))

	err := s.PutJob(context.Background(), newJob("a", base, base.Add(time.Second)))
	if !errors.Is(err, mailq.ErrDuplicateKey) {
		t.Fatalf("PutJob(dup) err = %v, want ErrDuplicateKey", err)
	}
	var dup *mailq.DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("PutJob(dup) err = %T, want *DuplicateKeyError", err)
	}
	if dup.ID != first.ID {
		t.Errorf("DuplicateKeyError.ID = %s, want %s", dup.ID, first.ID)
	}

	n, err := s.CountJobs(context.Background(), job.CountOpts{})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("CountJobs = %d, want 1", n)
	}
}

func testListDueOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	// Inserted newest first so insertion order cannot satisfy the test.
	put(t, s, newJob("third", base, base.Add(2*time.Second)))
	put(t, s, newJob("second", base, base.Add(time.Second)))
	put(t, s, newJob("first", base, base))

	due, err := s.ListDue(ctx, base, 2)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := fmt.Sprint(ids(due)); got != "[first second]" {
		t.Errorf("ListDue(now, 2) = %s, want [first second]", got)
	}

	// An earlier NextAttemptAt wins over an earlier CreatedAt.
	put(t, s, newJob("early", base.Add(-time.Minute), base.Add(time.Hour)))
	due, err = s.ListDue(ctx, base, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := fmt.Sprint(ids(due)); got != "[early first second third]" {
		t.Errorf("ListDue(now, 10) = %s", got)
	}

	due, err = s.ListDue(ctx, base, 0)
	if err != nil {
		t.Fatalf("ListDue(limit 0): %v", err)
	}
	if len(due) != 0 {
		t.Errorf("ListDue(limit 0) returned %d jobs", len(due))
	}
}

func testListDueFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	put(t, s, newJob("future", base.Add(time.Minute), base))
	running := put(t, s, newJob("running", base, base))
	cancelled := put(t, s, newJob("cancelled", base, base))
	retrying := put(t, s, newJob("retrying", base, base))
	put(t, s, newJob("pending", base, base.Add(time.Second)))

	claim(t, s, running, base)
	if _, err := s.Cancel(ctx, cancelled.ID, base); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	claimed := claim(t, s, retrying, base)
	o := job.Retry(1, base.Add(-time.Second), job.ClassTransient, errors.New("421 busy"), base)
	if _, err := s.MarkResult(ctx, retrying.ID, o.For(claimed)); err != nil {
		t.Fatalf("MarkResult: %v", err)
	}

	due, err := s.ListDue(ctx, base, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := fmt.Sprint(ids(due)); got != "[retrying pending]" {
		t.Errorf("ListDue = %s, want [retrying pending]", got)
	}
}

func testListDueSkipsTransports(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 3 {
		put(t, s, newJob(fmt.Sprintf("smtp-%d", i), base, base.Add(time.Duration(i)*time.Second)))
	}
	hook := newJob("hook", base, base.Add(time.Minute))
	hook.Transport = "webhook"
	put(t, s, hook)
	api := newJob("api", base, base.Add(2*time.Minute))
	api.Transport = "resend"
	put(t, s, api)

	// The limit counts only jobs that survive the skip list, so a backlog
	// on a skipped transport cannot crowd the others out of the page.
	due, err := s.ListDue(ctx, base, 1, "smtp")
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := fmt.Sprint(ids(due)); got != "[hook]" {
		t.Errorf("ListDue(limit 1, skip smtp) = %s, want [hook]", got)
	}

	due, err = s.ListDue(ctx, base, 10, "smtp", "webhook")
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := fmt.Sprint(ids(due)); got != "[api]" {
		t.Errorf("ListDue(skip smtp webhook) = %s, want [api]", got)
	}

	due, err = s.ListDue(ctx, base, 10, "smtp", "webhook", "resend")
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("ListDue(skip all) = %s", ids(due))
	}
}

func testMarkRunningRace(t *testing.T, s store.Store) {
	j := put(t, s, newJob("race", base, base))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MarkRunning(context.Background(), j.ID, "node-a", base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, mailq.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != workers-1 || len(others) != 0 {
		t.Fatalf("wins=%d conflicts=%d others=%v, want 1/%d/none", wins, conflicts, others, workers-1)
	}
	if got := get(t, s, j); got.State != job.StateRunning {
		t.Errorf("State = %s, want running", got.State)
	}
}

func testMarkRunningConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := put(t, s, newJob("done", base, base))
	claimed := claim(t, s, j, base.Add(time.Second))

	if claimed.State != job.StateRunning {
		t.Errorf("MarkRunning state = %s", claimed.State)
	}
	if claimed.StartedAt == nil || !claimed.StartedAt.Equal(base.Add(time.Second)) {
		t.Errorf("StartedAt = %v", claimed.StartedAt)
	}
	if _, err := s.MarkResult(ctx, j.ID, job.Succeeded(1, base).For(claimed)); err != nil {
		t.Fatalf("MarkResult: %v", err)
	}
	if _, err := s.MarkRunning(ctx, j.ID, "node-a", base); !errors.Is(err, mailq.ErrConflict) {
		t.Errorf("MarkRunning(succeeded) err = %v, want ErrConflict", err)
	}
	if _, err := s.MarkRunning(ctx, newJob("x", base, base).ID, "node-a", base); !errors.Is(err, mailq.ErrNotFound) {
		t.Errorf("MarkRunning(unknown) err = %v, want ErrNotFound", err)
	}
}

func testMarkResultRetryCycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := put(t, s, newJob("cycle", base, base))
	cause := errors.New("connection reset")

	for attempt := 1; attempt < 3; attempt++ {
		claimed := claim(t, s, j, base)
		next := base.Add(time.Duration(attempt) * time.Minute)
		got, err := s.MarkResult(ctx, j.ID, job.Retry(attempt, next, job.ClassTransient, cause, base).For(claimed))
		if err != nil {
			t.Fatalf("attempt %d: MarkResult: %v", attempt, err)
		}
		if got.State != job.StateRetrying || got.Attempts != attempt || !got.NextAttemptAt.Equal(next) {
			t.Fatalf("attempt %d: got %s/%d/%v", attempt, got.State, got.Attempts, got.NextAttemptAt)
		}
		if got.LastErrorClass != job.ClassTransient || got.LastError != cause.Error() {
			t.Errorf("attempt %d: last error = %s/%q", attempt, got.LastErrorClass, got.LastError)
		}
		if got.ClaimToken != "" {
			t.Errorf("attempt %d: claim token %q survives the outcome", attempt, got.ClaimToken)
		}
	}

	claimed := claim(t, s, j, base)
	if _, err := s.MarkResult(ctx, j.ID, job.Fail(3, job.ClassTransient, cause, base.Add(time.Hour)).For(claimed)); err != nil {
		t.Fatalf("final MarkResult: %v", err)
	}
	got := get(t, s, j)
	if got.State != job.StateFailed || got.Attempts != 3 {
		t.Errorf("final = %s/%d, want failed/3", got.State, got.Attempts)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("FinishedAt = %v", got.FinishedAt)
	}
	if got.LastError != cause.Error() {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func testMarkResultInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	pending := put(t, s, newJob("pending", base, base))

	if _, err := s.MarkResult(ctx, pending.ID, job.Succeeded(1, base)); !errors.Is(err, mailq.ErrInvalidTransition) {
		t.Errorf("MarkResult(pending) err = %v, want ErrInvalidTransition", err)
	}
	if got := get(t, s, pending); got.State != job.StatePending || got.Attempts != 0 {
		t.Errorf("rejected transition changed job: %s/%d", got.State, got.Attempts)
	}

	running := put(t, s, newJob("running", base, base))
	claimed := claim(t, s, running, base)
	if _, err := s.MarkResult(ctx, running.ID, job.Succeeded(1, base)); !errors.Is(err, mailq.ErrInvalidTransition) {
		t.Errorf("MarkResult(no claim) err = %v, want ErrInvalidTransition", err)
	}
	back := job.Outcome{State: job.StatePending, Attempts: 1}.For(claimed)
	if _, err := s.MarkResult(ctx, running.ID, back); !errors.Is(err, mailq.ErrInvalidTransition) {
		t.Errorf("MarkResult(→pending) err = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.MarkResult(ctx, running.ID, job.Succeeded(1, base).For(claimed)); err != nil {
		t.Fatalf("MarkResult(succeeded): %v", err)
	}
	// The claim ended with the first outcome, so a second one is refused.
	if _, err := s.MarkResult(ctx, running.ID, job.Fail(2, job.ClassPermanent, nil, base).For(claimed)); !errors.Is(err, mailq.ErrClaimLost) {
		t.Errorf("MarkResult(succeeded→failed) err = %v, want ErrClaimLost", err)
	}
	if got := get(t, s, running); got.State != job.StateSucceeded || got.Attempts != 1 {
		t.Errorf("terminal job changed: %s/%d", got.State, got.Attempts)
	}
}

// testClaimFencing covers a restarted or second scheduler taking over a
// running job while the first one is still attempting it.
func testClaimFencing(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := put(t, s, newJob("fenced", base, base))

	a := claimAs(t, s, j, "node-a", base)

	// node-b starts and reclaims node-a's claim as stale.
	start := base.Add(15 * time.Minute)
	recovered, err := s.InterruptRunning(ctx, job.Reclaim{Owner: "node-b", StaleBefore: start.Add(-10 * time.Minute)}, start)
	if err != nil {
		t.Fatalf("InterruptRunning: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != j.ID {
		t.Fatalf("InterruptRunning = %v, want [fenced]", ids(recovered))
	}
	b := claimAs(t, s, j, "node-b", start)
	if b.ClaimToken == a.ClaimToken {
		t.Fatal("second claim reused the first claim's token")
	}

	// node-a's late outcome must not land on node-b's attempt.
	if _, err := s.MarkResult(ctx, j.ID, job.Succeeded(1, base.Add(20*time.Minute)).For(a)); !errors.Is(err, mailq.ErrClaimLost) {
		t.Fatalf("MarkResult(first claim) err = %v, want ErrClaimLost", err)
	}
	if _, err := s.Unclaim(ctx, j, a.ClaimToken, start); !errors.Is(err, mailq.ErrClaimLost) {
		t.Errorf("Unclaim(first claim) err = %v, want ErrClaimLost", err)
	}
	got := get(t, s, j)
	if got.State != job.StateRunning || got.Owner != "node-b" || got.ClaimToken != b.ClaimToken || got.Attempts != 0 {
		t.Fatalf("after lost claim: state=%s owner=%q attempts=%d", got.State, got.Owner, got.Attempts)
	}

	done, err := s.MarkResult(ctx, j.ID, job.Succeeded(1, start.Add(time.Second)).For(b))
	if err != nil {
		t.Fatalf("MarkResult(second claim): %v", err)
	}
	if done.State != job.StateSucceeded || done.Attempts != 1 || done.Owner != "node-b" {
		t.Errorf("final = %s/%d owner=%q", done.State, done.Attempts, done.Owner)
	}
}

func testUnclaim(t *testing.T, s store.Store) {
	ctx := context.Background()

	pending := put(t, s, newJob("pending", base, base))
	claimed := claim(t, s, pending, base.Add(time.Second))
	got, err := s.Unclaim(ctx, pending, claimed.ClaimToken, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Unclaim(pending): %v", err)
	}
	if got.State != job.StatePending || got.StartedAt != nil || got.Owner != "" || got.ClaimToken != "" || got.Attempts != 0 {
		t.Errorf("unclaimed pending = %s started=%v owner=%q token=%q attempts=%d",
			got.State, got.StartedAt, got.Owner, got.ClaimToken, got.Attempts)
	}
	if stored := get(t, s, pending); stored.State != job.StatePending || stored.LastError != "" {
		t.Errorf("stored = %s/%q", stored.State, stored.LastError)
	}
	if _, err := s.Unclaim(ctx, pending, claimed.ClaimToken, base.Add(3*time.Second)); !errors.Is(err, mailq.ErrClaimLost) {
		t.Errorf("second Unclaim err = %v, want ErrClaimLost", err)
	}

	retrying := put(t, s, newJob("retrying", base, base))
	first := claim(t, s, retrying, base)
	o := job.Retry(1, base.Add(time.Minute), job.ClassTransient, errors.New("421 busy"), base)
	if _, err := s.MarkResult(ctx, retrying.ID, o.For(first)); err != nil {
		t.Fatalf("MarkResult: %v", err)
	}
	prev := get(t, s, retrying)
	second := claim(t, s, prev, base.Add(time.Minute))
	got, err = s.Unclaim(ctx, prev, second.ClaimToken, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Unclaim(retrying): %v", err)
	}
	if got.State != job.StateRetrying || got.Attempts != 1 || got.LastError != "421 busy" {
		t.Errorf("unclaimed retrying = %s/%d/%q", got.State, got.Attempts, got.LastError)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, base)
	}
	if !got.NextAttemptAt.Equal(base.Add(time.Minute)) {
		t.Errorf("NextAttemptAt = %v", got.NextAttemptAt)
	}

	// The job is due again for the next cycle.
	due, err := s.ListDue(ctx, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if fmt.Sprint(ids(due)) != "[pending retrying]" {
		t.Errorf("ListDue after Unclaim = %s", ids(due))
	}
}

func testCancelAndPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := put(t, s, newJob("k", base, base))

	if err := s.Purge(ctx, j.ID); !errors.Is(err, mailq.ErrConflict) {
		t.Errorf("Purge(pending) err = %v, want ErrConflict", err)
	}
	got, err := s.Cancel(ctx, j.ID, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.State != job.StateCancelled || got.FinishedAt == nil {
		t.Errorf("Cancel = %s/%v", got.State, got.FinishedAt)
	}
	if _, err := s.Cancel(ctx, j.ID, base); !errors.Is(err, mailq.ErrConflict) {
		t.Errorf("Cancel(cancelled) err = %v, want ErrConflict", err)
	}

	running := put(t, s, newJob("running", base, base))
	claim(t, s, running, base)
	if _, err := s.Cancel(ctx, running.ID, base); !errors.Is(err, mailq.ErrConflict) {
		t.Errorf("Cancel(running) err = %v, want ErrConflict", err)
	}

	if err := s.Purge(ctx, j.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, mailq.ErrNotFound) {
		t.Errorf("GetJob(purged) err = %v, want ErrNotFound", err)
	}
	if err := s.Purge(ctx, j.ID); !errors.Is(err, mailq.ErrNotFound) {
		t.Errorf("Purge(purged) err = %v, want ErrNotFound", err)
	}

	// Purging frees the idempotency key.
	again := put(t, s, newJob("k", base, base))
	byKey, err := s.GetJobByKey(ctx, "k")
	if err != nil {
		t.Fatalf("GetJobByKey: %v", err)
	}
	if byKey.ID != again.ID {
		t.Errorf("GetJobByKey ID = %s, want %s", byKey.ID, again.ID)
	}
}

func testInterruptRunning(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := put(t, s, newJob("a", base, base))
	b := put(t, s, newJob("b", base, base.Add(time.Second)))
	put(t, s, newJob("idle", base, base))

	claim(t, s, a, base)
	first := claim(t, s, b, base)
	// b already finished one attempt before the crash.
	if _, err := s.MarkResult(ctx, b.ID, job.Retry(1, base, job.ClassTransient, errors.New("timeout"), base).For(first)); err != nil {
		t.Fatalf("MarkResult: %v", err)
	}
	claim(t, s, b, base)

	now := base.Add(10 * time.Minute)
	mine := job.Reclaim{Owner: "node-a"}
	got, err := s.InterruptRunning(ctx, mine, now)
	if err != nil {
		t.Fatalf("InterruptRunning: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("InterruptRunning returned %d jobs, want 2", len(got))
	}

	for _, tc := range []struct {
		j        *job.Job
		attempts int
	}{{a, 0}, {b, 1}} {
		stored := get(t, s, tc.j)
		if stored.State != job.StateRetrying {
			t.Errorf("%s: State = %s, want retrying", stored.IdempotencyKey, stored.State)
		}
		if stored.NextAttemptAt.After(now) {
			t.Errorf("%s: NextAttemptAt = %v, after %v", stored.IdempotencyKey, stored.NextAttemptAt, now)
		}
		if stored.Attempts != tc.attempts {
			t.Errorf("%s: Attempts = %d, want %d", stored.IdempotencyKey, stored.Attempts, tc.attempts)
		}
		if stored.ClaimToken != "" {
			t.Errorf("%s: claim token %q survives the interrupt", stored.IdempotencyKey, stored.ClaimToken)
		}
	}

	again, err := s.InterruptRunning(ctx, mine, now)
	if err != nil {
		t.Fatalf("InterruptRunning: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second InterruptRunning returned %d jobs", len(again))
	}
}

func testInterruptRunningByOwnerAndAge(t *testing.T, s store.Store) {
	ctx := context.Background()
	own := put(t, s, newJob("own", base, base))
	fresh := put(t, s, newJob("fresh", base, base))
	stale := put(t, s, newJob("stale", base, base))

	claimAs(t, s, own, "node-a", base.Add(9*time.Minute))
	freshClaim := claimAs(t, s, fresh, "node-b", base.Add(9*time.Minute))
	claimAs(t, s, stale, "node-b", base)

	now := base.Add(10 * time.Minute)
	got, err := s.InterruptRunning(ctx, job.Reclaim{Owner: "node-a", StaleBefore: base.Add(5 * time.Minute)}, now)
	if err != nil {
		t.Fatalf("InterruptRunning: %v", err)
	}
	keys := ids(got)
	slices.Sort(keys)
	if fmt.Sprint(keys) != "[own stale]" {
		t.Fatalf("InterruptRunning = %v, want [own stale]", keys)
	}

	stored := get(t, s, fresh)
	if stored.State != job.StateRunning || stored.ClaimToken != freshClaim.ClaimToken {
		t.Errorf("another instance's fresh claim was taken: %s token=%q", stored.State, stored.ClaimToken)
	}
	if _, err := s.MarkResult(ctx, fresh.ID, job.Succeeded(1, now).For(freshClaim)); err != nil {
		t.Errorf("MarkResult(fresh claim): %v", err)
	}
}

func testNextDueAt(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, ok, err := s.NextDueAt(ctx); err != nil || ok {
		t.Fatalf("NextDueAt(empty) = %v/%v, want false/nil", ok, err)
	}

	busy := put(t, s, newJob("busy", base.Add(-time.Hour), base))
	claim(t, s, busy, base)
	put(t, s, newJob("later", base.Add(2*time.Hour), base))
	put(t, s, newJob("soon", base.Add(time.Hour), base))

	at, ok, err := s.NextDueAt(ctx)
	if err != nil || !ok {
		t.Fatalf("NextDueAt = %v/%v", ok, err)
	}
	if !at.Equal(base.Add(time.Hour)) {
		t.Errorf("NextDueAt = %v, want %v", at, base.Add(time.Hour))
	}
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 5 {
		j := newJob(fmt.Sprintf("smtp-%d", i), base, base.Add(time.Duration(i)*time.Second))
		put(t, s, j)
	}
	hook := newJob("hook-0", base, base.Add(time.Minute))
	hook.Transport = "webhook"
	put(t, s, hook)
	if _, err := s.Cancel(ctx, hook.ID, base); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	tests := []struct {
		name string
		opts job.ListOpts
		want string
	}{
		{"all newest first", job.ListOpts{}, "[hook-0 smtp-4 smtp-3 smtp-2 smtp-1 smtp-0]"},
		{"limit", job.ListOpts{Limit: 2}, "[hook-0 smtp-4]"},
		{"offset", job.ListOpts{Offset: 4, Limit: 10}, "[smtp-1 smtp-0]"},
		{"offset past end", job.ListOpts{Offset: 10}, "[]"},
		{"by state", job.ListOpts{State: job.StateCancelled}, "[hook-0]"},
		{"by transport", job.ListOpts{Transport: "smtp", Limit: 1}, "[smtp-4]"},
	}
	for _, tt := range tests {
		got, err := s.ListJobs(ctx, tt.opts)
		if err != nil {
			t.Fatalf("%s: ListJobs: %v", tt.name, err)
		}
		if fmt.Sprint(ids(got)) != tt.want {
			t.Errorf("%s: ListJobs = %v, want %s", tt.name, ids(got), tt.want)
		}
	}

	counts := []struct {
		opts job.CountOpts
		want int64
	}{
		{job.CountOpts{}, 6},
		{job.CountOpts{State: job.StatePending}, 5},
		{job.CountOpts{Transport: "webhook"}, 1},
		{job.CountOpts{State: job.StatePending, Transport: "webhook"}, 0},
	}
	for _, c := range counts {
		n, err := s.CountJobs(ctx, c.opts)
		if err != nil {
			t.Fatalf("CountJobs(%+v): %v", c.opts, err)
		}
		if n != c.want {
			t.Errorf("CountJobs(%+v) = %d, want %d", c.opts, n, c.want)
		}
	}
}

func testPurgeTerminalBefore(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := put(t, s, newJob("old", base, base))
	claimed := claim(t, s, old, base)
	if _, err := s.MarkResult(ctx, old.ID, job.Succeeded(1, base).For(claimed)); err != nil {
		t.Fatalf("MarkResult: %v", err)
	}
	recent := put(t, s, newJob("recent", base, base))
	if _, err := s.Cancel(ctx, recent.ID, base.Add(48*time.Hour)); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	put(t, s, newJob("waiting", base, base))

	n, err := s.PurgeTerminalBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeTerminalBefore = %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, old.ID); !errors.Is(err, mailq.ErrNotFound) {
		t.Errorf("old job still present: %v", err)
	}
	if left, _ := s.CountJobs(ctx, job.CountOpts{}); left != 2 {
		t.Errorf("CountJobs after purge = %d, want 2", left)
	}
}
