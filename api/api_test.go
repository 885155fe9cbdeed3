package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/api"
	"github.com/xraph/mailq/engine"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/store/memory"
	"github.com/xraph/mailq/transport"
)

const msg = `{"from":"app@example.com","to":["alice@example.com"],"subject":"hi","text":"hello"}`

// newServer builds an API over an engine that is never started, so jobs
// stay in whatever state the test puts them in.
func newServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	d, err := mailq.New(mailq.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("mailq.New: %v", err)
	}
	eng, err := engine.Build(d,
		engine.WithTransport("smtp", transport.Func(func(context.Context, *transport.Request) error { return nil })),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	srv := httptest.NewServer(api.New(eng).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func enqueueBody(key string) string {
	return `{"idempotency_key":"` + key + `","transport":"smtp","payload":` + msg + `}`
}

func enqueue(t *testing.T, srv *httptest.Server, key string) *job.Job {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/v1/jobs", enqueueBody(key))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue %s: status %d", key, resp.StatusCode)
	}
	return decode[*job.Job](t, resp)
}

func TestEnqueue(t *testing.T) {
	t.Parallel()
	srv, eng := newServer(t)

	j := enqueue(t, srv, "welcome-1")
	if j.State != job.StatePending || j.Transport != "smtp" || j.Attempts != 0 {
		t.Errorf("enqueued job = %+v", j)
	}
	if !bytes.Equal(bytes.TrimSpace(j.Payload), []byte(msg)) {
		t.Errorf("payload = %s, want %s", j.Payload, msg)
	}

	stored, err := eng.StatusByKey(context.Background(), "welcome-1")
	if err != nil {
		t.Fatalf("StatusByKey: %v", err)
	}
	if stored.ID != j.ID {
		t.Errorf("stored id = %s, want %s", stored.ID, j.ID)
	}
}

func TestEnqueueDuplicateKeyReturnsExistingJob(t *testing.T) {
	t.Parallel()
	srv, eng := newServer(t)

	first := enqueue(t, srv, "dup")
	second := enqueue(t, srv, "dup")
	if first.ID != second.ID {
		t.Errorf("duplicate enqueue id = %s, want %s", second.ID, first.ID)
	}

	counts, err := eng.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[job.StatePending] != 1 {
		t.Errorf("pending = %d, want 1", counts[job.StatePending])
	}
}

func TestEnqueueOptions(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)

	body := `{"idempotency_key":"later","transport":"smtp","payload":` + msg +
		`,"max_attempts":2,"not_before":"2099-01-01T00:00:00Z"}`
	resp := do(t, srv, http.MethodPost, "/v1/jobs", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	j := decode[*job.Job](t, resp)
	if j.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d, want 2", j.MaxAttempts)
	}
	if j.NextAttemptAt.Year() != 2099 {
		t.Errorf("next_attempt_at = %s, want 2099", j.NextAttemptAt)
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"malformed json", http.MethodPost, "/v1/jobs", `{"idempotency_key":`},
		{"empty body", http.MethodPost, "/v1/jobs", ""},
		{"unknown field", http.MethodPost, "/v1/jobs", `{"key":"x","transport":"smtp","payload":{}}`},
		{"missing payload", http.MethodPost, "/v1/jobs", `{"idempotency_key":"x","transport":"smtp"}`},
		{"missing key", http.MethodPost, "/v1/jobs", `{"transport":"smtp","payload":` + msg + `}`},
		{"missing transport", http.MethodPost, "/v1/jobs", `{"idempotency_key":"x","payload":` + msg + `}`},
		{"bad job id", http.MethodGet, "/v1/jobs/not-an-id", ""},
		{"bad state filter", http.MethodGet, "/v1/jobs?state=lost", ""},
		{"negative limit", http.MethodGet, "/v1/jobs?limit=-1", ""},
		{"non-numeric offset", http.MethodGet, "/v1/jobs?offset=abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := do(t, srv, tt.method, tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if e := decode[api.ErrorResponse](t, resp); e.Error == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)
	missing := id.NewJobID().String()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/jobs/" + missing},
		{http.MethodPost, "/v1/jobs/" + missing + "/cancel"},
		{http.MethodDelete, "/v1/jobs/" + missing},
	} {
		resp := do(t, srv, tc.method, tc.path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestCancelAndPurge(t *testing.T) {
	t.Parallel()
	srv, eng := newServer(t)
	j := enqueue(t, srv, "withdraw")
	path := "/v1/jobs/" + j.ID.String()

	// Pending jobs cannot be purged.
	if resp := do(t, srv, http.MethodDelete, path, ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("purge pending = %d, want 409", resp.StatusCode)
	}

	resp := do(t, srv, http.MethodPost, path+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", resp.StatusCode)
	}
	if got := decode[*job.Job](t, resp); got.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	if resp := do(t, srv, http.MethodPost, path+"/cancel", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", resp.StatusCode)
	}

	if resp := do(t, srv, http.MethodDelete, path, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("purge = %d, want 204", resp.StatusCode)
	}
	if _, err := eng.Status(context.Background(), j.ID); err == nil {
		t.Error("job still present after purge")
	}

	// The key is free again.
	if again := enqueue(t, srv, "withdraw"); again.ID == j.ID {
		t.Error("re-enqueue after purge returned the purged job")
	}
}

func TestResubmit(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)
	j := enqueue(t, srv, "orig")
	path := "/v1/jobs/" + j.ID.String()

	if resp := do(t, srv, http.MethodPost, path+"/resubmit", `{"idempotency_key":"copy"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("resubmit pending = %d, want 409", resp.StatusCode)
	}
	do(t, srv, http.MethodPost, path+"/cancel", "")

	if resp := do(t, srv, http.MethodPost, path+"/resubmit", `{"idempotency_key":"orig"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("resubmit with same key = %d, want 400", resp.StatusCode)
	}

	resp := do(t, srv, http.MethodPost, path+"/resubmit", `{"idempotency_key":"copy"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resubmit = %d, want 202", resp.StatusCode)
	}
	cp := decode[*job.Job](t, resp)
	if cp.ID == j.ID || cp.IdempotencyKey != "copy" || cp.State != job.StatePending {
		t.Errorf("resubmitted job = %+v", cp)
	}
	if cp.Transport != j.Transport || !bytes.Equal(cp.Payload, j.Payload) {
		t.Error("resubmitted job does not carry the original transport and payload")
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)
	for _, key := range []string{"a", "b", "c"} {
		enqueue(t, srv, key)
	}
	c := enqueue(t, srv, "d")
	do(t, srv, http.MethodPost, "/v1/jobs/"+c.ID.String()+"/cancel", "")

	tests := []struct {
		query string
		want  int
	}{
		{"", 4},
		{"?state=pending", 3},
		{"?state=cancelled", 1},
		{"?transport=resend", 0},
		{"?limit=2", 2},
		{"?limit=2&offset=3", 1},
	}
	for _, tt := range tests {
		resp := do(t, srv, http.MethodGet, "/v1/jobs"+tt.query, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list%s = %d", tt.query, resp.StatusCode)
		}
		if got := decode[api.ListJobsResponse](t, resp); len(got.Jobs) != tt.want {
			t.Errorf("list%s returned %d jobs, want %d", tt.query, len(got.Jobs), tt.want)
		}
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)
	enqueue(t, srv, "s1")
	enqueue(t, srv, "s2")

	resp := do(t, srv, http.MethodGet, "/v1/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats = %d", resp.StatusCode)
	}
	st := decode[api.StatsResponse](t, resp)
	if st.Total != 2 || st.Jobs[job.StatePending] != 2 {
		t.Errorf("stats = %+v", st)
	}
	if len(st.Jobs) != len(job.States) {
		t.Errorf("stats has %d states, want %d", len(st.Jobs), len(job.States))
	}
	if st.Capacity != mailq.DefaultConfig().Concurrency {
		t.Errorf("capacity = %d, want %d", st.Capacity, mailq.DefaultConfig().Concurrency)
	}
	if len(st.Transports) != 1 || st.Transports[0] != "smtp" {
		t.Errorf("transports = %v", st.Transports)
	}
}

func TestWake(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)
	if resp := do(t, srv, http.MethodPost, "/v1/wake", ""); resp.StatusCode != http.StatusAccepted {
		t.Errorf("wake = %d, want 202", resp.StatusCode)
	}
}

func TestEnqueueDelivers(t *testing.T) {
	t.Parallel()
	d, err := mailq.New(mailq.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("mailq.New: %v", err)
	}
	sent := make(chan string, 1)
	eng, err := engine.Build(d, engine.WithTransport("smtp", transport.Func(func(_ context.Context, req *transport.Request) error {
		m, err := transport.DecodeMessage(req.Payload)
		if err != nil {
			return transport.Permanent(err)
		}
		sent <- m.Subject
		return nil
	})))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	srv := httptest.NewServer(api.New(eng).Handler())
	t.Cleanup(srv.Close)

	enqueue(t, srv, "live")
	if got := <-sent; got != "hi" {
		t.Errorf("subject = %q, want hi", got)
	}
}
