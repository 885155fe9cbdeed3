package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		a.writeError(w, r, fmt.Errorf("%w: payload is required", errBadRequest))
		return
	}

	var opts []job.Option
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.NotBefore != nil {
		opts = append(opts, job.WithNotBefore(*req.NotBefore))
	}

	j, err := a.eng.Enqueue(r.Context(), req.IdempotencyKey, req.Transport, req.Payload, opts...)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := job.ListOpts{
		State:     job.State(q.Get("state")),
		Transport: q.Get("transport"),
		Limit:     defaultListLimit,
	}
	if opts.State != "" && !opts.State.Valid() {
		a.writeError(w, r, fmt.Errorf("%w: unknown state %q", errBadRequest, opts.State))
		return
	}

	var err error
	if opts.Limit, err = intParam(q.Get("limit"), defaultListLimit); err != nil {
		a.writeError(w, r, err)
		return
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		a.writeError(w, r, err)
		return
	}

	jobs, err := a.eng.List(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("list jobs: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Limit: opts.Limit, Offset: opts.Offset})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	j, err := a.eng.Status(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	j, err := a.eng.Cancel(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) resubmitJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req ResubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	j, err := a.eng.Resubmit(r.Context(), jobID, req.IdempotencyKey)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (a *API) purgeJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.eng.Purge(r.Context(), jobID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ──

func jobIDParam(r *http.Request) (id.JobID, error) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		return id.Nil, fmt.Errorf("%w: invalid job ID: %v", errBadRequest, err)
	}
	return jobID, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", errBadRequest, raw)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps mailq sentinel errors to HTTP status codes.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mailq.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mailq.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest), errors.Is(err, mailq.ErrInvalidJob):
		status = http.StatusBadRequest
	case errors.Is(err, mailq.ErrInvalidTransition):
		a.logger.Error("invalid state transition",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	default:
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}
