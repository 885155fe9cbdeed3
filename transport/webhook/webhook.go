// Package webhook delivers mailq jobs by POSTing the payload as JSON to an
// HTTP endpoint, typically a reporting API or a mail relay with an HTTP
// front.
//
// Status codes map onto failure classes: 2xx is success; 408, 425, 429 and
// 5xx are transient; every other status is permanent.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/mailq/transport"
)

// Header names set on every request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderAttempt        = "X-Mailq-Attempt"
	HeaderSignature      = "X-Mailq-Signature"
)

// Config holds endpoint settings.
type Config struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	// Secret, when set, signs the body with HMAC-SHA256.
	Secret string `yaml:"secret"`
}

// Transport posts payloads to a fixed URL.
type Transport struct {
	cfg    Config
	client *http.Client
}

var _ transport.Transport = (*Transport)(nil)

// New creates a webhook transport. A nil client gets one with cfg.Timeout
// (30s by default).
func New(cfg Config, client *http.Client) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("mailq/webhook: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Transport{cfg: cfg, client: client}, nil
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, r *transport.Request) error {
	if !json.Valid(r.Payload) {
		return transport.Permanentf("mailq/webhook: payload is not valid JSON")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(r.Payload))
	if err != nil {
		return transport.Permanentf("mailq/webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, r.JobID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(r.Attempt))
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if t.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(t.cfg.Secret, r.Payload))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return transport.Transientf("mailq/webhook: post: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	if Retryable(resp.StatusCode) {
		return transport.Transient(statusErr)
	}
	return transport.Permanent(statusErr)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mailq/webhook: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("mailq/webhook: unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether a response status is worth retrying.
func Retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
