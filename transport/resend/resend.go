// Package resend delivers mailq jobs through the Resend HTTP API.
package resend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v3"

	"github.com/xraph/mailq/transport"
)

// JobIDHeader is added to every message so recipients can deduplicate
// repeated attempts.
const JobIDHeader = "X-Mailq-Job-ID"

// Config holds Resend provider settings.
type Config struct {
	APIKey      string `yaml:"api_key"`
	SenderEmail string `yaml:"sender_email"`
	SenderName  string `yaml:"sender_name"`
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string `yaml:"base_url"`
}

// Transport implements transport.Transport using the Resend API.
type Transport struct {
	client *resend.Client
	config Config
}

var _ transport.Transport = (*Transport)(nil)

// New creates a new Resend transport.
func New(cfg Config) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("mailq/resend: api key is required")
	}
	client := resend.NewClient(cfg.APIKey)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("mailq/resend: base url: %w", err)
		}
		client.BaseURL = u
	}
	return &Transport{client: client, config: cfg}, nil
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, r *transport.Request) error {
	msg, err := transport.DecodeMessage(r.Payload)
	if err != nil {
		return err
	}

	from := msg.From
	if from == "" {
		if t.config.SenderName != "" {
			from = fmt.Sprintf("%s <%s>", t.config.SenderName, t.config.SenderEmail)
		} else {
			from = t.config.SenderEmail
		}
	}
	if from == "" {
		return transport.Permanentf("mailq/resend: no sender address")
	}

	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[JobIDHeader] = r.JobID.String()

	req := &resend.SendEmailRequest{
		From:    from,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		Headers: headers,
	}

	if _, err := t.client.Emails.SendWithContext(ctx, req); err != nil {
		return classify(err)
	}
	return nil
}

// permanentMarkers are Resend error names that no retry will fix.
var permanentMarkers = []string{
	"validation_error",
	"missing_required_field",
	"invalid_api_key",
	"restricted_api_key",
	"invalid_from_address",
	"invalid_to_address",
	"invalid_attachment",
	"not_found",
	"method_not_allowed",
	"invalid_idempotent_request",
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transport.Transientf("mailq/resend: %w", err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return transport.Permanentf("mailq/resend: %w", err)
		}
	}
	return transport.Transientf("mailq/resend: %w", err)
}
