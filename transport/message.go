package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
)

// Message is the JSON payload understood by the bundled mail transports.
type Message struct {
	From    string            `json:"from,omitempty"`
	To      []string          `json:"to"`
	Cc      []string          `json:"cc,omitempty"`
	Bcc     []string          `json:"bcc,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Subject string            `json:"subject"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validation errors. DecodeMessage wraps them with Permanent.
var (
	ErrNoRecipients = errors.New("message has no recipients")
	ErrNoBody       = errors.New("message has neither text nor html body")
)

// DecodeMessage parses and validates a Message payload. Every error it
// returns is permanent: a malformed payload will not improve on retry.
func DecodeMessage(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, Permanentf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, Permanent(err)
	}
	return &m, nil
}

// Validate checks that the message has recipients, a body, and well-formed
// addresses.
func (m *Message) Validate() error {
	if len(m.To)+len(m.Cc)+len(m.Bcc) == 0 {
		return ErrNoRecipients
	}
	if m.Text == "" && m.HTML == "" {
		return ErrNoBody
	}
	for _, addr := range m.Recipients() {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("recipient %q: %w", addr, err)
		}
	}
	if m.From != "" {
		if _, err := mail.ParseAddress(m.From); err != nil {
			return fmt.Errorf("sender %q: %w", m.From, err)
		}
	}
	return nil
}

// Recipients returns To, Cc and Bcc in that order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return append(out, m.Bcc...)
}

// Encode marshals the message for use as a job payload.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
