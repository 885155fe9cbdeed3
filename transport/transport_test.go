package transport_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/transport"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want job.FailureClass
	}{
		{"unclassified", base, job.ClassTransient},
		{"transient", transport.Transient(base), job.ClassTransient},
		{"permanent", transport.Permanent(base), job.ClassPermanent},
		{"wrapped permanent", fmt.Errorf("send: %w", transport.Permanent(base)), job.ClassPermanent},
		{"outer wins", transport.Transient(transport.Permanent(base)), job.ClassTransient},
		{"deadline", context.DeadlineExceeded, job.ClassTransient},
		{"timeout", transport.ErrAttemptTimeout, job.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transport.Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := transport.Permanent(base)
	if !errors.Is(err, base) {
		t.Error("Permanent should wrap the cause")
	}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if transport.Permanent(nil) != nil || transport.Transient(nil) != nil {
		t.Error("classifying nil should stay nil")
	}
	if !transport.IsPermanent(transport.Permanentf("bad %d", 1)) {
		t.Error("Permanentf should be permanent")
	}
	if transport.IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
}

func TestRegistry(t *testing.T) {
	r := transport.NewRegistry()
	called := false
	r.Register("smtp", transport.Func(func(context.Context, *transport.Request) error {
		called = true
		return nil
	}))
	r.Register("webhook", transport.Func(func(context.Context, *transport.Request) error { return nil }))

	tr, err := r.Resolve("smtp")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := tr.Send(context.Background(), &transport.Request{}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("registered transport not invoked")
	}

	if _, err := r.Resolve("sms"); !errors.Is(err, mailq.ErrNoTransport) {
		t.Errorf("Resolve(unknown) = %v, want ErrNoTransport", err)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "smtp" || names[1] != "webhook" {
		t.Errorf("Names = %v", names)
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"valid", `{"to":["a@example.com"],"subject":"hi","text":"body"}`, nil},
		{"html only", `{"bcc":["a@example.com"],"html":"<p>x</p>"}`, nil},
		{"not json", `nope`, nil},
		{"no recipients", `{"subject":"hi","text":"x"}`, transport.ErrNoRecipients},
		{"no body", `{"to":["a@example.com"]}`, transport.ErrNoBody},
		{"bad address", `{"to":["not an address"],"text":"x"}`, nil},
		{"bad sender", `{"from":"@@","to":["a@example.com"],"text":"x"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := transport.DecodeMessage([]byte(tt.payload))
			if tt.name == "valid" || tt.name == "html only" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(m.Recipients()) != 1 {
					t.Errorf("recipients = %v", m.Recipients())
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !transport.IsPermanent(err) {
				t.Errorf("decode error %v should be permanent", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageEncodeRoundTrip(t *testing.T) {
	m := &transport.Message{To: []string{"a@example.com"}, Subject: "s", Text: "t"}
	raw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := transport.DecodeMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Subject != "s" || got.To[0] != "a@example.com" {
		t.Errorf("got %+v", got)
	}
}
