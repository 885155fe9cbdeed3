package smtp_test

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/transport"
	"github.com/xraph/mailq/transport/smtp"
)

// fakeRelay is a minimal SMTP server. rcptReply is sent for every RCPT TO.
type fakeRelay struct {
	ln        net.Listener
	rcptReply string

	mu   sync.Mutex
	data []string
}

func startRelay(t *testing.T, rcptReply string) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &fakeRelay{ln: ln, rcptReply: rcptReply}
	t.Cleanup(func() { _ = ln.Close() })
	go r.serve()
	return r
}

func (r *fakeRelay) port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *fakeRelay) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func (r *fakeRelay) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

func (r *fakeRelay) handle(conn net.Conn) {
	defer conn.Close()
	tc := textproto.NewConn(conn)
	_ = tc.PrintfLine("220 fake ESMTP")
	for {
		line, err := tc.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			_ = tc.PrintfLine("250 fake")
		case "MAIL":
			_ = tc.PrintfLine("250 ok")
		case "RCPT":
			_ = tc.PrintfLine("%s", r.rcptReply)
		case "DATA":
			_ = tc.PrintfLine("354 go ahead")
			lines, err := tc.ReadDotLines()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.data = append(r.data, strings.Join(lines, "\n"))
			r.mu.Unlock()
			_ = tc.PrintfLine("250 queued")
		case "QUIT":
			_ = tc.PrintfLine("221 bye")
			return
		default:
			_ = tc.PrintfLine("502 unknown")
		}
	}
}

func newTransport(t *testing.T, port int) *smtp.Transport {
	t.Helper()
	tr, err := smtp.New(smtp.Config{
		Host:     "127.0.0.1",
		Port:     port,
		From:     "sender@example.com",
		Security: smtp.SecurityNone,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func request(t *testing.T, m *transport.Message) *transport.Request {
	t.Helper()
	payload, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return &transport.Request{JobID: id.NewJobID(), IdempotencyKey: "k", Attempt: 1, Payload: payload}
}

func TestSend_Delivers(t *testing.T) {
	relay := startRelay(t, "250 ok")
	tr := newTransport(t, relay.port())
	req := request(t, &transport.Message{
		To:      []string{"Rcpt <rcpt@example.com>"},
		Subject: "Forwarded SMS",
		Text:    "hello",
		HTML:    "<p>hello</p>",
	})

	if err := tr.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := relay.messages()
	if len(msgs) != 1 {
		t.Fatalf("relay got %d messages, want 1", len(msgs))
	}
	body := msgs[0]
	for _, want := range []string{
		smtp.JobIDHeader + ": " + req.JobID.String(),
		"Subject: Forwarded SMS",
		"multipart/alternative",
		"text/html",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q:\n%s", want, body)
		}
	}
}

func TestSend_ClassifiesReplies(t *testing.T) {
	tests := []struct {
		reply string
		want  job.FailureClass
	}{
		{"550 mailbox unavailable", job.ClassPermanent},
		{"451 try again later", job.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			t.Parallel()
			relay := startRelay(t, tt.reply)
			tr := newTransport(t, relay.port())
			err := tr.Send(context.Background(), request(t, &transport.Message{
				To: []string{"rcpt@example.com"}, Text: "x",
			}))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := transport.Classify(err); got != tt.want {
				t.Errorf("class = %q, want %q (%v)", got, tt.want, err)
			}
		})
	}
}

func TestSend_UnreachableIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	tr := newTransport(t, port)
	err = tr.Send(context.Background(), request(t, &transport.Message{To: []string{"a@example.com"}, Text: "x"}))
	if err == nil || transport.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestSend_BadPayloadIsPermanent(t *testing.T) {
	tr := newTransport(t, 25)
	err := tr.Send(context.Background(), &transport.Request{JobID: id.NewJobID(), Payload: []byte(`{"to":[]}`)})
	if !transport.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := smtp.New(smtp.Config{}); err == nil {
		t.Error("expected error for missing host")
	}
	if _, err := smtp.New(smtp.Config{Host: "h", Security: "ssl3"}); err == nil {
		t.Error("expected error for unknown security mode")
	}
	if _, err := smtp.New(smtp.Config{Host: "h:" + strconv.Itoa(1)}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
