package resend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/transport"
	"github.com/xraph/mailq/transport/resend"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := resend.New(resend.Config{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestSend_PostsEmail(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"49a3999c-0ce1-4ea6-ab68-afcd6dc2e794"}`))
	}))
	defer srv.Close()

	tr, err := resend.New(resend.Config{APIKey: "re_test", SenderEmail: "noreply@example.com", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	jobID := id.NewJobID()
	payload, _ := (&transport.Message{To: []string{"a@example.com"}, Subject: "s", Text: "t"}).Encode()
	if err := tr.Send(context.Background(), &transport.Request{JobID: jobID, Attempt: 1, Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if body["from"] != "noreply@example.com" {
		t.Errorf("from = %v", body["from"])
	}
	headers, _ := body["headers"].(map[string]any)
	if headers[resend.JobIDHeader] != jobID.String() {
		t.Errorf("headers = %v", headers)
	}
}

func TestSend_InvalidPayloadIsPermanent(t *testing.T) {
	tr, err := resend.New(resend.Config{APIKey: "re_test", SenderEmail: "noreply@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Send(context.Background(), &transport.Request{JobID: id.NewJobID(), Payload: []byte(`{}`)})
	if !transport.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}
