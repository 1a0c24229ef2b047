package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestWebhookNotifier_PostsEvents(t *testing.T) {
	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received.Store(payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("new webhook notifier: %v", err)
	}

	events := []Event{{
		ServiceID: "echo.t1",
		From:      "RUNNING",
		To:        "CRASHED",
		Reason:    "exit code 1",
	}}
	if err := notifier.Notify(context.Background(), "tcs-main", events); err != nil {
		t.Fatalf("notify: %v", err)
	}

	payload, _ := received.Load().(map[string]any)
	if payload == nil {
		t.Fatal("no payload received")
	}
	if payload["launcher"] != "tcs-main" {
		t.Fatalf("launcher = %v", payload["launcher"])
	}
	list, _ := payload["events"].([]any)
	if len(list) != 1 {
		t.Fatalf("events = %v", payload["events"])
	}
}

func TestWebhookNotifier_EmptyURLIsNil(t *testing.T) {
	notifier, err := NewWebhookNotifier(zerolog.Nop(), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier != nil {
		t.Fatal("empty URL should produce nil notifier")
	}
}

func TestWebhookNotifier_CustomTemplate(t *testing.T) {
	var body atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		body.Store(string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, `{"text":"{{ .Launcher }}"}`)
	if err != nil {
		t.Fatalf("new webhook notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), "obs1", []Event{{ServiceID: "a.b"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got, _ := body.Load().(string); got != `{"text":"obs1"}` {
		t.Fatalf("body = %q", got)
	}
}

func TestMultiNotifier_SkipsNilNotifiers(t *testing.T) {
	calls := 0
	ok := notifierFunc(func(ctx context.Context, id string, events []Event) error {
		calls++
		return nil
	})
	multi := NewMultiNotifier(nil, ok, ok)
	if err := multi.Notify(context.Background(), "x", []Event{{}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

type notifierFunc func(ctx context.Context, id string, events []Event) error

func (f notifierFunc) Notify(ctx context.Context, id string, events []Event) error {
	return f(ctx, id, events)
}
