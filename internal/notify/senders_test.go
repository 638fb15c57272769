package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"promptforge/internal/config"
)

func TestWebhookSender_PostsPayload(t *testing.T) {
	t.Parallel()
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := Payload{
		Event:       EventCompleted,
		JobID:       "pf-job-0123456789abcdef",
		Name:        "nightly tune",
		Status:      "completed",
		Improvement: "+12.5%",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	sender := NewWebhookSender(srv.URL, srv.Client())
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.JobID != payload.JobID || got.Improvement != "+12.5%" || got.Event != EventCompleted {
		t.Errorf("received payload = %+v", got)
	}
}

func TestWebhookSender_Non2xxIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, srv.Client())
	err := sender.Send(context.Background(), TestPayload())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want 502 failure", err)
	}
}

func TestSlackSender_RendersText(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	payload := Payload{
		Event:  EventFailed,
		JobID:  "pf-job-0123456789abcdef",
		Name:   "nightly tune",
		Status: "failed",
		Error:  "rate limited by model API (reduce rate_limit or retry later)",
	}
	sender := NewSlackSender(srv.URL, srv.Client())
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	text := got["text"]
	for _, want := range []string{"Optimization Failed", "pf-job-0123456789abcdef", "nightly tune", "rate limited"} {
		if !strings.Contains(text, want) {
			t.Errorf("slack text missing %q: %s", want, text)
		}
	}
}

func TestBuildSenders(t *testing.T) {
	t.Parallel()
	senders := BuildSenders(config.NotificationsConfig{
		WebhookURL:      "https://example.com/hook",
		SlackWebhookURL: "https://hooks.slack.com/services/T/B/X",
	}, nil)
	if len(senders) != 2 {
		t.Fatalf("senders = %d, want 2", len(senders))
	}
	if senders[0].Name() != "webhook" || senders[1].Name() != "slack" {
		t.Errorf("sender names = %s/%s", senders[0].Name(), senders[1].Name())
	}

	if got := BuildSenders(config.NotificationsConfig{}, nil); len(got) != 0 {
		t.Errorf("empty config built %d senders", len(got))
	}
}

func TestSanitizeChannelError_RedactsWebhookURLs(t *testing.T) {
	t.Parallel()
	err := context.DeadlineExceeded
	if got := sanitizeChannelError(err); got != "context deadline exceeded" {
		t.Errorf("plain error = %q", got)
	}

	msg := sanitizeChannelError(
		&urlError{"post https://hooks.slack.com/services/T123/B456/secret failed"})
	if strings.Contains(msg, "secret") {
		t.Errorf("token leaked: %q", msg)
	}
	if !strings.Contains(msg, "hooks.slack.com") {
		t.Errorf("host redacted too aggressively: %q", msg)
	}
}

type urlError struct{ msg string }

func (e *urlError) Error() string { return e.msg }
