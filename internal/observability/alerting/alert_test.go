package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingNotifier struct {
	channel Channel
	err     error
	mu      sync.Mutex
	events  []Event
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	failing := &recordingNotifier{channel: ChannelSlack, err: errors.New("boom")}
	ok := &recordingNotifier{channel: ChannelWebhook}
	d := NewFanout(failing, ok, nil)

	err := d.Notify(context.Background(), Event{Code: CodeAgentUnhealthy, AgentID: "a1"})
	if err == nil || !strings.Contains(err.Error(), "slack") {
		t.Fatalf("expected slack failure to be reported, got %v", err)
	}
	if len(ok.events) != 1 {
		t.Fatalf("webhook notifier should still receive the event")
	}
	if ok.events[0].Severity == "" || ok.events[0].OccurredAt.IsZero() {
		t.Fatalf("defaults not filled: %+v", ok.events[0])
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "t" {
			t.Errorf("missing header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "t"}, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: CodeAgentUnhealthy, AgentID: "a1", Message: "error rate 0.75"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.AgentID != "a1" || got.Code != CodeAgentUnhealthy {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSlackNotifierSkipsWhenUnconfigured(t *testing.T) {
	var n *SlackNotifier
	if err := n.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should not fail: %v", err)
	}
	text := formatSlack(Event{Code: CodeAgentUnhealthy, Severity: "warning", Message: "m", AgentID: "a1", Metadata: map[string]string{"b": "2", "a": "1"}})
	if !strings.Contains(text, "agent a1") || strings.Index(text, "- a: 1") > strings.Index(text, "- b: 2") {
		t.Fatalf("unexpected slack text: %s", text)
	}
}
