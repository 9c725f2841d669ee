package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &stubNotifier{channel: ChannelLog}
	broken := &stubNotifier{channel: ChannelSlack, err: errors.New("down")}
	dispatcher := NewFanout(ok, broken, nil)
	if dispatcher.Len() != 2 {
		t.Fatalf("expected 2 notifiers, got %d", dispatcher.Len())
	}

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeRetriesExhausted})
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected slack failure, got %v", err)
	}
	if len(ok.events) != 1 || len(broken.events) != 1 {
		t.Fatal("every notifier should receive the event")
	}
}

func TestWebhookNotifierPayloads(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := Event{Code: xerrors.CodeAllowanceRepair, Severity: xerrors.SeverityWarning, TaskID: "t1", RunID: "r1", Message: "approve failed"}

	slack := &WebhookNotifier{Kind: ChannelSlack, URL: srv.URL}
	if err := slack.Notify(context.Background(), event); err != nil {
		t.Fatalf("slack notify: %v", err)
	}
	if text, _ := got["text"].(string); !strings.Contains(text, "ALLOWANCE_REPAIR_FAILED") {
		t.Fatalf("unexpected slack payload %v", got)
	}

	ding := &WebhookNotifier{Kind: ChannelDingTalk, URL: srv.URL}
	if err := ding.Notify(context.Background(), event); err != nil {
		t.Fatalf("dingtalk notify: %v", err)
	}
	if got["msgtype"] != "text" {
		t.Fatalf("unexpected dingtalk payload %v", got)
	}
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{Kind: ChannelSlack, URL: srv.URL}
	if err := n.Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected non-2xx response to fail")
	}
}
