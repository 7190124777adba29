package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/rules"
)

type stubNotifier struct {
	calls int
	err   error
	panic bool
}

func (s *stubNotifier) Send(context.Context, rules.Action, alerts.Instance) error {
	s.calls++
	if s.panic {
		panic("channel blew up")
	}
	return s.err
}

func testInstance() alerts.Instance {
	return alerts.Instance{ID: "a-1", RuleID: "rule-1", OrgID: "org-1", Title: "scope1 ceiling", Message: "emissions.scope1 > 1000 (observed 1250)", Severity: rules.SeverityHigh}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	okChannel := &stubNotifier{}
	badChannel := &stubNotifier{err: errors.New("smtp down")}
	lastChannel := &stubNotifier{}
	d.Register(rules.ActionEmail, okChannel)
	d.Register(rules.ActionSlack, badChannel)
	d.Register(rules.ActionSMS, lastChannel)

	actions := []rules.Action{
		{Type: rules.ActionEmail, Recipients: []string{"a@example.com"}},
		{Type: rules.ActionSlack, Recipients: []string{"#alerts"}},
		{Type: rules.ActionSMS, Recipients: []string{"+123"}},
	}
	results := d.Dispatch(context.Background(), actions, testInstance())
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("healthy channels failed: %+v", results)
	}
	if results[1].Err == nil {
		t.Fatal("failing channel should report an error")
	}
	var dispatchErr *rules.DispatchError
	if !errors.As(results[1].Err, &dispatchErr) {
		t.Fatalf("err = %T", results[1].Err)
	}
	if dispatchErr.Channel != "slack" {
		t.Fatalf("channel = %s", dispatchErr.Channel)
	}
	if okChannel.calls != 1 || badChannel.calls != 1 || lastChannel.calls != 1 {
		t.Fatalf("calls = %d %d %d", okChannel.calls, badChannel.calls, lastChannel.calls)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	d.Register(rules.ActionWebhook, &stubNotifier{panic: true})
	after := &stubNotifier{}
	d.Register(rules.ActionEmail, after)

	results := d.Dispatch(context.Background(), []rules.Action{
		{Type: rules.ActionWebhook},
		{Type: rules.ActionEmail},
	}, testInstance())
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "panic") {
		t.Fatalf("err = %v", results[0].Err)
	}
	if after.calls != 1 {
		t.Fatal("panic should not stop later channels")
	}
}

func TestDispatchUnregisteredChannel(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	results := d.Dispatch(context.Background(), []rules.Action{{Type: rules.ActionCreateTask}}, testInstance())
	if results[0].Err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier()
	action := rules.Action{Type: rules.ActionWebhook, Settings: map[string]any{"url": server.URL}}
	if err := n.Send(context.Background(), action, testInstance()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["event"] != "alert.triggered" {
		t.Fatalf("payload = %v", got)
	}

	if err := n.Send(context.Background(), rules.Action{Type: rules.ActionWebhook}, testInstance()); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestChannelNotifierEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/notifications" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "message": "unknown recipient"})
	}))
	defer server.Close()

	n := NewChannelNotifier(server.URL)
	err := n.Send(context.Background(), rules.Action{Type: rules.ActionEmail, Recipients: []string{"x"}}, testInstance())
	if err == nil || !strings.Contains(err.Error(), "unknown recipient") {
		t.Fatalf("err = %v", err)
	}
}

func TestTaskNotifier(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	n := NewTaskNotifier(server.URL)
	action := rules.Action{Type: rules.ActionCreateTask, Recipients: []string{"ops-team"}}
	if err := n.Send(context.Background(), action, testInstance()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["orgId"] != "org-1" || got["alertId"] != "a-1" {
		t.Fatalf("payload = %v", got)
	}
}
