package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/bus"
	"carbonrecycling-backend/internal/rules"
)

type Publisher interface {
	Publish(subject string, payload any) error
}

// ChannelNotifier posts email, sms and slack deliveries to the
// platform notification service.
type ChannelNotifier struct {
	BaseURL string
	Timeout time.Duration
}

func NewChannelNotifier(baseURL string) *ChannelNotifier {
	return &ChannelNotifier{BaseURL: baseURL, Timeout: 10 * time.Second}
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (n *ChannelNotifier) Send(ctx context.Context, action rules.Action, inst alerts.Instance) error {
	payload := map[string]any{
		"channel":    string(action.Type),
		"recipients": action.Recipients,
		"template":   action.Template,
		"subject":    fmt.Sprintf("[%s] %s", inst.Severity, inst.Title),
		"body":       inst.Message,
		"alert":      inst,
	}
	return postJSON(ctx, n.Timeout, n.BaseURL+"/api/v1/notifications", payload)
}

// WebhookNotifier posts the alert to the rule's own endpoint.
type WebhookNotifier struct {
	Timeout time.Duration
}

func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{Timeout: 10 * time.Second}
}

func (n *WebhookNotifier) Send(ctx context.Context, action rules.Action, inst alerts.Instance) error {
	url, _ := action.Settings["url"].(string)
	if url == "" {
		return errors.New("webhook url not configured")
	}
	payload := map[string]any{
		"event": "alert.triggered",
		"alert": inst,
	}
	return postJSON(ctx, n.Timeout, url, payload)
}

// TaskNotifier opens a follow-up task for the alert.
type TaskNotifier struct {
	BaseURL string
	Timeout time.Duration
}

func NewTaskNotifier(baseURL string) *TaskNotifier {
	return &TaskNotifier{BaseURL: baseURL, Timeout: 10 * time.Second}
}

func (n *TaskNotifier) Send(ctx context.Context, action rules.Action, inst alerts.Instance) error {
	payload := map[string]any{
		"orgId":       inst.OrgID,
		"title":       fmt.Sprintf("Investigate alert: %s", inst.Title),
		"description": inst.Message,
		"priority":    string(inst.Severity),
		"assignees":   action.Recipients,
		"alertId":     inst.ID,
	}
	return postJSON(ctx, n.Timeout, n.BaseURL+"/api/v1/tasks", payload)
}

// EscalateNotifier moves the alert straight into the escalated state.
type EscalateNotifier struct {
	Alerts *alerts.Manager
}

func (n *EscalateNotifier) Send(ctx context.Context, _ rules.Action, inst alerts.Instance) error {
	_, err := n.Alerts.Escalate(ctx, inst.ID)
	return err
}

// RemediateNotifier hands the alert to the remediation worker.
type RemediateNotifier struct {
	Bus Publisher
}

func (n *RemediateNotifier) Send(_ context.Context, _ rules.Action, inst alerts.Instance) error {
	if n.Bus == nil {
		return errors.New("bus not configured")
	}
	return n.Bus.Publish("remediation.requested", bus.Event{RuleID: inst.RuleID, AlertID: inst.ID, OrgID: inst.OrgID})
}

func postJSON(ctx context.Context, timeout time.Duration, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Plain 2xx without an envelope counts as delivered.
		return nil
	}
	if !body.OK && body.Message != "" {
		return errors.New(body.Message)
	}
	return nil
}
