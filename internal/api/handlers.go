package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/bus"
	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/rules"
	"carbonrecycling-backend/internal/secrets"
	"carbonrecycling-backend/internal/storage"
)

type Handler struct {
	Repo      *storage.Repository
	Alerts    *alerts.Manager
	Bus       *bus.Publisher
	Cipher    secrets.Cipher
	Snapshots metricsource.SnapshotSource
	Timeout   time.Duration
}

type errorResponse struct {
	Ok      bool               `json:"ok"`
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Details []rules.FieldError `json:"details"`
}

type actorRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

type sourceRequest struct {
	OrgID    string                               `json:"orgId"`
	Name     string                               `json:"name"`
	Driver   string                               `json:"driver"`
	Host     string                               `json:"host"`
	Port     int                                  `json:"port"`
	User     string                               `json:"user"`
	Password string                               `json:"password"`
	Database string                               `json:"database"`
	SSLMode  string                               `json:"sslMode"`
	Mappings map[string]metricsource.FieldMapping `json:"mappings"`
}

type sourceResponse struct {
	ID        string                               `json:"id"`
	OrgID     string                               `json:"orgId"`
	Name      string                               `json:"name"`
	Driver    string                               `json:"driver"`
	Host      string                               `json:"host"`
	Port      int                                  `json:"port"`
	User      string                               `json:"user"`
	Database  string                               `json:"database"`
	SSLMode   string                               `json:"sslMode"`
	Mappings  map[string]metricsource.FieldMapping `json:"mappings"`
	CreatedAt time.Time                            `json:"createdAt"`
	UpdatedAt time.Time                            `json:"updatedAt"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/rules/validate", h.handleRuleValidate)
	r.Route("/rules", func(r chi.Router) {
		r.Post("/", h.handleRuleCreate)
		r.Get("/", h.handleRuleList)
		r.Get("/{id}", h.handleRuleGet)
		r.Put("/{id}", h.handleRuleUpdate)
		r.Delete("/{id}", h.handleRuleDelete)
		r.Post("/{id}/enable", h.handleRuleEnable)
		r.Post("/{id}/disable", h.handleRuleDisable)
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/active", h.handleAlertsActive)
		r.Post("/{id}/acknowledge", h.handleAlertAcknowledge)
		r.Post("/{id}/resolve", h.handleAlertResolve)
		r.Post("/{id}/suppress", h.handleAlertSuppress)
	})
	r.Get("/dashboard/summary", h.handleDashboardSummary)
	r.Route("/metric-sources", func(r chi.Router) {
		r.Post("/", h.handleSourceCreate)
		r.Get("/", h.handleSourceList)
		r.Get("/{id}", h.handleSourceGet)
		r.Put("/{id}", h.handleSourceUpdate)
		r.Delete("/{id}", h.handleSourceDelete)
	})
}

func (h *Handler) handleRuleValidate(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if verr := rules.Validate(rule); verr != nil {
		writeValidationError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rule": rule})
}

func (h *Handler) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	rule.ID = ""
	rule.TriggerCount = 0
	rule.LastTriggered = nil
	if verr := rules.Validate(rule); verr != nil {
		writeValidationError(w, verr)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	id, err := h.Repo.CreateRule(ctx, rule)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to persist rule"})
		return
	}
	created, err := h.Repo.GetRule(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load created rule"})
		return
	}
	h.publish("rule.created", id, rule.OrgID)
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": id, "rule": created})
}

func (h *Handler) handleRuleList(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "orgId is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	list, err := h.Repo.ListRules(ctx, orgID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list rules"})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	rule, err := h.Repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load rule"})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleRuleUpdate replaces the rule definition. Trigger bookkeeping
// and authorship survive the update.
func (h *Handler) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	existing, err := h.Repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load rule"})
		return
	}
	rule.ID = id
	if rule.OrgID == "" {
		rule.OrgID = existing.OrgID
	}
	if verr := rules.Validate(rule); verr != nil {
		writeValidationError(w, verr)
		return
	}
	if err := h.Repo.UpdateRule(ctx, rule); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to update rule"})
		return
	}
	updated, err := h.Repo.GetRule(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load updated rule"})
		return
	}
	h.publish("rule.updated", id, updated.OrgID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rule": updated})
}

func (h *Handler) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Repo.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to delete rule"})
		return
	}
	h.publish("rule.deleted", id, "")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleRuleEnable(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, true, "rule.enabled")
}

func (h *Handler) handleRuleDisable(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, false, "rule.disabled")
}

func (h *Handler) setRuleActive(w http.ResponseWriter, r *http.Request, active bool, subject string) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Repo.SetRuleActive(ctx, id, active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "rule not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to update rule"})
		return
	}
	h.publish(subject, id, "")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleAlertsActive(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "orgId is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	active, err := h.Alerts.Active(ctx, orgID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list alerts"})
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *Handler) handleAlertAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, func(ctx context.Context, id string, req actorRequest) (alerts.Instance, error) {
		return h.Alerts.Acknowledge(ctx, id, req.Actor)
	})
}

func (h *Handler) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, func(ctx context.Context, id string, req actorRequest) (alerts.Instance, error) {
		return h.Alerts.Resolve(ctx, id, req.Actor, req.Note)
	})
}

func (h *Handler) handleAlertSuppress(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, func(ctx context.Context, id string, req actorRequest) (alerts.Instance, error) {
		return h.Alerts.Suppress(ctx, id, req.Actor)
	})
}

func (h *Handler) transitionAlert(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, actorRequest) (alerts.Instance, error)) {
	id := chi.URLParam(r, "id")
	var req actorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if req.Actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "actor is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	inst, err := apply(ctx, id, req)
	if err != nil {
		var stateErr *alerts.StateError
		if errors.As(err, &stateErr) {
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": stateErr.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to update alert"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert": inst})
}

type dashboardResponse struct {
	alerts.Summary
	SystemHealth map[string]any `json:"systemHealth,omitempty"`
	DataQuality  map[string]any `json:"dataQuality,omitempty"`
}

func (h *Handler) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "orgId is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	summary, err := h.Alerts.BuildSummary(ctx, orgID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to build summary"})
		return
	}
	resp := dashboardResponse{Summary: summary}
	// snapshots come from the platform API; the summary still renders
	// without them when that API is down
	if h.Snapshots != nil {
		if health, err := h.Snapshots.SystemHealth(ctx, orgID); err == nil {
			resp.SystemHealth = health
		}
		if quality, err := h.Snapshots.DataQuality(ctx, orgID); err == nil {
			resp.DataQuality = quality
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

var sourceDrivers = map[string]bool{
	"postgres":   true,
	"postgresql": true,
	"mysql":      true,
	"mssql":      true,
	"sqlserver":  true,
}

func (h *Handler) handleSourceCreate(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if msg := validateSourceRequest(req, true); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": msg})
		return
	}
	cipherText, err := h.Cipher.Encrypt(req.Password)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "encryption failed"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	id, err := h.Repo.CreateMetricSource(ctx, storage.MetricSource{
		OrgID:    req.OrgID,
		Name:     req.Name,
		Driver:   req.Driver,
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: cipherText,
		Database: req.Database,
		SSLMode:  req.SSLMode,
		Mappings: req.Mappings,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to store source"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sourceRef": id})
}

func (h *Handler) handleSourceList(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "orgId is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	sources, err := h.Repo.ListMetricSources(ctx, orgID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list sources"})
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, toSourceResponse(src))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSourceGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	src, err := h.Repo.GetMetricSource(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "source not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load source"})
		return
	}
	writeJSON(w, http.StatusOK, toSourceResponse(src))
}

func (h *Handler) handleSourceUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if msg := validateSourceRequest(req, false); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": msg})
		return
	}
	password := ""
	if req.Password != "" {
		cipherText, err := h.Cipher.Encrypt(req.Password)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "encryption failed"})
			return
		}
		password = cipherText
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	err := h.Repo.UpdateMetricSource(ctx, storage.MetricSource{
		ID:       id,
		Name:     req.Name,
		Driver:   req.Driver,
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: password,
		Database: req.Database,
		SSLMode:  req.SSLMode,
		Mappings: req.Mappings,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "source not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to update source"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	src, err := h.Repo.GetMetricSource(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "source not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load source"})
		return
	}
	if err := h.Repo.DeleteMetricSource(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "source not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to delete source"})
		return
	}
	h.publish("source.deleted", "", src.OrgID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// validateSourceRequest checks a source payload. Updates may omit the
// org and the password; an empty password keeps the stored one.
func validateSourceRequest(req sourceRequest, create bool) string {
	if create && req.OrgID == "" {
		return "orgId is required"
	}
	if req.Name == "" {
		return "name is required"
	}
	if !sourceDrivers[req.Driver] {
		return "driver must be one of postgres, mysql, mssql"
	}
	if req.Host == "" {
		return "host is required"
	}
	if req.User == "" {
		return "user is required"
	}
	if create && req.Password == "" {
		return "password is required"
	}
	if req.Database == "" {
		return "database is required"
	}
	return ""
}

func toSourceResponse(src storage.MetricSource) sourceResponse {
	return sourceResponse{
		ID:        src.ID,
		OrgID:     src.OrgID,
		Name:      src.Name,
		Driver:    src.Driver,
		Host:      src.Host,
		Port:      src.Port,
		User:      src.User,
		Database:  src.Database,
		SSLMode:   src.SSLMode,
		Mappings:  src.Mappings,
		CreatedAt: src.CreatedAt,
		UpdatedAt: src.UpdatedAt,
	}
}

func (h *Handler) publish(subject, ruleID, orgID string) {
	if h.Bus == nil {
		return
	}
	_ = h.Bus.Publish(subject, bus.Event{RuleID: ruleID, OrgID: orgID})
}

func writeValidationError(w http.ResponseWriter, verr *rules.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Ok:      false,
		Code:    verr.Code,
		Message: verr.Message,
		Details: verr.Details,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
