// Package handlers implements the HTTP handlers for the pipeline API.
// All handlers work against the Store interface plus the workflow engine
// so the same surface serves both the PostgreSQL and in-memory stores.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/ingest"
	"github.com/squorworks/pipeline/internal/quota"
	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/internal/workflow"
	"github.com/squorworks/pipeline/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store  store.Store
	Engine *workflow.Engine
	Ingest *ingest.Service
	Quotas *quota.Registry
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, eng *workflow.Engine, ing *ingest.Service, quotas *quota.Registry) *Handlers {
	return &Handlers{
		Store:  s,
		Engine: eng,
		Ingest: ing,
		Quotas: quotas,
	}
}

// ── Ingest ───────────────────────────────────────────────────

// IngestRequest is the scraper batch payload.
type IngestRequest struct {
	Listings        []models.Listing `json:"listings"`
	ForceReanalysis bool             `json:"force_reanalysis,omitempty"`
}

func (h *Handlers) IngestListings(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Listings) == 0 {
		respondError(w, http.StatusBadRequest, "No listings in payload")
		return
	}

	res, err := h.Ingest.IngestListings(r.Context(), req.Listings, req.ForceReanalysis)
	if err != nil {
		log.Error().Err(err).Msg("ingest failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

// ── Workflows ────────────────────────────────────────────────

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorkflowFilter{
		Stage:     models.Stage(q.Get("stage")),
		ProductID: q.Get("product_id"),
		Limit:     intParam(q.Get("limit"), 50),
		Offset:    intParam(q.Get("offset"), 0),
	}
	if state := q.Get("state"); state != "" {
		filter.States = []models.WorkflowState{models.WorkflowState(state)}
	}

	items, err := h.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.WorkflowItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.Status(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (h *Handlers) WorkflowHistory(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 50)
	history, err := h.Engine.History(r.Context(), chi.URLParam(r, "workflowID"), limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if history == nil {
		history = []models.WorkflowTransition{}
	}
	respondJSON(w, http.StatusOK, history)
}

func (h *Handlers) RetryWorkflow(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.Retry(r.Context(), chi.URLParam(r, "workflowID"), actorOf(r))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body) // optional body

	item, err := h.Engine.Cancel(r.Context(), chi.URLParam(r, "workflowID"), body.Reason, actorOf(r))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (h *Handlers) SuspendWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	item, err := h.Engine.Suspend(r.Context(), chi.URLParam(r, "workflowID"), body.Reason, actorOf(r))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (h *Handlers) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.Resume(r.Context(), chi.URLParam(r, "workflowID"), actorOf(r))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (h *Handlers) WorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := timeParam(q.Get("since"))
	until := timeParam(q.Get("until"))

	m, err := h.Engine.Metrics(r.Context(), since, until)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if since != nil || until != nil {
		m.Window = q.Get("since") + ".." + q.Get("until")
	}
	respondJSON(w, http.StatusOK, m)
}

// ── Quota ────────────────────────────────────────────────────

func (h *Handlers) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, service := range h.Quotas.Services() {
		mgr := h.Quotas.For(service)
		out[service] = map[string]any{
			"windows": mgr.Status(),
			"usage":   mgr.Usage(),
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) ResumeQuotaBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Limit <= 0 {
		body.Limit = 50
	}

	resumed, err := h.Engine.ResumeQuotaExceededBatch(r.Context(), body.Limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"resumed": resumed})
}

func (h *Handlers) WorkflowQuotaUsage(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListQuotaUsage(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []models.QuotaUsageEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Products ─────────────────────────────────────────────────

func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.Store.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (h *Handlers) GetProductFacts(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	if _, err := h.Store.GetProduct(r.Context(), productID); err != nil {
		respondStoreError(w, err)
		return
	}
	facts, err := h.Store.CurrentFacts(r.Context(), productID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, facts)
}

func (h *Handlers) GetProductScore(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	score, components, err := h.Store.LatestScore(r.Context(), productID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"score":      score,
		"components": components,
	})
}

func (h *Handlers) GetProductVersions(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	latest, err := h.Store.LatestVersion(r.Context(), productID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, latest)
}

// ── Notification channels ────────────────────────────────────

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.Store.ListChannels(r.Context(), false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if channels == nil {
		channels = []models.NotificationChannel{}
	}
	respondJSON(w, http.StatusOK, channels)
}

func (h *Handlers) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch models.NotificationChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if ch.Name == "" || ch.URL == "" {
		respondError(w, http.StatusBadRequest, "Channel name and url are required")
		return
	}
	if ch.Kind == "" {
		ch.Kind = models.ChannelWebhook
	}
	ch.Active = true
	if err := h.Store.CreateChannel(r.Context(), &ch); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, ch)
}

func (h *Handlers) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteChannel(r.Context(), chi.URLParam(r, "channelID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// respondEngineError maps engine errors onto HTTP statuses: illegal
// transitions conflict, quota rejections throttle.
func respondEngineError(w http.ResponseWriter, err error) {
	var illegal *workflow.IllegalTransitionError
	if errors.As(err, &illegal) {
		respondError(w, http.StatusConflict, illegal.Error())
		return
	}
	var rejection *quota.Rejection
	if errors.As(err, &rejection) {
		w.Header().Set("Retry-After", strconv.FormatInt(rejection.WaitSeconds, 10))
		respondError(w, http.StatusTooManyRequests, rejection.Error())
		return
	}
	respondStoreError(w, err)
}

func actorOf(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return fallback
}

func timeParam(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	return nil
}
