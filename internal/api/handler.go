package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/ruleflow/internal/advisor"
	"github.com/gyaneshwarpardhi/ruleflow/internal/audit"
	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

const (
	maxBatchSize = 100
	maxBodyBytes = 1 << 20
)

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Engine  *engine.Engine
	Rules   *rule.Store
	Audit   audit.Reader
	Advisor advisor.Advisor
	// Reload re-reads the rules file and returns the number of rules now
	// loaded. Nil disables POST /v1/rules/reload.
	Reload func() (int, error)
	Logger *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	router *chi.Mux
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &Handler{Deps: d, router: chi.NewRouter()}

	r := h.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/records", h.submitRecord)
		r.Post("/records/batch", h.submitBatch)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.listRules)
			r.Post("/", h.createRule)
			r.Post("/test", h.testRules)
			r.Post("/reload", h.reloadRules)
			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", h.getRule)
				r.Put("/", h.updateRule)
				r.Delete("/", h.deleteRule)
				r.Post("/toggle", h.toggleRule)
				r.Get("/stats", h.ruleStats)
			})
		})

		r.Get("/audit", h.listAudit)
		r.Get("/suggestions", h.suggestions)
	})

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func decodeRecord(r *http.Request) (*record.Record, error) {
	var rec record.Record
	if err := decode(r, &rec); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err)
	}
	if err := checkRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// submitStatus maps a Submit error to an HTTP status. Only a full queue is
// back-pressure; everything else means the record was not evaluated.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func checkRecord(rec *record.Record) error {
	if rec.Status != "" && !rec.Status.Valid() {
		return fmt.Errorf("unknown status %q", rec.Status)
	}
	return nil
}

// POST /v1/records — synchronous single-record evaluation.
func (h *Handler) submitRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Engine.Submit(r.Context(), rec)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/records/batch — async batch submission (up to 100 records).
func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var recs []*record.Record
	if err := decode(r, &recs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one record")
		return
	}
	if len(recs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(recs), maxBatchSize))
		return
	}
	for i, rec := range recs {
		if rec == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("records[%d]: null record", i))
			return
		}
		if err := checkRecord(rec); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("records[%d]: %s", i, err))
			return
		}
	}

	queued := 0
	for _, rec := range recs {
		if h.Engine.Enqueue(rec) {
			queued++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"total":    len(recs),
		"queued":   queued,
		"rejected": len(recs) - queued,
	})
}

// GET /v1/rules — rules in resolution order.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	snap := h.Rules.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": snap.Version(),
		"rules":   h.Rules.List(),
	})
}

func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (rule.Rule, bool) {
	var in rule.Rule
	if err := decode(r, &in); err != nil {
		if rule.IsValidation(err) {
			writeStoreError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		}
		return in, false
	}
	return in, true
}

// POST /v1/rules
func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	created, err := h.Rules.Create(in)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.RulesLoaded.Set(float64(h.Rules.Snapshot().Len()))
	writeJSON(w, http.StatusCreated, created)
}

// GET /v1/rules/{ruleId}
func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	got, err := h.Rules.Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// PUT /v1/rules/{ruleId}
func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	updated, err := h.Rules.Update(chi.URLParam(r, "ruleId"), in)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DELETE /v1/rules/{ruleId}
func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Rules.Delete(chi.URLParam(r, "ruleId")); err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.RulesLoaded.Set(float64(h.Rules.Snapshot().Len()))
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/rules/{ruleId}/toggle — body {"enabled": bool}; an empty body
// flips the current state.
func (h *Handler) toggleRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if body.Enabled == nil {
		cur, err := h.Rules.Get(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		flipped := !cur.Enabled
		body.Enabled = &flipped
	}
	updated, err := h.Rules.Toggle(id, *body.Enabled)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// GET /v1/rules/{ruleId}/stats
func (h *Handler) ruleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Rules.Stats(chi.URLParam(r, "ruleId"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /v1/rules/test — dry run against the enabled rules.
func (h *Handler) testRules(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.DryRun(r.Context(), rec))
}

// POST /v1/rules/reload — hot-reload rules from disk.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	if h.Reload == nil {
		writeError(w, http.StatusNotImplemented, "no rules file configured")
		return
	}
	n, err := h.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":    true,
		"rules_count": n,
	})
}

// GET /v1/audit?rule_id=&record_id=&outcome=&limit=
func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := audit.Query{
		RuleID:   qs.Get("rule_id"),
		RecordID: qs.Get("record_id"),
		Outcome:  audit.Outcome(qs.Get("outcome")),
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		q.Limit = n
	}
	entries, err := h.Audit.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GET /v1/suggestions
func (h *Handler) suggestions(w http.ResponseWriter, r *http.Request) {
	if h.Advisor == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": []advisor.Suggestion{}})
		return
	}
	got, err := h.Advisor.Suggest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if got == nil {
		got = []advisor.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": got})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 if record queue >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.Engine.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
		"delayed_pipelines": h.Engine.PendingDelayed(),
	})
}
