package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/ratelimit"
	"dq-rule-engine/internal/state"
	"dq-rule-engine/internal/store"
	"dq-rule-engine/internal/telemetry"
)

// Limiter throttles mutating calls per operator.
type Limiter interface {
	Reserve(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Submitter enqueues a manual run under the rule's lease.
type Submitter interface {
	Submit(ctx context.Context, rule models.Rule, now time.Time, dryRun bool) (bool, error)
}

// DeadLetters exposes undecodable queue payloads.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the health and query surface.
type Server struct {
	cfg       config.Config
	repo      store.Repository
	leases    state.LeaseTable
	submitter Submitter
	dlq       DeadLetters
	limiter   Limiter
	now       func() time.Time
}

// New constructs the API server. submitter, dlq and limiter may be nil.
func New(cfg config.Config, repo store.Repository, leases state.LeaseTable, submitter Submitter, dlq DeadLetters, limiter Limiter) *Server {
	return &Server{
		cfg:       cfg,
		repo:      repo,
		leases:    leases,
		submitter: submitter,
		dlq:       dlq,
		limiter:   limiter,
		now:       time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/status", s.handleStatus)
		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{name}", s.handleGetRule)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/violations", s.handleListViolations)
		r.Get("/dlq", s.handleDLQ)

		r.With(s.throttle).Post("/rules/{name}/enable", s.handleSetEnabled(true))
		r.With(s.throttle).Post("/rules/{name}/disable", s.handleSetEnabled(false))
		r.With(s.throttle).Post("/rules/{name}/run", s.handleRun)
		r.With(s.throttle).Post("/violations/{id}/ack", s.handleAck)
	})
	return r
}

type statusResponse struct {
	LastTick               *time.Time `json:"last_tick"`
	SchedulerStale         bool       `json:"scheduler_stale"`
	LeasedRules            int        `json:"leased_rules"`
	UnacknowledgedWindow   string     `json:"unacknowledged_window"`
	UnacknowledgedCount    int64      `json:"unacknowledged_violations"`
	QueueDeadLetterPresent bool       `json:"dead_letters_present"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, models.Errorf(models.CodeBadRequest, "window must be a positive duration such as 24h"))
			return
		}
		window = d
	}
	ctx := r.Context()
	now := s.now().UTC()

	var resp statusResponse
	resp.UnacknowledgedWindow = window.String()
	tick, err := s.leases.LastTick(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	if !tick.IsZero() {
		resp.LastTick = &tick
		interval := s.cfg.TickInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		resp.SchedulerStale = now.Sub(tick) > 3*interval
	} else {
		resp.SchedulerStale = true
	}
	if resp.LeasedRules, err = s.leases.CountActive(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	if resp.UnacknowledgedCount, err = s.repo.CountUnacknowledged(ctx, now.Add(-window)); err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	if s.dlq != nil {
		if items, err := s.dlq.DLQPeek(ctx, 1); err == nil {
			resp.QueueDeadLetterPresent = len(items) > 0
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly, err := boolParam(r, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rules, err := s.repo.ListRules(r.Context(), store.RuleFilter{EnabledOnly: enabledOnly})
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ruleByName(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ruleID, since, ok := s.commonFilters(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runs, err := s.repo.ListRuns(r.Context(), store.RunFilter{RuleID: ruleID, Since: since, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.repo.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, models.Errorf(models.CodeNotFound, "run not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	ruleID, since, ok := s.commonFilters(w, r)
	if !ok {
		return
	}
	open, err := boolParam(r, "open")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vs, err := s.repo.ListViolations(r.Context(), store.ViolationFilter{RuleID: ruleID, Since: since, OpenOnly: open, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": vs})
}

type ackRequest struct {
	By string `json:"by"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, models.Errorf(models.CodeBadRequest, "invalid json"))
		return
	}
	if req.By == "" {
		req.By = operatorFromRequest(r)
	}
	id := chi.URLParam(r, "id")
	err := s.repo.AcknowledgeViolation(r.Context(), id, req.By, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, models.Errorf(models.CodeNotFound, "violation %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "by": req.By})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, ok := s.ruleByName(w, r)
		if !ok {
			return
		}
		if err := s.repo.SetRuleEnabled(r.Context(), rule.ID, enabled); err != nil {
			writeError(w, http.StatusInternalServerError, models.AsError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rule": rule.Name, "enabled": enabled})
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeError(w, http.StatusNotImplemented, models.Errorf(models.CodeInternal, "manual runs are not available on this instance"))
		return
	}
	rule, ok := s.ruleByName(w, r)
	if !ok {
		return
	}
	dryRun, err := boolParam(r, "dry_run")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	submitted, err := s.submitter.Submit(r.Context(), rule, s.now(), dryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return
	}
	if !submitted {
		writeError(w, http.StatusConflict, models.Errorf(models.CodeLeaseHeld, "rule %s already has a run in flight", rule.Name))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"rule": rule.Name, "status": "enqueued", "dry_run": dryRun})
}

// handleDLQ returns undecodable queue payloads.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.Errorf(models.CodeInternal, "failed to read dlq"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) ruleByName(w http.ResponseWriter, r *http.Request) (models.Rule, bool) {
	name := chi.URLParam(r, "name")
	rule, err := s.repo.GetRuleByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, models.Errorf(models.CodeRuleNotFound, "rule %q not found", name))
		return models.Rule{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return models.Rule{}, false
	}
	return rule, true
}

// commonFilters resolves ?rule= and ?days=.
func (s *Server) commonFilters(w http.ResponseWriter, r *http.Request) (string, time.Time, bool) {
	var since time.Time
	days, err := intParam(r, "days")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", since, false
	}
	if days > 0 {
		since = s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	}
	name := r.URL.Query().Get("rule")
	if name == "" {
		return "", since, true
	}
	rule, err := s.repo.GetRuleByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, models.Errorf(models.CodeRuleNotFound, "rule %q not found", name))
		return "", since, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.AsError(err))
		return "", since, false
	}
	return rule.ID, since, true
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			d, err := s.limiter.Reserve(r.Context(), fmt.Sprintf("rl:api:%s", operatorFromRequest(r)))
			if err != nil {
				writeError(w, http.StatusInternalServerError, models.Errorf(models.CodeInternal, "rate limit error"))
				return
			}
			if !d.Allowed {
				if d.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				}
				writeError(w, http.StatusTooManyRequests, models.Errorf(models.CodeRateLimited, "rate limited"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator"); v != "" {
		return v
	}
	return "api"
}

func intParam(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &models.Error{Code: models.CodeBadRequest, Message: "invalid query parameter",
			Details: []models.FieldError{{Field: key, Problem: "must be a non-negative integer"}}}
	}
	return n, nil
}

func boolParam(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &models.Error{Code: models.CodeBadRequest, Message: "invalid query parameter",
			Details: []models.FieldError{{Field: key, Problem: "must be true or false"}}}
	}
	return b, nil
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, models.AsError(err))
}
