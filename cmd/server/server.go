package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/propertyhub/rules/internal/logger"
	"github.com/propertyhub/rules/internal/metrics"
	"github.com/propertyhub/rules/performance"
	"github.com/propertyhub/rules/pricing"
	"github.com/propertyhub/rules/rules"
)

const defaultExecutionsLimit = 50

// Deps are the components a Server is built from. DB and Redis are optional
// and only used by the health check.
type Deps struct {
	DB          *sql.DB
	Redis       *redis.Client
	Store       rules.RuleStore
	Engine      *rules.Engine
	Performance *performance.Recorder
	Pricing     *pricing.Service
}

type Server struct {
	db          *sql.DB
	redis       *redis.Client
	store       rules.RuleStore
	engine      *rules.Engine
	performance *performance.Recorder
	pricing     *pricing.Service
	validate    *validator.Validate
	now         func() time.Time
	router      *chi.Mux
}

func NewServer(deps Deps) *Server {
	s := &Server{
		db:          deps.DB,
		redis:       deps.Redis,
		store:       deps.Store,
		engine:      deps.Engine,
		performance: deps.Performance,
		pricing:     deps.Pricing,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/pricing", func(r chi.Router) {
		r.Post("/compare", s.handleCompare)
		r.Post("/scenarios", s.handleScenarios)
	})

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Post("/validate", s.handleValidateRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/toggle", s.handleToggleRule)
			r.Get("/performance", s.handleGetPerformance)
			r.Get("/executions", s.handleListExecutions)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// instrument logs each request and records its route metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", status/100)).Inc()
		metrics.HTTPLatency.WithLabelValues(route).Observe(elapsed.Seconds())
		logger.Debug("http request",
			"requestId", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"route", route,
			"status", status,
			"durationMs", elapsed.Milliseconds(),
		)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	cache := "memory"
	if s.redis != nil {
		cache = "redis"
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			// the engine falls back to the store when Redis is down
			cache = "redis (unreachable)"
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"cache":  cache,
	})
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	execCtx, err := req.toContext(s.now())
	if err != nil {
		respondError(w, errorStatus(err), "invalid evaluation context", err)
		return
	}

	result, err := s.engine.EvaluateRules(r.Context(), execCtx, req.Category)
	if err != nil {
		respondError(w, errorStatus(err), "evaluation failed", err)
		return
	}
	if !req.IncludeTrace {
		result.RuleResults = nil
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid comparison request", err)
		return
	}

	date, err := parseDate(req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid date", err)
		return
	}
	params := pricing.ComparisonParams{
		OrganizationID: req.OrganizationID,
		RoomTypeID:     req.RoomTypeID,
		RoomID:         req.RoomID,
		Date:           date,
		LengthOfStay:   req.LengthOfStay,
		GuestType:      req.GuestType,
		BookingSource:  req.BookingSource,
		MarketSegment:  req.MarketSegment,
	}
	if req.BookingDate != "" {
		if params.BookingDate, err = parseDate(req.BookingDate); err != nil {
			respondError(w, http.StatusBadRequest, "invalid bookingDate", err)
			return
		}
	}

	comparison, err := s.pricing.GetPricingComparison(r.Context(), params)
	if err != nil {
		respondError(w, errorStatus(err), "pricing comparison failed", err)
		return
	}

	respondJSON(w, http.StatusOK, comparison)
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	var req ScenariosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid scenarios request", err)
		return
	}

	results, err := s.pricing.TestRulesWithScenarios(r.Context(), req.OrganizationID, req.PropertyID, req.RoomTypeID)
	if err != nil {
		respondError(w, errorStatus(err), "scenario run failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"roomTypeId": req.RoomTypeID,
		"scenarios":  results,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organizationId")
	if orgID == "" {
		respondError(w, http.StatusBadRequest, "organizationId is required", nil)
		return
	}

	list, err := s.store.ListRules(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.BusinessRule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule("", true)
	report, err := s.engine.AddRule(r.Context(), rule)
	if err != nil {
		respondRuleError(w, "failed to create rule", report, err)
		return
	}

	logger.Info("rule created", "ruleId", rule.ID, "organizationId", rule.OrganizationID)
	respondJSON(w, http.StatusCreated, RuleResponse{
		Rule:        rule,
		Warnings:    report.Warnings,
		Suggestions: report.Suggestions,
	})
}

func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	respondJSON(w, http.StatusOK, s.engine.ValidateRule(req.toRule("", true)))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, errorStatus(err), "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule(chi.URLParam(r, "ruleId"), false)
	report, err := s.engine.UpdateRule(r.Context(), rule)
	if err != nil {
		respondRuleError(w, "failed to update rule", report, err)
		return
	}

	logger.Info("rule updated", "ruleId", rule.ID, "organizationId", rule.OrganizationID)
	respondJSON(w, http.StatusOK, RuleResponse{
		Rule:        rule,
		Warnings:    report.Warnings,
		Suggestions: report.Suggestions,
	})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if err := s.engine.DeleteRule(r.Context(), ruleID); err != nil {
		respondError(w, errorStatus(err), "failed to delete rule", err)
		return
	}

	logger.Info("rule deleted", "ruleId", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.IsActive == nil {
		respondError(w, http.StatusBadRequest, "isActive is required", nil)
		return
	}

	rule, err := s.engine.ToggleRule(r.Context(), chi.URLParam(r, "ruleId"), *req.IsActive)
	if err != nil {
		respondError(w, errorStatus(err), "failed to toggle rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if _, err := s.store.GetRule(r.Context(), ruleID); err != nil {
		respondError(w, errorStatus(err), "failed to get rule", err)
		return
	}

	summary, err := s.performance.GetPerformance(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get rule performance", err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecutionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	records, err := s.performance.ListExecutions(r.Context(), chi.URLParam(r, "ruleId"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	if records == nil {
		records = []performance.ExecutionRecord{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"executions": records,
	})
}

// errorStatus maps error kinds to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, rules.ErrValidation), errors.Is(err, rules.ErrInvalidContext):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, pricing.ErrRoomTypeNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondRuleError(w http.ResponseWriter, message string, report rules.ValidationReport, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error(message, "error", err)
	}
	respondJSON(w, status, ErrorResponse{
		Error:   message,
		Details: err.Error(),
		Errors:  report.Errors,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
