// Package httpapi serves the remote step store over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	ariaotel "github.com/ariaaba/ariasync/internal/otel"
	"github.com/ariaaba/ariasync/internal/stepstore"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
	Tracer          trace.Tracer
	Metrics         *ariaotel.Metrics
	// OriginPatterns are passed to the websocket handshake; empty means
	// same-origin only.
	OriginPatterns []string
}

type Server struct {
	store       stepstore.AssessmentStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	events      *eventHub
	logger      *slog.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store stepstore.AssessmentStore) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store stepstore.AssessmentStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		events:      newEventHub(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := splitPath(r.URL)
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "assessments" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		requiredScope = ScopeAssessmentsWrite
		route = "create_assessment"
	case len(parts) == 3 && r.Method == http.MethodGet:
		requiredScope = ScopeAssessmentsRead
		route = "get_assessment"
	case len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodPut:
		requiredScope = ScopeAssessmentsWrite
		route = "set_status"
	case len(parts) == 5 && parts[3] == "steps" && r.Method == http.MethodGet:
		requiredScope = ScopeStepsRead
		route = "get_step"
	case len(parts) == 5 && parts[3] == "steps" && r.Method == http.MethodPut:
		requiredScope = ScopeStepsWrite
		route = "save_step"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = ScopeStepsRead
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}

	ctx, span := ariaotel.StartServerSpan(r.Context(), s.cfg.Tracer, "httpapi."+route,
		attribute.String("http.method", r.Method),
		attribute.String("aria.correlation_id", correlationID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("route", route)))
		}
	}()

	if s.rateLimiter != nil {
		key := claims.OwnerID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitRejects.Add(ctx, 1)
			}
			span.SetStatus(codes.Error, "rate limited")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	ctx = stepstore.WithOwner(ctx, claims.OwnerID)
	r = r.WithContext(ctx)
	if len(parts) >= 3 {
		span.SetAttributes(ariaotel.AttrAssessmentID.String(parts[2]))
	}

	switch route {
	case "create_assessment":
		s.handleCreateAssessment(w, r, correlationID)
	case "get_assessment":
		s.handleGetAssessment(w, r, parts[2], correlationID)
	case "set_status":
		s.handleSetStatus(w, r, parts[2], correlationID)
	case "get_step":
		span.SetAttributes(ariaotel.AttrStepKey.String(parts[4]))
		s.handleGetStep(w, r, parts[2], parts[4], correlationID)
	case "save_step":
		span.SetAttributes(ariaotel.AttrStepKey.String(parts[4]))
		s.handleSaveStep(w, r, parts[2], parts[4], correlationID)
	case "events":
		s.handleEvents(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleCreateAssessment(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		EvaluationType string `json:"evaluationType"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	record, err := s.store.CreateAssessment(r.Context(), body.EvaluationType)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("assessment created", "assessment_id", record.ID, "owner_id", record.OwnerID, "correlation_id", correlationID)
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request, assessmentID, correlationID string) {
	record, err := s.store.GetAssessment(r.Context(), assessmentID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request, assessmentID, correlationID string) {
	var body struct {
		Status stepstore.Status `json:"status"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status: "+string(body.Status), correlationID)
		return
	}
	if err := s.store.SetStatus(r.Context(), assessmentID, body.Status); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": assessmentID, "status": body.Status})
}

type stepPayload struct {
	StepKey string          `json:"stepKey"`
	Data    json.RawMessage `json:"data"`
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request, assessmentID, stepKey, correlationID string) {
	data, err := s.store.GetStepData(r.Context(), assessmentID, stepKey)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if data == nil {
		data = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, stepPayload{StepKey: stepKey, Data: data})
}

func (s *Server) handleSaveStep(w http.ResponseWriter, r *http.Request, assessmentID, stepKey, correlationID string) {
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if len(body.Data) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing data field", correlationID)
		return
	}
	if err := s.store.SaveStep(r.Context(), assessmentID, stepKey, body.Data); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	ev := stepstore.Event{
		Type:         stepstore.EventStepSaved,
		AssessmentID: assessmentID,
		StepKey:      stepKey,
		SavedAt:      s.now(),
	}
	s.events.publish(ev)
	writeJSON(w, http.StatusOK, stepPayload{StepKey: stepKey, Data: body.Data})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, assessmentID, correlationID string) {
	if _, err := s.store.GetAssessment(r.Context(), assessmentID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "correlation_id", correlationID)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	events, unsubscribe := s.events.subscribe(assessmentID)
	defer unsubscribe()

	// CloseRead drains control frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, stepstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, stepstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, stepstore.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("store request failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func splitPath(u *url.URL) []string {
	raw := u.EscapedPath()
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i, part := range parts {
		if unescaped, err := url.PathUnescape(part); err == nil {
			parts[i] = unescaped
		}
	}
	return parts
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
