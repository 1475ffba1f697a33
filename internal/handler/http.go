package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mathgame-leaderboard/internal/domain"
	"github.com/mathgame-leaderboard/internal/redis"
)

// maxBodyBytes caps a score submission body
const maxBodyBytes = 4 << 10

// Ledger accepts score submissions and serves user statistics
type Ledger interface {
	Submit(ctx context.Context, sub domain.Submission) (*domain.SubmitResult, error)
	Stats(ctx context.Context, userID string) (*domain.UserStats, error)
}

// Leaderboard serves the ranked top-N
type Leaderboard interface {
	Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
}

// Pinger reports whether a backing store answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// RateLimiter counts requests per client
type RateLimiter interface {
	Allow(ctx context.Context, key string) (redis.Decision, error)
}

// Option customizes a Handler
type Option func(*Handler)

// WithRateLimiter limits score submissions per client IP
func WithRateLimiter(l RateLimiter) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}

// Handler provides HTTP handlers for the score API
type Handler struct {
	ledger      Ledger
	leaderboard Leaderboard
	store       Pinger
	limiter     RateLimiter
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(ledger Ledger, leaderboard Leaderboard, store Pinger, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		ledger:      ledger,
		leaderboard: leaderboard,
		store:       store,
		logger:      logger.Named("http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// scoreRequest is the submission body. Score stays raw so that a
// non-integer value is reported as an invalid score.
type scoreRequest struct {
	UserID   string          `json:"user_id"`
	Score    json.RawMessage `json:"score"`
	PlayedAt *time.Time      `json:"played_at,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.With(h.rateLimit).Post("/scores", h.SubmitScore)
		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/users/{userID}/stats", h.GetUserStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps a service error to its status code. Only the
// sentinel text reaches the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, public := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	h.writeError(w, status, public)
}

func statusFor(err error) (int, error) {
	switch {
	case errors.Is(err, domain.ErrInvalidScore):
		return http.StatusBadRequest, domain.ErrInvalidScore
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, domain.ErrInvalidRequest
	case errors.Is(err, domain.ErrInvalidUser):
		return http.StatusNotFound, domain.ErrInvalidUser
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, domain.ErrRateLimited
	case errors.Is(err, domain.ErrSubmissionFailed):
		return http.StatusServiceUnavailable, domain.ErrSubmissionFailed
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, domain.ErrStoreUnavailable
	default:
		return http.StatusInternalServerError, domain.ErrInternalError
	}
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once the aggregate store answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// SubmitScore handles score submission
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	score, err := parseScore(req.Score)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.Submit(r.Context(), domain.Submission{
		UserID:   req.UserID,
		Score:    score,
		PlayedAt: req.PlayedAt,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeSuccess(w, result)
}

// parseScore accepts only a JSON integer
func parseScore(raw json.RawMessage) (int64, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0, domain.ErrInvalidScore
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, domain.ErrInvalidScore
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, domain.ErrInvalidScore
	}
	score, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidScore
	}
	return score, nil
}

// GetLeaderboard returns the global top-N
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	entries, err := h.leaderboard.Top(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeSuccess(w, entries)
}

// GetUserStats returns a user's profile statistics
func (h *Handler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	stats, err := h.ledger.Stats(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeSuccess(w, stats)
}
