// Package server exposes the question service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
	"github.com/ask-mandi/server/internal/service"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// maxBodyBytes bounds the chat request body. Only the latest user turn is
// used, but clients send the whole history.
const maxBodyBytes = 1 << 20

// Asker answers one chat request. *service.Service implements it.
type Asker interface {
	Ask(ctx context.Context, req service.Request) (*service.Answer, error)
}

type Config struct {
	// ExposeDetails adds the underlying error text to 5xx bodies.
	ExposeDetails bool
}

type Server struct {
	asker Asker
	cfg   Config
	now   func() time.Time
}

func New(asker Asker, cfg Config) *Server {
	return &Server{asker: asker, cfg: cfg, now: time.Now}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Post("/api/chat", s.handleChat)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type chatRequest struct {
	Messages []service.Message `json:"messages"`
}

type messageResponse struct {
	Message   string            `json:"message"`
	Usage     *model.TokenUsage `json:"usage"`
	Remaining *int              `json:"remaining,omitempty"`
	Cached    bool              `json:"cached,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type rateLimitResponse struct {
	Error     string `json:"error"`
	Remaining int    `json:"remaining"`
	Reset     int64  `json:"reset"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"})
		return
	}

	answer, err := s.asker.Ask(r.Context(), service.Request{
		Messages: req.Messages,
		Identity: ClientIdentity(r),
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("X-Request-ID", answer.RequestID)

	if answer.Stream == nil {
		respondJSON(w, http.StatusOK, messageResponse{
			Message:   answer.Message,
			Usage:     answer.Usage,
			Remaining: answer.Remaining,
			Cached:    answer.Cached,
		})
		return
	}
	streamAnswer(logx.WithRequestID(r.Context(), answer.RequestID), w, answer)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var appErr *errx.AppError
	if !errors.As(err, &appErr) {
		appErr = errx.Upstream(err)
	}

	switch appErr.Kind {
	case errx.KindInput:
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: appErr.Message})
	case errx.KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter(s.now(), appErr.ResetAt)))
		respondJSON(w, http.StatusTooManyRequests, rateLimitResponse{
			Error:     appErr.Message,
			Remaining: 0,
			Reset:     appErr.ResetAt.UnixMilli(),
		})
	default:
		body := errorResponse{Error: appErr.Message}
		if s.cfg.ExposeDetails && appErr.Err != nil {
			body.Details = appErr.Err.Error()
		}
		respondJSON(w, errx.StatusOf(appErr), body)
	}
}

// retryAfter is the whole number of seconds until reset, at least one.
func retryAfter(now, reset time.Time) int {
	secs := int(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ClientIdentity keys the rate limit: the first X-Forwarded-For hop when a
// proxy set one, otherwise the peer address without its port.
func ClientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		logx.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
