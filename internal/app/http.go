package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"central/api/internal/limiter"
)

// Channel secret headers, one per client class.
const (
	mobileKeyHeader = "X-Mobile-Key"
	proKeyHeader    = "X-Pro-Key"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    limiter.Limiter
	logger     *zap.Logger
}

// NewHTTPServer wires the service to its routes. A nil limiter disables
// rate limiting on the push endpoints.
func NewHTTPServer(service *Service, corsOrigin string, lim limiter.Limiter, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, limiter: lim, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "central-api"})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Mobile channel.
	if r.Method == http.MethodPost && r.URL.Path == "/api/mobile/sync" {
		if !s.authorized(r, mobileKeyHeader, s.service.cfg.MobileKey) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		if !s.allowPush(w, r, "mobile") {
			return
		}
		var body MobileSyncInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		result, err := s.service.SyncMobile(r.Context(), body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/mobile/pull" {
		if !s.authorized(r, mobileKeyHeader, s.service.cfg.MobileKey) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		q := r.URL.Query()
		entries, err := s.service.PullEntries(r.Context(),
			q.Get("user_id"), q.Get("since"), boolParam(q.Get("include_deleted")), intParam(q.Get("limit")))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}

	// Professional channel.
	if r.Method == http.MethodGet && r.URL.Path == "/api/pro/users" {
		if !s.authorized(r, proKeyHeader, s.service.cfg.ProKey) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		users, err := s.service.ListUsers(r.Context(), intParam(r.URL.Query().Get("limit")))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pro/entries" {
		if !s.authorized(r, proKeyHeader, s.service.cfg.ProKey) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		q := r.URL.Query()
		entries, err := s.service.ReviewEntries(r.Context(), q.Get("user_id"), q.Get("since"), intParam(q.Get("limit")))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/pro/sync" {
		if !s.authorized(r, proKeyHeader, s.service.cfg.ProKey) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		if !s.allowPush(w, r, "pro") {
			return
		}
		var body ProSyncInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		result, err := s.service.SyncProfessionalNotes(r.Context(), body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	// Unauthenticated read-only surface for operators and dashboards.
	if r.Method == http.MethodGet && r.URL.Path == "/api/central/users" {
		users, err := s.service.ListUsers(r.Context(), intParam(r.URL.Query().Get("limit")))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/central/entries" {
		q := r.URL.Query()
		entries, err := s.service.PullEntries(r.Context(),
			q.Get("user_id"), q.Get("since"), boolParam(q.Get("include_deleted")), intParam(q.Get("limit")))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

// authorized compares the channel secret in constant time. A channel with no
// configured secret rejects everything.
func (s *HTTPServer) authorized(r *http.Request, header, secret string) bool {
	if secret == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get(header))
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// allowPush applies the per-channel rate limit. The limiter failing is not a
// reason to refuse writes, so errors fail open.
func (s *HTTPServer) allowPush(w http.ResponseWriter, r *http.Request, channel string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(r.Context(), channel+":"+clientIP(r))
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return false
	}
	return true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", fmt.Sprintf("Content-Type, X-Request-ID, %s, %s", mobileKeyHeader, proKeyHeader))
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func boolParam(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func intParam(value string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return parsed
}
