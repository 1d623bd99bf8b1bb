package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"schemealert/internal/types"
)

// responseCapture wraps an http.ResponseWriter to capture the status code
// written by downstream handlers, for the request logger.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer so http.ResponseController keeps
// working through the capture.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer catches panics in the handler chain, logs the stack trace, and
// writes a standardized 500. Must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.logger.Error("panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", fmt.Sprintf("%v", rvr),
					"stack", string(debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				// Hand-rolled JSON: we are inside panic recovery and must
				// not risk another panic from the encoder.
				body := fmt.Sprintf(
					`{"error":{"code":"%s","message":"an unexpected error occurred","request_id":"%s"}}`,
					types.ErrCodeInternalUnexpected,
					escapeJSON(types.GetRequestID(r.Context())),
				)
				_, _ = w.Write([]byte(body))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware generates or propagates a request correlation ID. An
// incoming X-Request-Id header is reused; otherwise a random ID is generated.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}

// RequestLogger logs request metadata with the status-appropriate level.
// Authorization values are never logged.
func (s *Server) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rc, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rc.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		}
		if reqID := types.GetRequestID(r.Context()); reqID != "" {
			args = append(args, "request_id", reqID)
		}

		switch {
		case rc.statusCode >= 500:
			s.logger.Error("request completed", args...)
		case rc.statusCode >= 400:
			s.logger.Warn("request completed", args...)
		default:
			s.logger.Info("request completed", args...)
		}
	})
}

// SecurityHeadersMiddleware sets standard security response headers.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// RequireAPIKey checks the bearer token against the configured bcrypt hash.
// An empty hash disables the check for local development.
func (s *Server) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAPIKeyMissing,
				"Authorization header is required", nil))
			return
		}

		key, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAPIKeyMissing,
				"Authorization header must be a bearer token", nil))
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(key)); err != nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAPIKeyInvalid,
				"invalid API key", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
