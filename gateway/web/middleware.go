// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/auth"
	"setupranali.io/setupranali/gateway/ratelimit"
	"setupranali.io/setupranali/gateway/web/controllers"
)

// statusWriter captures the response status while passing Flush and Hijack
// through for streams and websocket upgrades.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(data)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, Error.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// withLogging tags every request with an id and logs its outcome.
func (server *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		server.log.Debug("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// withAuth resolves the X-API-Key header into an identity on the context.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := server.auth.Resolve(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			controllers.ServeError(server.log, w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// requireRole rejects identities below the required role.
func (server *Server) requireRole(required auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := auth.FromContext(r.Context())
		if err != nil {
			controllers.ServeError(server.log, w, err)
			return
		}
		if !identity.Role.Allows(required) {
			controllers.ServeError(server.log, w,
				apierr.Forbidden("this operation requires the %s role", required))
			return
		}
		next.ServeHTTP(w, r)
	}
}

// withRateLimit admits the request against the key's budget for the route
// class and reports the window state in headers.
func (server *Server) withRateLimit(class ratelimit.Class, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := auth.FromContext(r.Context())
		if err != nil {
			controllers.ServeError(server.log, w, err)
			return
		}

		decision, err := server.limiter.Allow(r.Context(), identity.KeyHash, class)
		if err != nil {
			controllers.ServeError(server.log, w, err)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			controllers.ServeError(server.log, w, apierr.RateLimited(decision.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	}
}
