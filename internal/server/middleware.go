// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/security"
)

type ctxKey int

const (
	keyCtx ctxKey = iota
	decisionCtx
)

// statusRecorder captures the response code and the key name for the
// access log.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	keyName string
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond),
		}
		if rec.keyName != "" {
			fields = append(fields, "key", rec.keyName)
		}
		s.log.Info("request", fields...)
	})
}

func noteKey(w http.ResponseWriter, name string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.keyName = name
	}
}

// bearer returns the credential of an "Authorization: Bearer x" header.
func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	v := strings.TrimSpace(h[len(prefix):])
	return v, v != ""
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearer(r)
		if !ok || s.admin.IsEmpty() || !security.Equal(tok, s.admin.Reveal()) {
			s.writeMessage(w, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		next(w, r)
	})
}

// requireKey runs the API key pipeline in front of next.
func (s *Server) requireKey(next http.HandlerFunc) http.Handler {
	return s.authenticate(s.authorize(next))
}

// authenticate resolves the bearer API key and rejects unknown or disabled
// keys with 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, ok := bearer(r)
		if !ok {
			s.writeMessage(w, http.StatusUnauthorized, "MissingAPIKey", nil)
			return
		}
		k, d := s.svc.Keys.Authenticate(value)
		if !d.Allowed {
			noteKey(w, d.KeyName)
			s.writeDecision(w, d)
			return
		}
		noteKey(w, k.Name)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyCtx, k)))
	})
}

// authorize evaluates the authenticated key's endpoint rules against the
// request path and rejects with 403 when they deny it.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		k, ok := r.Context().Value(keyCtx).(model.APIKey)
		if !ok {
			s.writeMessage(w, http.StatusUnauthorized, "MissingAPIKey", nil)
			return
		}
		d := keys.Authorize(k, r.URL.Path)
		if !d.Allowed {
			s.writeDecision(w, d)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionCtx, d)))
	})
}

func decisionFrom(r *http.Request) keys.Decision {
	d, _ := r.Context().Value(decisionCtx).(keys.Decision)
	return d
}
