package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	headerTenant    = "X-Tenant-ID"
	headerUser      = "X-User-ID"
	headerRequestID = "X-Request-ID"
	headerTraceID   = "X-Trace-Id"
)

type ctxKey string

const (
	tenantKey ctxKey = "tenant"
	userKey   ctxKey = "user"
)

func tenantFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tenantKey).(string)
	return s
}

func userFromContext(ctx context.Context) string {
	s, _ := ctx.Value(userKey).(string)
	return s
}

// requestContext tags the request with trace and request ids.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID, _ = gonanoid.New()
		}
		traceID := r.Header.Get(headerTraceID)
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithRequestID(tracing.WithTraceID(r.Context(), traceID), requestID)
		w.Header().Set(headerRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			observability.RecordSecurityAudit(r.Context(), "authenticate", r.Header.Get(headerTenant), "denied", map[string]interface{}{
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			})
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(headerTenant))
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "missing "+headerTenant+" header")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		ctx = context.WithValue(ctx, userKey, strings.TrimSpace(r.Header.Get(headerUser)))
		ctx = tracing.WithTenantID(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
