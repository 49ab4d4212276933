package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/types"
)

type contextKey string

const userContextKey contextKey = "user"

// userFrom returns the authenticated user stored by requireAuth
func userFrom(ctx context.Context) *types.User {
	u, _ := ctx.Value(userContextKey).(*types.User)
	return u
}

// requireAuth validates the bearer token and loads the account. WebSocket
// clients may pass the token as a query parameter since browsers cannot set
// headers on upgrade requests.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			s.writeError(w, r, errdefs.Unauthorized("missing bearer token"))
			return
		}

		claims, err := s.auth.ParseAccess(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		user, err := s.store.GetUser(r.Context(), claims.Subject)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindNotFound) {
				s.writeError(w, r, errdefs.Unauthorized("account no longer exists"))
				return
			}
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// requireInternalKey guards the relay-facing endpoints
func (s *Server) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Internal-Api-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.internalKey)) != 1 {
			s.writeError(w, r, errdefs.Unauthorized("invalid internal api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestMetrics records per-request counters and latency
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// requestLogger emits one structured line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
