package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/internal/orders"
)

// HeaderCorrelationID carries the cross-service correlation id.
const HeaderCorrelationID = "X-Correlation-ID"

type ctxKey int

const (
	correlationKey ctxKey = iota
	callerKey
)

// CorrelationID returns the request's correlation id.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

func callerFrom(ctx context.Context) (orders.Caller, bool) {
	c, ok := ctx.Value(callerKey).(orders.Caller)
	return c, ok
}

// correlate echoes the inbound correlation id or generates one.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic serving request",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				s.fail(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records latency and failures per route pattern. It must be
// installed on a route group so the pattern is known when it runs.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		span := s.metrics.Start(r.Method + " " + route)
		defer func() { span.End(ww.Status() >= http.StatusInternalServerError) }()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.AddRateLimited()
			w.Header().Set("Retry-After", "1")
			s.fail(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Claims are the JWT claims issued by the user service.
type Claims struct {
	UserID int64  `json:"id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// authenticate resolves the caller from a bearer token. With auth disabled
// the caller comes from X-User-Id (default 1) with the user role.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.resolveCaller(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

func (s *Server) resolveCaller(r *http.Request) (orders.Caller, error) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		if s.auth.Disabled {
			return devCaller(r), nil
		}
		return orders.Caller{}, errUnauthorized
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.auth.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return orders.Caller{}, errTokenExpired
	case err != nil:
		return orders.Caller{}, errTokenInvalid
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		userID, _ = strconv.ParseInt(claims.Subject, 10, 64)
	}
	if userID < 1 {
		return orders.Caller{}, errTokenInvalid
	}
	role := claims.Role
	if role == "" {
		role = orders.RoleUser
	}
	return orders.Caller{UserID: userID, Role: role}, nil
}

func devCaller(r *http.Request) orders.Caller {
	userID, err := strconv.ParseInt(r.Header.Get("X-User-Id"), 10, 64)
	if err != nil || userID < 1 {
		userID = 1
	}
	return orders.Caller{UserID: userID, Role: orders.RoleUser}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(r.Context())
		if !ok {
			s.fail(w, r, errUnauthorized)
			return
		}
		if !caller.IsAdmin() {
			s.logger.Warn("authorization failed",
				zap.Int64("user_id", caller.UserID),
				zap.String("role", caller.Role),
				zap.String("path", r.URL.Path),
			)
			s.fail(w, r, errAdminOnly)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}
