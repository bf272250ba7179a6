package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	limiterhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/metrics"
)

// =============================================================================
// ACTOR IDENTITY
// =============================================================================

type actorKey struct{}

// WithActor stores the calling user's id in ctx.
func WithActor(ctx context.Context, id generic.UserID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFrom returns the id stored by WithActor.
func ActorFrom(ctx context.Context) (generic.UserID, bool) {
	id, ok := ctx.Value(actorKey{}).(generic.UserID)
	return id, ok && id != ""
}

// Authenticate reads an HS256 bearer token and stores its subject as the
// actor. Identity is issued elsewhere; only the signature, expiry and
// optional issuer are checked here.
func Authenticate(secret []byte, issuer string) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || raw == "" {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			var claims jwt.RegisteredClaims
			token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				msg := "Invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "Token expired"
				}
				writeError(w, http.StatusUnauthorized, msg, nil)
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "Token has no subject", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), generic.UserID(claims.Subject))))
		})
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimit limits requests per client IP with an in-memory store. rate
// uses the limiter format, e.g. "300-M".
func RateLimit(rate string) (func(http.Handler) http.Handler, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, err
	}
	l := limiter.New(memory.NewStore(), parsed)
	mw := limiterhttp.NewMiddleware(l,
		limiterhttp.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Too many requests, try again later", nil)
		}),
	)
	return mw.Handler, nil
}

// =============================================================================
// ACCESS LOG AND METRICS
// =============================================================================

// Observe logs every request with logrus and records it in m under its
// chi route pattern.
func Observe(log logrus.FieldLogger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.APIRequest(r.Method, route, status, elapsed)

			entry := log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"bytes":      ww.BytesWritten(),
				"duration":   elapsed.String(),
			})
			switch {
			case status >= 500:
				entry.Error("request failed")
			case status >= 400:
				entry.Warn("request rejected")
			default:
				entry.Info("request served")
			}
		})
	}
}
