// Package middleware provides the HTTP middleware for the local control
// surface: trace id propagation, activation rate limiting, and
// capability gating on the cached entitlement tier.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"tiergate/internal/entitlement"
	apperrors "tiergate/internal/errors"
	"tiergate/internal/infrastructure"
)

// TraceID ensures every request context carries a trace id for log
// correlation.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := infrastructure.EnsureTraceID(r.Context())
		w.Header().Set("X-Trace-ID", infrastructure.GetTraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActivationRateLimit bounds invite-code activation attempts. Activation
// is local and cheap, but codes are guessable credentials so attempts
// are throttled.
func ActivationRateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				infrastructure.LoggerWithContext(r.Context()).Warn("Activation rate limit hit",
					slog.String("component", "middleware"),
					slog.String("remote_addr", r.RemoteAddr),
				)
				render.Render(w, r, apperrors.NewProblemDetails(
					http.StatusTooManyRequests,
					"/errors/rate-limited",
					"Too Many Requests",
					"Too many activation attempts. Please try again later.",
					r.URL.Path,
				).WithExtension("error_code", apperrors.CodeRateLimited).
					WithExtension("retry_after", 60))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCapability denies the request unless the current effective
// tier grants the capability. Reads only the cached tier; a denial
// never mutates entitlement state.
func RequireCapability(store *entitlement.Store, capability entitlement.Capability, metrics *entitlement.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tier := store.CurrentTier(time.Now())

			if !entitlement.CanAccess(tier, capability) {
				metrics.RecordGateDenial(ctx, tier, capability)
				infrastructure.LoggerWithContext(ctx).Info("Capability denied",
					slog.String("component", "middleware"),
					slog.String("capability", string(capability)),
					slog.String("tier", string(tier)),
				)
				render.Render(w, r, apperrors.NewProblemDetails(
					http.StatusForbidden,
					"/errors/capability-denied",
					"Upgrade Required",
					"Your current tier does not include this capability.",
					r.URL.Path,
				).WithExtension("capability", string(capability)).
					WithExtension("tier", string(tier)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
