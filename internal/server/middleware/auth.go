package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/visiongate/visiongate/internal/metrics"
	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/ratelimit"
)

type contextKeyAuth string

const (
	identityKey contextKeyAuth = "key_identity"
	apiKeyKey   contextKeyAuth = "api_key"
)

const (
	// DefaultKeyHeader is the header the API key is read from.
	DefaultKeyHeader = "X-API-Key"

	// DefaultKeyField is the form field checked when the header is absent.
	DefaultKeyField = "api_key"
)

// KeyManager is the subset of service.KeyManager the guard needs.
type KeyManager interface {
	ValidateAPIKey(ctx context.Context, rawKey string) (*model.APIKeyRecord, error)
	LogAPIUsage(ctx context.Context, rawKey, clientIP, endpoint string, responseCode int)
}

// GuardOptions declares what a protected route requires.
type GuardOptions struct {
	// Permission the key must carry. Empty means any valid key.
	Permission string
	// CheckIP enforces the key's IP whitelist.
	CheckIP bool
	// Endpoint is the name usage is logged under. Empty means the chi route
	// pattern, or the request path outside a chi router.
	Endpoint string

	KeyHeader string
	KeyField  string
	Logger    *slog.Logger
}

// Guard returns the access control middleware. Per request it:
//
//  1. extracts the key from the header or form field (401 if missing)
//  2. rate-limits by client IP (429), before any key lookup
//  3. validates the key (401, or 503 when the store is down)
//  4. checks the declared permission (403)
//  5. checks the IP whitelist when declared (403)
//  6. attaches the identity to the context and calls next
//  7. records usage with the observed status on every exit from step 3
//     onward, handler panics included, unless the client went away
//
// A nil limiter disables step 2.
func Guard(km KeyManager, limiter ratelimit.Limiter, opts GuardOptions) func(http.Handler) http.Handler {
	if opts.KeyHeader == "" {
		opts.KeyHeader = DefaultKeyHeader
	}
	if opts.KeyField == "" {
		opts.KeyField = DefaultKeyField
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractKey(r, opts.KeyHeader, opts.KeyField)
			if key == "" {
				metrics.AccessDecisions.WithLabelValues("missing_key").Inc()
				writeError(w, http.StatusUnauthorized,
					"API key required. Provide the "+opts.KeyHeader+" header.")
				return
			}

			ip := ClientIP(r)
			if limiter != nil {
				res, err := limiter.Allow(r.Context(), ip)
				switch {
				case err != nil:
					// Limiter outages admit rather than take the API down.
					metrics.RateLimiterErrors.Inc()
					logger.Error("rate limiter unavailable", "error", err, "client_ip", ip)
				case !res.Allowed:
					metrics.AccessDecisions.WithLabelValues("rate_limited").Inc()
					writeRateLimited(w, res)
					return
				default:
					setRateLimitHeaders(w, res)
				}
			}

			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				p := recover()
				status := ww.status
				if p != nil {
					status = http.StatusInternalServerError
				}
				if r.Context().Err() == nil {
					km.LogAPIUsage(context.WithoutCancel(r.Context()), key, ip, endpointOf(r, opts.Endpoint), status)
				}
				if p != nil {
					panic(p)
				}
			}()

			rec, err := km.ValidateAPIKey(r.Context(), key)
			if err != nil {
				metrics.AccessDecisions.WithLabelValues("store_error").Inc()
				logger.Error("api key validation failed", "error", err, "request_id", GetRequestID(r.Context()))
				writeError(ww, http.StatusServiceUnavailable, "Authentication service unavailable")
				return
			}
			if rec == nil {
				metrics.AccessDecisions.WithLabelValues("invalid_key").Inc()
				writeError(ww, http.StatusUnauthorized, "Invalid API key")
				return
			}
			if opts.Permission != "" && !rec.HasPermission(opts.Permission) {
				metrics.AccessDecisions.WithLabelValues("forbidden").Inc()
				writeError(ww, http.StatusForbidden, "Insufficient permissions: "+opts.Permission+" required")
				return
			}
			if opts.CheckIP && !rec.AllowsIP(ip) {
				metrics.AccessDecisions.WithLabelValues("ip_denied").Inc()
				writeError(ww, http.StatusForbidden, "Access denied from this IP address")
				return
			}

			metrics.AccessDecisions.WithLabelValues("admitted").Inc()
			ctx := context.WithValue(r.Context(), identityKey, rec.Identity())
			ctx = context.WithValue(ctx, apiKeyKey, key)
			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// endpointOf prefers route patterns over raw paths so that path parameters
// such as user IDs stay out of the usage log.
func endpointOf(r *http.Request, fixed string) string {
	if fixed != "" {
		return fixed
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" && !strings.HasSuffix(p, "*") {
			return p
		}
	}
	return r.URL.Path
}

func extractKey(r *http.Request, header, field string) string {
	if k := r.Header.Get(header); k != "" {
		return k
	}
	// PostFormValue ignores the query string so keys never ride in URLs.
	return r.PostFormValue(field)
}

// GetIdentity returns the admitted caller's identity, or nil.
func GetIdentity(ctx context.Context) *model.KeyIdentity {
	if id, ok := ctx.Value(identityKey).(*model.KeyIdentity); ok {
		return id
	}
	return nil
}

// GetAPIKey returns the raw key the admitted request presented.
func GetAPIKey(ctx context.Context) string {
	if k, ok := ctx.Value(apiKeyKey).(string); ok {
		return k
	}
	return ""
}

// WithIdentity attaches an identity and key to ctx. Used by tests and by
// callers that authenticate through other means.
func WithIdentity(ctx context.Context, id *model.KeyIdentity, rawKey string) context.Context {
	ctx = context.WithValue(ctx, identityKey, id)
	return context.WithValue(ctx, apiKeyKey, rawKey)
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	setRateLimitHeaders(w, res)
	secs := int(math.Ceil(res.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Retry after "+strconv.Itoa(secs)+"s.")
}

// writeError writes the standard JSON error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}

