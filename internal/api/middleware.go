package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
)

// Context keys for request propagation.
type contextKey string

const (
	// ClientIPKey is the context key for the resolved client IP.
	ClientIPKey contextKey = "clientIP"

	// TraceIDKey is the context key for trace ID.
	TraceIDKey contextKey = "traceID"

	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "requestID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"

	// TierHeader carries the caller's rate limit tier. Set by the
	// authenticating proxy in front of Kestrel; absent means anonymous.
	TierHeader = "X-Client-Tier"
)

var tracer = otel.Tracer("kestrel-api")

// ClientIPMiddleware resolves the client IP from forwarding headers and
// stores it in the request context.
func ClientIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ClientIPKey, clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP picks the client address from X-Forwarded-For, X-Real-IP, or
// the connection remote address, in that order.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TracingMiddleware creates OpenTelemetry spans and propagates trace context.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		if !span.SpanContext().TraceID().IsValid() {
			traceID = requestID
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with structured logging.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		requestID, _ := r.Context().Value(RequestIDKey).(string)
		traceID, _ := r.Context().Value(TraceIDKey).(string)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"request_id", requestID,
			"trace_id", traceID,
		)
	})
}

// CORSMiddleware handles Cross-Origin Resource Sharing for browser clients.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Trace-ID, X-Client-Tier, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware recovers from panics and returns 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// BlocklistMiddleware rejects requests from blocked IPs: a static list
// fixed at startup plus dynamic entries in the store. Stored entries use
// hashed keys so the raw IP never persists.
func BlocklistMiddleware(store domain.Store, static []string) func(http.Handler) http.Handler {
	staticSet := make(map[string]struct{}, len(static))
	for _, ip := range static {
		staticSet[strings.TrimSpace(ip)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r.Context())
			if ip != "" {
				if _, blocked := staticSet[ip]; blocked {
					writeJSON(w, http.StatusForbidden, map[string]string{
						"error": "access denied",
					})
					return
				}

				val, err := store.GetValue(r.Context(), blockedIPKey(ip))
				if err != nil {
					// Store outage never locks legitimate clients out.
					slog.Warn("blocklist lookup unavailable", "error", err)
				} else if val != "" {
					writeJSON(w, http.StatusForbidden, map[string]string{
						"error": "access denied",
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func blockedIPKey(ip string) string {
	return "blocked_ip:" + fraud.HashIdentifier(ip)
}

// RateLimitMiddleware runs every request through admission control and
// sets the standard rate limit response headers. Denials answer 429 with
// Retry-After; the denial body never reveals which window tripped.
func RateLimitMiddleware(limiter *ratelimit.Limiter, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := r.Header.Get(TierHeader)
			if tier == "" {
				tier = "anonymous"
			}

			result, err := limiter.Check(r.Context(), GetClientIP(r.Context()), tier, endpointClass(r.URL.Path))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			remaining := result.Limit - result.CurrentCount
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				if m != nil {
					m.DenialsTotal.WithLabelValues("ratelimit").Inc()
				}
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":      "rate limit exceeded",
					"retryAfter": result.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// endpointClass maps a request path onto the per-endpoint override
// namespace. Only the first two segments matter: /v1/generate/batch and
// /v1/generate share one budget.
func endpointClass(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) < 2 {
		return path
	}
	return "/" + parts[0] + "/" + parts[1]
}

// BotGateMiddleware screens requests through the bot detector and turns
// away clients that score at or above the block threshold. The denial is
// deliberately generic.
func BotGateMiddleware(svc *fraud.Service, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := svc.CheckBotActivity(r.Context(), fraud.BotCheckRequest{
				UserAgent: r.UserAgent(),
				IP:        GetClientIP(r.Context()),
			})

			if sig.Score >= svc.Limits().Load().BlockThreshold {
				if m != nil {
					m.DenialsTotal.WithLabelValues("bot").Inc()
				}
				slog.Info("bot gate rejection",
					"path", r.URL.Path,
					"score", sig.Score,
				)
				writeJSON(w, http.StatusForbidden, map[string]string{
					"error": "access denied",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request latency.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			m.RequestDuration.WithLabelValues(r.Method, strconv.Itoa(rw.statusCode)).
				Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetClientIP extracts the resolved client IP from context.
func GetClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(ClientIPKey).(string); ok {
		return v
	}
	return ""
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}
