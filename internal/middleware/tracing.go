// Package middleware provides HTTP middleware for the Bluetap gateway.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/metrics"
)

// Context keys for tracing.
type contextKey string

const (
	// RequestIDKey is the context key for the request ID.
	RequestIDKey contextKey = "request_id"

	// TraceIDKey is the context key for the trace ID.
	TraceIDKey contextKey = "trace_id"
)

// Header names for tracing.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

// Tracing correlates requests with IDs and emits the request log line and
// HTTP metrics on completion.
type Tracing struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewTracing creates the tracing middleware.
func NewTracing(m *metrics.Metrics, logger zerolog.Logger) *Tracing {
	return &Tracing{
		logger:  logger.With().Str("component", "http").Logger(),
		metrics: m,
	}
}

// Middleware returns the tracing middleware.
func (t *Tracing) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		traceID := r.Header.Get(HeaderTraceID)
		if traceID == "" {
			traceID = requestID
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(HeaderRequestID, requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)

		if t.metrics != nil {
			t.metrics.RecordHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				http.StatusText(wrapped.statusCode),
				duration.Seconds(),
			)
		}

		logger := t.logger.Info()
		if wrapped.statusCode >= 400 {
			logger = t.logger.Warn()
		}
		if wrapped.statusCode >= 500 {
			logger = t.logger.Error()
		}
		logger.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Int("bytes", wrapped.bytesWritten).
			Msg("request completed")
	})
}

// responseWriter captures the status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher for streamed replica reads.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath collapses path parameters so metric label cardinality stays
// bounded: node IDs, object IDs and blob versions become placeholders.
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "cluster" && parts[2] == "nodes":
		if len(parts) == 3 {
			return "/v1/cluster/nodes"
		}
		out := "/v1/cluster/nodes/{id}"
		if len(parts) > 4 {
			out += "/" + parts[4]
		}
		return out
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "objects":
		if len(parts) == 2 {
			return "/v1/objects"
		}
		if parts[2] == "plan" {
			return "/v1/objects/plan"
		}
		out := "/v1/objects/{id}"
		if len(parts) > 3 {
			out += "/" + parts[3]
		}
		return out
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "blobs":
		return "/v1/blobs/{id}/{version}"
	default:
		return path
	}
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// LoggerWithTrace returns a logger carrying the request's correlation IDs.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	return logger.With().
		Str("request_id", GetRequestID(ctx)).
		Logger()
}

// MetricsMiddleware tracks in-flight requests.
type MetricsMiddleware struct {
	metrics *metrics.Metrics
}

// NewMetricsMiddleware creates the in-flight tracking middleware.
func NewMetricsMiddleware(m *metrics.Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{metrics: m}
}

// Middleware returns the metrics middleware.
func (m *MetricsMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.metrics != nil {
			m.metrics.HTTPRequestsInFlight.Inc()
			defer m.metrics.HTTPRequestsInFlight.Dec()
		}
		next.ServeHTTP(w, r)
	})
}
