package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/medvault/custody/pkg/logger"
)

// Middleware combines request IDs, tracing, metrics and request logging
type Middleware struct {
	metrics *Metrics
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMiddleware creates the HTTP monitoring middleware
func NewMiddleware(metrics *Metrics, tracing *TracingManager, log *logger.Logger) *Middleware {
	return &Middleware{metrics: metrics, tracing: tracing, logger: log}
}

// Handler wraps next with monitoring
func (mm *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = context.WithValue(ctx, logger.RequestIDKey, requestID)

		route := routeTemplate(r)
		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, route)
		defer span.End()

		if traceID := TraceIDFromContext(ctx); traceID != "" {
			ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
		}

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set("X-Request-ID", requestID)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(wrapper.Header()))

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		mm.metrics.RecordHTTPRequest(r.Method, route, wrapper.statusCode, duration)

		span.SetAttributes(semconv.HTTPStatusCode(wrapper.statusCode))
		if wrapper.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		mm.logger.HTTPRequest(ctx, r.Method, route, r.RemoteAddr, wrapper.statusCode, duration.Milliseconds())
	})
}

// routeTemplate keeps grant references out of metric labels
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
