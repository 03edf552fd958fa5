package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware starts a server span per request, continuing any trace
// propagated by the caller. With redactSensitive, object keys, queries and
// sensitive headers are not recorded. Customer keys are never recorded.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("sse-object-store")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			bucket, key := extractBucketAndKey(r.URL.Path)
			ctx, span := tracer.Start(ctx, getSpanName(r.Method, bucket, key, r.URL.Query().Has("delete")),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPScheme(scheme(r)),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)
			defer span.End()

			if bucket != "" {
				span.SetAttributes(attribute.String("s3.bucket", bucket))
			}
			if key != "" && !redactSensitive {
				span.SetAttributes(attribute.String("s3.key", key))
			}
			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", redactedValue))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r.WithContext(ctx))

			status := rw.statusCode
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(semconv.HTTPStatusCode(status))
			if id := rw.Header().Get("x-amz-request-id"); id != "" {
				span.SetAttributes(attribute.String("s3.request_id", id))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// extractBucketAndKey splits a path-style request path into bucket and key.
func extractBucketAndKey(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

// getSpanName names the span after the operation the route serves.
func getSpanName(method, bucket, key string, batchDelete bool) string {
	if bucket == "" {
		return "HTTP " + method
	}

	if key == "" {
		switch method {
		case http.MethodPut:
			return "S3 CreateBucket"
		case http.MethodHead:
			return "S3 HeadBucket"
		case http.MethodDelete:
			return "S3 DeleteBucket"
		case http.MethodPost:
			if batchDelete {
				return "S3 DeleteObjects"
			}
		}
		return "HTTP " + method
	}

	switch method {
	case http.MethodGet:
		return "S3 GetObject"
	case http.MethodPut:
		return "S3 PutObject"
	case http.MethodDelete:
		return "S3 DeleteObject"
	case http.MethodHead:
		return "S3 HeadObject"
	default:
		return "HTTP " + method
	}
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

var (
	safeSpanHeaders = []string{
		"content-type",
		"content-length",
		"x-amz-server-side-encryption",
		"x-amz-server-side-encryption-customer-algorithm",
	}

	sensitiveSpanHeaders = []string{
		"authorization",
		"x-amz-security-token",
		"x-amz-server-side-encryption-aws-kms-key-id",
		"x-amz-server-side-encryption-customer-key-md5",
	}

	// redacted regardless of configuration
	secretSpanHeaders = []string{
		"x-amz-server-side-encryption-customer-key",
	}
)

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones.
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeSpanHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveSpanHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = redactedValue
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}

	for _, header := range secretSpanHeaders {
		if headers.Get(header) != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, redactedValue))
		}
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
