package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		provider.Shutdown(context.Background())
	})
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	attrs := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	return attrs
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	recorder := withSpanRecorder(t)

	var sawHeader string
	handler := TracingMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHeader = r.Header.Get("Authorization")
		w.Header().Set("x-amz-request-id", "req-42")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("PUT", "/photos/cat.jpg?x=1", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Amz-Server-Side-Encryption-Customer-Key", "c2VjcmV0")
	req.Header.Set("X-Amz-Server-Side-Encryption-Customer-Algorithm", "AES256")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer secret-token", sawHeader, "the request itself is not modified")

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "S3 PutObject", spans[0].Name())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "photos", attrs["s3.bucket"])
	assert.NotContains(t, attrs, attribute.Key("s3.key"))
	assert.Equal(t, "[REDACTED]", attrs["http.query"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.authorization"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.x-amz-server-side-encryption-customer-key"])
	assert.Equal(t, "AES256", attrs["http.request.header.x-amz-server-side-encryption-customer-algorithm"])
	assert.Equal(t, "req-42", attrs["s3.request_id"])
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	recorder := withSpanRecorder(t)

	handler := TracingMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Amz-Server-Side-Encryption-Customer-Key", "c2VjcmV0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "cat.jpg", attrs["s3.key"])
	assert.Equal(t, "Bearer secret-token", attrs["http.request.header.authorization"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.x-amz-server-side-encryption-customer-key"])
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestExtractBucketAndKey(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		bucket string
		key    string
	}{
		{name: "bucket and key", path: "/bucket/key", bucket: "bucket", key: "key"},
		{name: "nested key", path: "/bucket/a/b/c.txt", bucket: "bucket", key: "a/b/c.txt"},
		{name: "bucket only", path: "/bucket", bucket: "bucket"},
		{name: "trailing slash", path: "/bucket/", bucket: "bucket"},
		{name: "root", path: "/"},
		{name: "empty path", path: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key := extractBucketAndKey(tt.path)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		name   string
		method string
		bucket string
		key    string
		batch  bool
		want   string
	}{
		{"get object", "GET", "bucket", "key", false, "S3 GetObject"},
		{"put object", "PUT", "bucket", "key", false, "S3 PutObject"},
		{"delete object", "DELETE", "bucket", "key", false, "S3 DeleteObject"},
		{"head object", "HEAD", "bucket", "key", false, "S3 HeadObject"},
		{"create bucket", "PUT", "bucket", "", false, "S3 CreateBucket"},
		{"head bucket", "HEAD", "bucket", "", false, "S3 HeadBucket"},
		{"delete bucket", "DELETE", "bucket", "", false, "S3 DeleteBucket"},
		{"batch delete", "POST", "bucket", "", true, "S3 DeleteObjects"},
		{"post without delete", "POST", "bucket", "", false, "HTTP POST"},
		{"unknown method", "PATCH", "bucket", "key", false, "HTTP PATCH"},
		{"no bucket", "GET", "", "", false, "HTTP GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getSpanName(tt.method, tt.bucket, tt.key, tt.batch))
		})
	}
}

func TestGetRemoteAddr(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"X-Forwarded-For single IP", map[string]string{"X-Forwarded-For": "192.168.1.1"}, "192.168.1.1"},
		{"X-Forwarded-For multiple IPs", map[string]string{"X-Forwarded-For": "192.168.1.1, 10.0.0.1"}, "192.168.1.1"},
		{"X-Real-IP", map[string]string{"X-Real-IP": "192.168.1.1"}, "192.168.1.1"},
		{"fallback to RemoteAddr", nil, "127.0.0.1:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "127.0.0.1:1234"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getRemoteAddr(req))
		})
	}
}
