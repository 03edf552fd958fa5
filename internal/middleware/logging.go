package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sse-object-store/internal/config"
)

const redactedValue = "[REDACTED]"

// Headers carrying credentials or key material are never logged.
var alwaysRedactHeaders = []string{
	"authorization",
	"x-amz-security-token",
	"x-amz-server-side-encryption-customer-key",
}

// LoggingMiddleware writes one access log line per request in the configured
// format. Server errors log at error level and client errors at warn.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	redact := newHeaderRedactor(cfg.RedactHeaders)
	format := cfg.AccessLogFormat

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &accessRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			entry := newAccessEntry(r, rec, time.Since(start))
			if format == "json" {
				entry.headers = redact.apply(r.Header)
			}
			entry.log(logger, format)
		})
	}
}

// accessRecorder captures the status and body size of a response.
type accessRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (a *accessRecorder) WriteHeader(code int) {
	a.status = code
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(b []byte) (int, error) {
	n, err := a.ResponseWriter.Write(b)
	a.written += int64(n)
	return n, err
}

type accessEntry struct {
	method     string
	path       string
	query      string
	bucket     string
	remoteAddr string
	userAgent  string
	requestID  string
	status     int
	errorCode  string
	encryption string
	bytesIn    int64
	bytesOut   int64
	duration   time.Duration
	headers    map[string]string
}

func newAccessEntry(r *http.Request, rec *accessRecorder, duration time.Duration) *accessEntry {
	bucket, _ := extractBucketAndKey(r.URL.Path)
	e := &accessEntry{
		method:     r.Method,
		path:       r.URL.Path,
		query:      r.URL.RawQuery,
		bucket:     bucket,
		remoteAddr: r.RemoteAddr,
		userAgent:  r.UserAgent(),
		requestID:  rec.Header().Get("x-amz-request-id"),
		status:     rec.status,
		errorCode:  rec.Header().Get("x-amz-error-code"),
		encryption: requestedEncryption(r.Header),
		bytesOut:   rec.written,
		duration:   duration,
	}
	if r.ContentLength > 0 {
		e.bytesIn = r.ContentLength
	}
	return e
}

// requestedEncryption names the encryption parameters a request carried,
// without any key material.
func requestedEncryption(h http.Header) string {
	switch {
	case h.Get("x-amz-server-side-encryption-customer-algorithm") != "":
		return "sse-c"
	case h.Get("x-amz-server-side-encryption") != "":
		return h.Get("x-amz-server-side-encryption")
	default:
		return ""
	}
}

func (e *accessEntry) fields() logrus.Fields {
	f := logrus.Fields{
		"method":      e.method,
		"path":        e.path,
		"remote_addr": e.remoteAddr,
		"status":      e.status,
		"duration_ms": e.duration.Milliseconds(),
		"bytes_in":    e.bytesIn,
		"bytes_out":   e.bytesOut,
	}
	optional := map[string]string{
		"query":      e.query,
		"bucket":     e.bucket,
		"user_agent": e.userAgent,
		"request_id": e.requestID,
		"error_code": e.errorCode,
		"encryption": e.encryption,
	}
	for k, v := range optional {
		if v != "" {
			f[k] = v
		}
	}
	if e.headers != nil {
		f["headers"] = e.headers
	}
	return f
}

// clf renders the entry in Common Log Format.
func (e *accessEntry) clf(now time.Time) string {
	target := e.path
	if e.query != "" {
		target += "?" + e.query
	}
	return fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		e.remoteAddr, now.Format("02/Jan/2006:15:04:05 -0700"), e.method, target, e.status, e.bytesOut)
}

func (e *accessEntry) log(logger *logrus.Logger, format string) {
	var entry *logrus.Entry
	if format == "clf" {
		entry = logger.WithField("clf", e.clf(time.Now()))
	} else {
		entry = logger.WithFields(e.fields())
	}

	switch {
	case e.status >= http.StatusInternalServerError:
		entry.Error("HTTP request")
	case e.status >= http.StatusBadRequest:
		entry.Warn("HTTP request")
	default:
		entry.Info("HTTP request")
	}
}

// headerRedactor copies request headers, masking configured and sensitive
// ones.
type headerRedactor map[string]struct{}

func newHeaderRedactor(configured []string) headerRedactor {
	h := make(headerRedactor, len(alwaysRedactHeaders)+len(configured))
	for _, name := range alwaysRedactHeaders {
		h[name] = struct{}{}
	}
	for _, name := range configured {
		h[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return h
}

func (h headerRedactor) redacts(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

func (h headerRedactor) apply(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		lower := strings.ToLower(name)
		if h.redacts(lower) {
			out[lower] = redactedValue
			continue
		}
		out[lower] = strings.Join(values, ",")
	}
	return out
}
