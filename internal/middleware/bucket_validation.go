package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sse-object-store/internal/bucket"
)

// BucketValidationMiddleware rejects requests whose bucket segment violates
// the bucket naming rules before they reach the router. Health and metrics
// endpoints are always allowed.
func BucketValidationMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if isOperationalPath(path) {
				next.ServeHTTP(w, r)
				return
			}

			name, _ := extractBucketAndKey(path)
			if name == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := bucket.ValidateName(name); err != nil {
				logger.WithFields(logrus.Fields{
					"bucket": name,
					"path":   path,
					"method": r.Method,
				}).Debug("Rejected invalid bucket name")

				writeS3Error(w, r, http.StatusBadRequest, "InvalidBucketName", "The specified bucket is not valid.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isOperationalPath(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/metrics/")
}
