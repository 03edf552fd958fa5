package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware turns a handler panic into a 500 InternalError response.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  rec,
					"stack":  string(debug.Stack()),
				}).Error("Recovered from handler panic")

				writeS3Error(w, r, http.StatusInternalServerError, "InternalError",
					"We encountered an internal error. Please try again.")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
