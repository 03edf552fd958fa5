package object

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/sse-object-store/internal/crypto"
	"github.com/kenneth/sse-object-store/internal/errs"
	"github.com/kenneth/sse-object-store/internal/metrics"
)

// mapKeyServiceError converts key manager failures into domain errors.
// Caller cancellation passes through unchanged.
func mapKeyServiceError(keyID string, err error) error {
	switch {
	case errors.Is(err, crypto.ErrKeyServiceUnavailable):
		return errs.KeyServiceUnavailable(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, crypto.ErrKeyNotFound):
		return errs.Wrap(errs.CodeKeyIDNotFound, fmt.Sprintf("external key %q does not exist", keyID), err)
	case errors.Is(err, crypto.ErrKeyAccessDenied):
		return errs.Wrap(errs.CodeAccessDenied, fmt.Sprintf("access to external key %q was denied", keyID), err)
	default:
		return errs.KeyServiceUnavailable(err)
	}
}

// keyServiceOutcome labels a key service call result for metrics.
func keyServiceOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, crypto.ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, crypto.ErrKeyAccessDenied):
		return "access_denied"
	case errors.Is(err, crypto.ErrKeyServiceUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// KeyServiceObserver returns a crypto.KeyServiceObserver that records every
// key service call in m.
func KeyServiceObserver(m *metrics.Metrics) crypto.KeyServiceObserver {
	return func(provider, operation string, d time.Duration, err error) {
		m.RecordKeyServiceCall(provider, operation, keyServiceOutcome(err), d)
	}
}
