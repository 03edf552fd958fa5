package bucket

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sse-object-store/internal/audit"
	"github.com/kenneth/sse-object-store/internal/errs"
	"github.com/kenneth/sse-object-store/internal/keylock"
	"github.com/kenneth/sse-object-store/internal/metrics"
	"github.com/kenneth/sse-object-store/internal/storage"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateName checks the bucket naming rules: 3 to 63 characters of
// lowercase letters, digits, dots and hyphens, starting and ending with a
// letter or digit, without consecutive dots.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return errs.Validation(errs.CodeInvalidBucketName, fmt.Sprintf("invalid bucket name %q", name))
	}
	return nil
}

// Registry tracks bucket existence. Object mutations run under a bucket's
// read guard; Delete takes its write guard, so no put lands while a bucket
// is being checked for emptiness and removed.
type Registry struct {
	backend storage.Backend
	guards  keylock.Table
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records bucket operations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithAudit emits bucket audit events.
func WithAudit(a audit.Logger) Option {
	return func(r *Registry) { r.audit = a }
}

// NewRegistry creates a registry over backend.
func NewRegistry(backend storage.Backend, logger *logrus.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new bucket. Concurrent creates of one name are
// serialized; exactly one succeeds.
func (r *Registry) Create(ctx context.Context, name string) (err error) {
	defer func() { r.record(ctx, "create", name, err) }()

	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := r.guards.Lock(name)
	defer unlock()

	if err := r.backend.CreateBucket(ctx, name, r.now()); err != nil {
		if errors.Is(err, storage.ErrBucketExists) {
			return errs.BucketAlreadyExists(name)
		}
		return errs.Internal(fmt.Errorf("create bucket %s: %w", name, err))
	}

	r.logger.WithField("bucket", name).Info("Bucket created")
	return nil
}

// Exists reports whether the bucket is registered.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := r.backend.BucketExists(ctx, name)
	if err != nil {
		return false, errs.Internal(fmt.Errorf("lookup bucket %s: %w", name, err))
	}
	return ok, nil
}

// Delete removes an empty bucket.
func (r *Registry) Delete(ctx context.Context, name string) (err error) {
	defer func() { r.record(ctx, "delete", name, err) }()

	unlock := r.guards.Lock(name)
	defer unlock()

	if err := r.backend.DeleteBucket(ctx, name); err != nil {
		switch {
		case errors.Is(err, storage.ErrBucketNotFound):
			return errs.NoSuchBucket(name)
		case errors.Is(err, storage.ErrBucketNotEmpty):
			return errs.BucketNotEmpty(name)
		}
		return errs.Internal(fmt.Errorf("delete bucket %s: %w", name, err))
	}

	r.logger.WithField("bucket", name).Info("Bucket deleted")
	return nil
}

// Read runs fn while holding the bucket's read guard, after verifying the
// bucket exists.
func (r *Registry) Read(ctx context.Context, name string, fn func() error) error {
	unlock := r.guards.RLock(name)
	defer unlock()

	ok, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NoSuchBucket(name)
	}
	return fn()
}

func (r *Registry) record(ctx context.Context, operation, name string, err error) {
	if r.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = errs.CodeOf(err)
		}
		r.metrics.RecordBucketOperation(operation, outcome)
	}
	if r.audit != nil {
		r.audit.LogBucket(ctx, operation, name, err)
	}
	if err != nil && errs.KindOf(err) == errs.KindInternal && ctx.Err() == nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"bucket":    name,
			"operation": operation,
		}).Error("Bucket operation failed")
	}
}
