package object

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/sse-object-store/internal/audit"
	"github.com/kenneth/sse-object-store/internal/bucket"
	"github.com/kenneth/sse-object-store/internal/crypto"
	"github.com/kenneth/sse-object-store/internal/errs"
	"github.com/kenneth/sse-object-store/internal/keylock"
	"github.com/kenneth/sse-object-store/internal/metrics"
	"github.com/kenneth/sse-object-store/internal/sse"
	"github.com/kenneth/sse-object-store/internal/storage"
)

const (
	maxKeyLength             = 1024
	defaultDeleteConcurrency = 8
	tracerName               = "sse-object-store"
)

// Config holds object store limits.
type Config struct {
	MaxObjectSize        int64
	DeleteConcurrency    int
	DefaultExternalKeyID string
}

// Store orchestrates object puts, reads and deletes across the bucket
// registry, the encryption modes and the storage backend.
type Store struct {
	registry *bucket.Registry
	backend  storage.Backend
	resolver sse.Resolver
	keyring  *crypto.ServerKeyring
	keys     crypto.KeyManager
	locks    keylock.Table
	cfg      Config

	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records store metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithAudit emits audit events to a.
func WithAudit(a audit.Logger) Option {
	return func(s *Store) { s.audit = a }
}

// WithTracer overrides the tracer used for store spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// NewStore creates an object store. keys may be nil, in which case
// externally managed requests fail with KeyServiceUnavailable.
func NewStore(registry *bucket.Registry, backend storage.Backend, keyring *crypto.ServerKeyring, keys crypto.KeyManager, cfg Config, logger *logrus.Logger, opts ...Option) (*Store, error) {
	if registry == nil || backend == nil {
		return nil, errors.New("object store requires a registry and a backend")
	}
	if keyring == nil {
		return nil, errors.New("object store requires a server keyring")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.DeleteConcurrency <= 0 {
		cfg.DeleteConcurrency = defaultDeleteConcurrency
	}

	s := &Store{
		registry: registry,
		backend:  backend,
		resolver: sse.Resolver{DefaultExternalKeyID: cfg.DefaultExternalKeyID},
		keyring:  keyring,
		keys:     keys,
		cfg:      cfg,
		logger:   logger,
		audit:    audit.NewLogger(0, nil),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put encrypts and stores an object, replacing any previous version
// atomically. If ctx is cancelled before the replace, the previous version
// is left untouched.
func (s *Store) Put(ctx context.Context, in PutInput) (result *PutResult, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "object.Put", in.Bucket, in.Key)
	var tag sse.Tag
	var keyID string
	defer func() {
		s.finish(ctx, span, "put", in.Bucket, in.Key, tag, err, start)
		s.audit.LogEncrypt(ctx, in.Bucket, in.Key, string(tag), keyID, err, time.Since(start))
	}()

	if err := s.validateKey(in.Key); err != nil {
		return nil, err
	}
	if s.cfg.MaxObjectSize > 0 && int64(len(in.Body)) > s.cfg.MaxObjectSize {
		return nil, errs.Validation(errs.CodeInvalidArgument,
			fmt.Sprintf("object size %d exceeds the maximum of %d bytes", len(in.Body), s.cfg.MaxObjectSize))
	}

	err = s.registry.Read(ctx, in.Bucket, func() error {
		mode, err := s.resolver.Resolve(in.Encryption)
		if err != nil {
			return err
		}
		defer mode.Destroy()
		tag = mode.Tag()
		span.SetAttributes(attribute.String("sse.mode", string(tag)))

		rec, err := s.seal(ctx, in, mode)
		if err != nil {
			return err
		}
		keyID = rec.ExternalKeyID

		unlock := s.locks.Lock(identity(in.Bucket, in.Key))
		defer unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.backend.PutRecord(ctx, rec); err != nil {
			return s.backendError(in.Bucket, in.Key, err)
		}

		result = &PutResult{ETag: rec.ETag, Mode: tag, ExternalKeyID: rec.ExternalKeyID}
		fillAlgorithms(tag, &result.ServerSideAlgorithm, &result.CustomerKeyAlgorithm)
		result.CustomerKeyChecksum = rec.CustomerKeyChecksum
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": in.Bucket,
		"key":    in.Key,
		"mode":   tag,
		"size":   len(in.Body),
	}).Debug("Object stored")
	return result, nil
}

// seal builds the encrypted record for in under mode.
func (s *Store) seal(ctx context.Context, in PutInput, mode sse.Mode) (*storage.Record, error) {
	rec := &storage.Record{
		Bucket:       in.Bucket,
		Key:          in.Key,
		Mode:         mode.Tag(),
		Size:         int64(len(in.Body)),
		ContentType:  in.ContentType,
		Metadata:     copyMetadata(in.Metadata),
		LastModified: s.now().UTC(),
	}
	aad := objectAAD(in.Bucket, in.Key, mode.Tag())

	var dataKey []byte
	switch m := mode.(type) {
	case sse.None:
		rec.Ciphertext = append([]byte(nil), in.Body...)
		sum := md5.Sum(in.Body)
		rec.ETag = hex.EncodeToString(sum[:])
		return rec, nil

	case sse.ServerManaged:
		key, err := crypto.GenerateDataKey()
		if err != nil {
			return nil, errs.Internal(err)
		}
		dataKey = key
		defer crypto.ZeroBytes(dataKey)
		if rec.WrappedKey, err = s.keyring.Seal(dataKey, aad); err != nil {
			return nil, errs.Internal(err)
		}

	case *sse.CustomerSupplied:
		dataKey = m.Key
		rec.CustomerKeyChecksum = m.Checksum

	case sse.ExternallyManaged:
		if s.keys == nil {
			return nil, errs.KeyServiceUnavailable(errors.New("no external key service configured"))
		}
		key, err := crypto.GenerateDataKey()
		if err != nil {
			return nil, errs.Internal(err)
		}
		dataKey = key
		defer crypto.ZeroBytes(dataKey)

		wrapped, err := s.keys.WrapKey(ctx, m.KeyID, dataKey)
		if err != nil {
			return nil, mapKeyServiceError(m.KeyID, err)
		}
		rec.WrappedKey = wrapped
		rec.ExternalKeyID = m.KeyID
		rec.KeyProvider = s.keys.Provider()

	default:
		return nil, errs.Internal(fmt.Errorf("unsupported mode %T", mode))
	}

	start := time.Now()
	ciphertext, err := crypto.EncryptObject(in.Body, dataKey, aad)
	if err != nil {
		s.recordEncryptionError("encrypt", mode.Tag(), err)
		return nil, errs.Internal(err)
	}
	if s.metrics != nil {
		s.metrics.RecordEncryptionOperation("encrypt", string(mode.Tag()), time.Since(start), rec.Size)
	}

	rec.Ciphertext = ciphertext
	sum := md5.Sum(ciphertext)
	rec.ETag = hex.EncodeToString(sum[:])
	return rec, nil
}

// Head returns object metadata. Customer-supplied objects require the
// matching key.
func (s *Store) Head(ctx context.Context, bucketName, key string, params sse.Params) (info *ObjectInfo, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "object.Head", bucketName, key)
	var tag sse.Tag
	defer func() {
		s.finish(ctx, span, "head", bucketName, key, tag, err, start)
		s.audit.LogAccess(ctx, "head", bucketName, key, err, time.Since(start))
	}()

	err = s.registry.Read(ctx, bucketName, func() error {
		rec, mode, err := s.load(ctx, bucketName, key, params)
		if err != nil {
			return err
		}
		defer mode.Destroy()
		tag = rec.Mode
		info = recordInfo(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Get returns the decrypted object. The mode comes from the stored record;
// caller parameters are validated and must match for customer-supplied
// objects.
func (s *Store) Get(ctx context.Context, bucketName, key string, params sse.Params) (obj *Object, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "object.Get", bucketName, key)
	var tag sse.Tag
	var keyID string
	defer func() {
		s.finish(ctx, span, "get", bucketName, key, tag, err, start)
		s.audit.LogDecrypt(ctx, bucketName, key, string(tag), keyID, err, time.Since(start))
	}()

	err = s.registry.Read(ctx, bucketName, func() error {
		rec, mode, err := s.load(ctx, bucketName, key, params)
		if err != nil {
			return err
		}
		defer mode.Destroy()
		tag = rec.Mode
		keyID = rec.ExternalKeyID

		body, err := s.open(ctx, rec, mode)
		if err != nil {
			return err
		}
		obj = &Object{ObjectInfo: *recordInfo(rec), Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// load fetches a record and checks the caller's parameters against it.
func (s *Store) load(ctx context.Context, bucketName, key string, params sse.Params) (*storage.Record, sse.Mode, error) {
	mode, err := s.resolver.Resolve(params)
	if err != nil {
		return nil, nil, err
	}

	unlock := s.locks.RLock(identity(bucketName, key))
	rec, err := s.backend.GetRecord(ctx, bucketName, key)
	unlock()
	if err != nil {
		mode.Destroy()
		return nil, nil, s.backendError(bucketName, key, err)
	}

	switch rec.Mode {
	case sse.TagCustomerSupplied:
		cs, ok := mode.(*sse.CustomerSupplied)
		if !ok {
			mode.Destroy()
			return nil, nil, errs.AccessDenied("the object was stored with a customer-supplied key; the key is required")
		}
		if !crypto.ChecksumEqual(cs.Checksum, rec.CustomerKeyChecksum) {
			mode.Destroy()
			return nil, nil, errs.AccessDenied("the supplied customer key does not match the key the object was stored with")
		}
	case sse.TagExternallyManaged:
		if params.ExternalKeyID != "" && params.ExternalKeyID != rec.ExternalKeyID {
			mode.Destroy()
			return nil, nil, errs.AccessDenied("the requested key id does not match the key the object was stored with")
		}
	}
	return rec, mode, nil
}

// open decrypts rec. Authentication failures after all key checks passed
// are integrity errors.
func (s *Store) open(ctx context.Context, rec *storage.Record, mode sse.Mode) ([]byte, error) {
	aad := objectAAD(rec.Bucket, rec.Key, rec.Mode)

	var dataKey []byte
	switch rec.Mode {
	case sse.TagNone:
		return append([]byte(nil), rec.Ciphertext...), nil

	case sse.TagServerManaged:
		key, err := s.keyring.Open(rec.WrappedKey, aad)
		if err != nil {
			return nil, s.integrityError(rec, err)
		}
		dataKey = key
		defer crypto.ZeroBytes(dataKey)

	case sse.TagCustomerSupplied:
		dataKey = mode.(*sse.CustomerSupplied).Key

	case sse.TagExternallyManaged:
		if s.keys == nil {
			return nil, errs.KeyServiceUnavailable(errors.New("no external key service configured"))
		}
		key, err := s.keys.UnwrapKey(ctx, rec.ExternalKeyID, rec.WrappedKey)
		if err != nil {
			return nil, mapKeyServiceError(rec.ExternalKeyID, err)
		}
		dataKey = key
		defer crypto.ZeroBytes(dataKey)

	default:
		return nil, errs.Internal(fmt.Errorf("unsupported stored mode %q", rec.Mode))
	}

	start := time.Now()
	plaintext, err := crypto.DecryptObject(rec.Ciphertext, dataKey, aad)
	if err != nil {
		return nil, s.integrityError(rec, err)
	}
	if s.metrics != nil {
		s.metrics.RecordEncryptionOperation("decrypt", string(rec.Mode), time.Since(start), int64(len(plaintext)))
	}
	return plaintext, nil
}

// DeleteObject removes one object.
func (s *Store) DeleteObject(ctx context.Context, bucketName, key string) (err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "object.Delete", bucketName, key)
	defer func() {
		s.finish(ctx, span, "delete", bucketName, key, "", err, start)
		s.audit.LogAccess(ctx, "delete", bucketName, key, err, time.Since(start))
	}()

	return s.registry.Read(ctx, bucketName, func() error {
		return s.deleteLocked(ctx, bucketName, key)
	})
}

// DeleteObjects removes keys independently and concurrently. Each key is
// reported as deleted or with its own error; a failure never rolls back
// other deletions. Duplicate keys are collapsed. The returned error is set
// only when the whole request failed.
func (s *Store) DeleteObjects(ctx context.Context, bucketName string, keys []string) (results []DeleteResult, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "object.DeleteObjects", bucketName, "")
	span.SetAttributes(attribute.Int("object.count", len(keys)))
	defer func() {
		s.finish(ctx, span, "delete_batch", bucketName, "", "", err, start)
	}()

	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	err = s.registry.Read(ctx, bucketName, func() error {
		results = make([]DeleteResult, len(unique))

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.DeleteConcurrency)
		for i, key := range unique {
			g.Go(func() error {
				keyStart := time.Now()
				err := s.deleteLocked(ctx, bucketName, key)
				s.audit.LogAccess(ctx, "delete", bucketName, key, err, time.Since(keyStart))
				results[i] = DeleteResult{Key: key, Deleted: err == nil, Err: err}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) deleteLocked(ctx context.Context, bucketName, key string) error {
	if err := s.validateKey(key); err != nil {
		return err
	}
	unlock := s.locks.Lock(identity(bucketName, key))
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.backend.DeleteRecord(ctx, bucketName, key); err != nil {
		return s.backendError(bucketName, key, err)
	}
	return nil
}

func (s *Store) validateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return errs.Validation(errs.CodeInvalidArgument,
			fmt.Sprintf("object key must be between 1 and %d bytes", maxKeyLength))
	}
	return nil
}

func (s *Store) backendError(bucketName, key string, err error) error {
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		return errs.NoSuchKey(bucketName, key)
	case errors.Is(err, storage.ErrBucketNotFound):
		return errs.NoSuchBucket(bucketName)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return errs.Internal(fmt.Errorf("storage %s/%s: %w", bucketName, key, err))
}

func (s *Store) integrityError(rec *storage.Record, err error) error {
	s.recordEncryptionError("decrypt", rec.Mode, err)
	s.logger.WithFields(logrus.Fields{
		"bucket": rec.Bucket,
		"key":    rec.Key,
		"mode":   rec.Mode,
	}).Error("Stored object failed authentication")
	return errs.DecryptionFailed(rec.Bucket, rec.Key, err)
}

func (s *Store) recordEncryptionError(operation string, tag sse.Tag, err error) {
	if s.metrics != nil {
		s.metrics.RecordEncryptionError(operation, string(tag), errs.CodeOf(err))
	}
}

func (s *Store) startSpan(ctx context.Context, name, bucketName, key string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("s3.bucket", bucketName)}
	if key != "" {
		attrs = append(attrs, attribute.String("s3.key", key))
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish closes the span and records metrics and logs for one operation.
func (s *Store) finish(ctx context.Context, span trace.Span, operation, bucketName, key string, tag sse.Tag, err error, start time.Time) {
	defer span.End()

	if err == nil {
		if s.metrics != nil {
			s.metrics.RecordStoreOperation(operation, string(tag), time.Since(start))
		}
		return
	}

	code := errs.CodeOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = "Canceled"
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	if s.metrics != nil {
		s.metrics.RecordStoreError(operation, code)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"bucket":    bucketName,
		"key":       key,
		"operation": operation,
		"code":      code,
	})
	switch errs.KindOf(err) {
	case errs.KindInternal, errs.KindIntegrity:
		if code != "Canceled" {
			entry.WithError(err).Error("Object operation failed")
		}
	case errs.KindDependency:
		entry.WithError(err).Warn("Object operation failed")
	default:
		entry.Debug("Object operation rejected")
	}
}

func recordInfo(rec *storage.Record) *ObjectInfo {
	info := &ObjectInfo{
		Bucket:              rec.Bucket,
		Key:                 rec.Key,
		Size:                rec.Size,
		ETag:                rec.ETag,
		ContentType:         rec.ContentType,
		Metadata:            copyMetadata(rec.Metadata),
		LastModified:        rec.LastModified,
		Mode:                rec.Mode,
		CustomerKeyChecksum: rec.CustomerKeyChecksum,
		ExternalKeyID:       rec.ExternalKeyID,
	}
	fillAlgorithms(rec.Mode, &info.ServerSideAlgorithm, &info.CustomerKeyAlgorithm)
	return info
}

func fillAlgorithms(tag sse.Tag, serverSide, customer *string) {
	switch tag {
	case sse.TagServerManaged:
		*serverSide = sse.AlgorithmAES256
	case sse.TagCustomerSupplied:
		*customer = sse.AlgorithmAES256
	case sse.TagExternallyManaged:
		*serverSide = sse.AlgorithmAWSKMS
	}
}

// objectAAD binds ciphertext to its identity and mode. Neither tags nor
// bucket names contain NUL, so the encoding is unambiguous.
func objectAAD(bucketName, key string, tag sse.Tag) []byte {
	return []byte(string(tag) + "\x00" + bucketName + "\x00" + key)
}

func identity(bucketName, key string) string {
	return bucketName + "\x00" + key
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
