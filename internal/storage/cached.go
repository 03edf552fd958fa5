package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sse-object-store/internal/cache"
)

// CachedBackend is a read-through, write-through record cache in front of
// another backend. Only encoded records are cached: ciphertext plus
// non-secret metadata.
//
// Writes bump a per-stripe generation. A read-through fill is dropped when
// the generation of its stripe moved while the inner read was in flight, so
// a slow read never puts back a record that a completed write replaced.
type CachedBackend struct {
	Backend
	cache   cache.Cache
	ttl     time.Duration
	logger  *logrus.Logger
	stripes [shardCount]cacheStripe
}

type cacheStripe struct {
	mu  sync.Mutex
	gen uint64
}

// NewCachedBackend wraps inner with c. A zero ttl uses the cache default.
func NewCachedBackend(inner Backend, c cache.Cache, ttl time.Duration, logger *logrus.Logger) *CachedBackend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedBackend{Backend: inner, cache: c, ttl: ttl, logger: logger}
}

func (b *CachedBackend) stripe(bucket, key string) *cacheStripe {
	return &b.stripes[recordHash(bucket, key)%shardCount]
}

func (b *CachedBackend) generation(bucket, key string) uint64 {
	st := b.stripe(bucket, key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

func (b *CachedBackend) PutRecord(ctx context.Context, rec *Record) error {
	err := b.Backend.PutRecord(ctx, rec)

	st := b.stripe(rec.Bucket, rec.Key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++
	if err != nil {
		_ = b.cache.Delete(ctx, rec.Bucket, rec.Key)
		return err
	}
	b.store(ctx, rec)
	return nil
}

func (b *CachedBackend) GetRecord(ctx context.Context, bucket, key string) (*Record, error) {
	if entry, ok := b.cache.Get(ctx, bucket, key); ok {
		rec, err := DecodeRecord(entry.Data)
		if err == nil {
			return rec, nil
		}
		b.logger.WithError(err).WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Warn("Dropping undecodable cached record")
		_ = b.cache.Delete(ctx, bucket, key)
	}

	gen := b.generation(bucket, key)
	rec, err := b.Backend.GetRecord(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	st := b.stripe(bucket, key)
	st.mu.Lock()
	if st.gen == gen {
		b.store(ctx, rec)
	}
	st.mu.Unlock()
	return rec, nil
}

func (b *CachedBackend) DeleteRecord(ctx context.Context, bucket, key string) error {
	err := b.Backend.DeleteRecord(ctx, bucket, key)

	st := b.stripe(bucket, key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++
	if err == nil || errors.Is(err, ErrRecordNotFound) {
		_ = b.cache.Delete(ctx, bucket, key)
	}
	return err
}

func (b *CachedBackend) store(ctx context.Context, rec *Record) {
	data, err := EncodeRecord(rec)
	if err != nil {
		return
	}
	if err := b.cache.Set(ctx, rec.Bucket, rec.Key, data, b.ttl); err != nil {
		b.logger.WithError(err).Debug("Failed to cache record")
	}
}

// Stats exposes the cache statistics.
func (b *CachedBackend) Stats() cache.CacheStats {
	return b.cache.Stats()
}
