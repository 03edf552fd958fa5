package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type recordKey struct {
	bucket string
	key    string
}

type recordShard struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
}

type memoryBucket struct {
	created time.Time
	records atomic.Int64
}

// MemoryBackend keeps records in process memory. Records are spread over
// shards by an xxhash of their identity so unrelated keys rarely contend.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
	shards  [shardCount]*recordShard
	closed  atomic.Bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{buckets: make(map[string]*memoryBucket)}
	for i := range b.shards {
		b.shards[i] = &recordShard{records: make(map[recordKey]*Record)}
	}
	return b
}

func (b *MemoryBackend) shard(bucket, key string) *recordShard {
	return b.shards[recordHash(bucket, key)%shardCount]
}

func recordHash(bucket, key string) uint64 {
	d := xxhash.New()
	d.WriteString(bucket)
	d.Write([]byte{0})
	d.WriteString(key)
	return d.Sum64()
}

func (b *MemoryBackend) bucket(name string) (*memoryBucket, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.buckets[name]
	return mb, ok
}

func (b *MemoryBackend) CreateBucket(ctx context.Context, name string, created time.Time) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[name]; ok {
		return ErrBucketExists
	}
	b.buckets[name] = &memoryBucket{created: created}
	return nil
}

func (b *MemoryBackend) BucketExists(ctx context.Context, name string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	_, ok := b.bucket(name)
	return ok, nil
}

func (b *MemoryBackend) DeleteBucket(ctx context.Context, name string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buckets[name]
	if !ok {
		return ErrBucketNotFound
	}
	if mb.records.Load() > 0 {
		return ErrBucketNotEmpty
	}
	delete(b.buckets, name)
	return nil
}

func (b *MemoryBackend) CountRecords(ctx context.Context, bucket string) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	mb, ok := b.bucket(bucket)
	if !ok {
		return 0, ErrBucketNotFound
	}
	return int(mb.records.Load()), nil
}

func (b *MemoryBackend) PutRecord(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	mb, ok := b.bucket(rec.Bucket)
	if !ok {
		return ErrBucketNotFound
	}

	stored := rec.Clone()
	id := recordKey{rec.Bucket, rec.Key}
	s := b.shard(rec.Bucket, rec.Key)

	s.mu.Lock()
	_, existed := s.records[id]
	s.records[id] = stored
	s.mu.Unlock()

	if !existed {
		mb.records.Add(1)
	}
	return nil
}

func (b *MemoryBackend) GetRecord(ctx context.Context, bucket, key string) (*Record, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	s := b.shard(bucket, key)
	s.mu.RLock()
	rec, ok := s.records[recordKey{bucket, key}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (b *MemoryBackend) DeleteRecord(ctx context.Context, bucket, key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	id := recordKey{bucket, key}
	s := b.shard(bucket, key)

	s.mu.Lock()
	_, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()

	if !ok {
		return ErrRecordNotFound
	}
	if mb, ok := b.bucket(bucket); ok {
		mb.records.Add(-1)
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	return nil
}
