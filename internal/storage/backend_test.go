package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sse-object-store/internal/cache"
	"github.com/kenneth/sse-object-store/internal/s3"
	"github.com/kenneth/sse-object-store/internal/sse"
)

// fakeS3 is an in-memory s3.Client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, key string, body []byte, opts s3.PutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; ok && opts.IfNoneMatch {
		return s3.ErrPreconditionFailed
	}
	f.objects[key] = append([]byte(nil), body...)
	return nil
}

func (f *fakeS3) GetObject(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	if !ok {
		return nil, s3.ErrNotFound
	}
	return body, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeS3) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	return keys, nil
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	bolt, err := OpenBoltBackend(filepath.Join(t.TempDir(), "nested", "objects.db"))
	require.NoError(t, err)

	all := map[string]Backend{
		"memory": NewMemoryBackend(),
		"bolt":   bolt,
		"s3":     NewS3Backend(newFakeS3(), "store/"),
		"cached": NewCachedBackend(NewMemoryBackend(), cache.NewMemoryCache(1<<20, 100, time.Minute), 0, nil),
	}
	t.Cleanup(func() {
		for _, b := range all {
			b.Close()
		}
	})
	return all
}

func testRecord(bucket, key, body string) *Record {
	return &Record{
		Bucket:       bucket,
		Key:          key,
		Ciphertext:   []byte(body),
		Mode:         sse.TagNone,
		Size:         int64(len(body)),
		ETag:         "etag-" + body,
		ContentType:  "text/plain",
		Metadata:     map[string]string{"owner": "tests"},
		LastModified: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBackend_Buckets(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			exists, err := b.BucketExists(ctx, "photos")
			require.NoError(t, err)
			assert.False(t, exists)

			require.NoError(t, b.CreateBucket(ctx, "photos", time.Now()))
			assert.ErrorIs(t, b.CreateBucket(ctx, "photos", time.Now()), ErrBucketExists)

			exists, err = b.BucketExists(ctx, "photos")
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, b.PutRecord(ctx, testRecord("photos", "a.txt", "a")))
			assert.ErrorIs(t, b.DeleteBucket(ctx, "photos"), ErrBucketNotEmpty)

			require.NoError(t, b.DeleteRecord(ctx, "photos", "a.txt"))
			require.NoError(t, b.DeleteBucket(ctx, "photos"))
			assert.ErrorIs(t, b.DeleteBucket(ctx, "photos"), ErrBucketNotFound)
		})
	}
}

func TestBackend_Records(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.CreateBucket(ctx, "docs", time.Now()))

			_, err := b.GetRecord(ctx, "docs", "missing")
			assert.ErrorIs(t, err, ErrRecordNotFound)
			assert.ErrorIs(t, b.DeleteRecord(ctx, "docs", "missing"), ErrRecordNotFound)
			assert.ErrorIs(t, b.PutRecord(ctx, testRecord("nope", "k", "x")), ErrBucketNotFound)

			rec := testRecord("docs", "dir/report.txt", "first")
			rec.Mode = sse.TagExternallyManaged
			rec.ExternalKeyID = "alias/objects"
			rec.KeyProvider = "memory"
			rec.WrappedKey = []byte{1, 2, 3}
			require.NoError(t, b.PutRecord(ctx, rec))

			got, err := b.GetRecord(ctx, "docs", "dir/report.txt")
			require.NoError(t, err)
			assert.Equal(t, rec.Ciphertext, got.Ciphertext)
			assert.Equal(t, rec.Mode, got.Mode)
			assert.Equal(t, rec.ExternalKeyID, got.ExternalKeyID)
			assert.Equal(t, rec.WrappedKey, got.WrappedKey)
			assert.Equal(t, rec.Metadata, got.Metadata)
			assert.True(t, rec.LastModified.Equal(got.LastModified))

			// Overwrite replaces the whole record.
			require.NoError(t, b.PutRecord(ctx, testRecord("docs", "dir/report.txt", "second")))
			got, err = b.GetRecord(ctx, "docs", "dir/report.txt")
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got.Ciphertext)
			assert.Equal(t, sse.TagNone, got.Mode)
			assert.Empty(t, got.WrappedKey)

			n, err := b.CountRecords(ctx, "docs")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, b.DeleteRecord(ctx, "docs", "dir/report.txt"))
			_, err = b.GetRecord(ctx, "docs", "dir/report.txt")
			assert.ErrorIs(t, err, ErrRecordNotFound)

			_, err = b.CountRecords(ctx, "nope")
			assert.ErrorIs(t, err, ErrBucketNotFound)
		})
	}
}

func TestBackend_StoredRecordIsIsolated(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.CreateBucket(ctx, "iso", time.Now()))
			rec := testRecord("iso", "k", "original")
			require.NoError(t, b.PutRecord(ctx, rec))

			rec.Ciphertext[0] = 'X'
			rec.Metadata["owner"] = "changed"

			got, err := b.GetRecord(ctx, "iso", "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("original"), got.Ciphertext)
			assert.Equal(t, "tests", got.Metadata["owner"])
		})
	}
}

func TestBackend_ConcurrentWritesDistinctKeys(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.CreateBucket(ctx, "load", time.Now()))

			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("obj-%02d", i)
					assert.NoError(t, b.PutRecord(ctx, testRecord("load", key, key)))
				}(i)
			}
			wg.Wait()

			n, err := b.CountRecords(ctx, "load")
			require.NoError(t, err)
			assert.Equal(t, 32, n)
		})
	}
}

func TestBackend_RejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.CreateBucket(ctx, "bad", time.Now()))
			assert.ErrorIs(t, b.PutRecord(ctx, testRecord("bad", "", "x")), ErrInvalidRecord)

			rec := testRecord("bad", "k", "x")
			rec.Mode = "rot13"
			assert.ErrorIs(t, b.PutRecord(ctx, rec), ErrInvalidRecord)
		})
	}
}

func TestBoltBackend_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "objects.db")

	b, err := OpenBoltBackend(path)
	require.NoError(t, err)
	require.NoError(t, b.CreateBucket(ctx, "durable", time.Now()))
	require.NoError(t, b.PutRecord(ctx, testRecord("durable", "k", "kept")))
	require.NoError(t, b.Close())

	b, err = OpenBoltBackend(path)
	require.NoError(t, err)
	defer b.Close()

	exists, err := b.BucketExists(ctx, "durable")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := b.GetRecord(ctx, "durable", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Ciphertext)
}

func TestS3Backend_Layout(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	b := NewS3Backend(fake, "store/")

	require.NoError(t, b.CreateBucket(ctx, "photos", time.Now()))
	require.NoError(t, b.PutRecord(ctx, testRecord("photos", "2024/cat.jpg", "meow")))

	keys, err := fake.ListObjects(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"store/buckets/photos", "store/objects/photos/2024/cat.jpg"}, keys)
}

func TestCachedBackend_ServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBackend()
	c := cache.NewMemoryCache(1<<20, 100, time.Minute)
	b := NewCachedBackend(inner, c, 0, nil)

	require.NoError(t, b.CreateBucket(ctx, "hot", time.Now()))
	require.NoError(t, b.PutRecord(ctx, testRecord("hot", "k", "v1")))

	_, err := b.GetRecord(ctx, "hot", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Stats().Hits)

	// Deletes invalidate.
	require.NoError(t, b.DeleteRecord(ctx, "hot", "k"))
	_, err = b.GetRecord(ctx, "hot", "k")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	// Reads through on miss.
	require.NoError(t, inner.PutRecord(ctx, testRecord("hot", "k2", "v2")))
	got, err := b.GetRecord(ctx, "hot", "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Ciphertext)
	_, ok := c.Get(ctx, "hot", "k2")
	assert.True(t, ok)
}

// pausingBackend holds its first GetRecord after the inner read until
// released.
type pausingBackend struct {
	Backend
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (p *pausingBackend) GetRecord(ctx context.Context, bucket, key string) (*Record, error) {
	rec, err := p.Backend.GetRecord(ctx, bucket, key)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return rec, err
}

func TestCachedBackend_SlowReadDoesNotRestoreReplacedRecord(t *testing.T) {
	tests := []struct {
		name    string
		write   func(ctx context.Context, b *CachedBackend) error
		want    string
		wantErr error
	}{
		{
			name:  "overwrite",
			write: func(ctx context.Context, b *CachedBackend) error { return b.PutRecord(ctx, testRecord("hot", "k", "v2")) },
			want:  "v2",
		},
		{
			name:    "delete",
			write:   func(ctx context.Context, b *CachedBackend) error { return b.DeleteRecord(ctx, "hot", "k") },
			wantErr: ErrRecordNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			inner := NewMemoryBackend()
			require.NoError(t, inner.CreateBucket(ctx, "hot", time.Now()))
			require.NoError(t, inner.PutRecord(ctx, testRecord("hot", "k", "v1")))

			gated := &pausingBackend{Backend: inner, read: make(chan struct{}), release: make(chan struct{})}
			b := NewCachedBackend(gated, cache.NewMemoryCache(1<<20, 100, time.Minute), 0, nil)

			done := make(chan error, 1)
			go func() {
				rec, err := b.GetRecord(ctx, "hot", "k")
				if err == nil && string(rec.Ciphertext) != "v1" {
					err = fmt.Errorf("slow read returned %q", rec.Ciphertext)
				}
				done <- err
			}()

			<-gated.read
			require.NoError(t, tt.write(ctx, b))
			close(gated.release)
			require.NoError(t, <-done)

			got, err := b.GetRecord(ctx, "hot", "k")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got.Ciphertext))
		})
	}
}

func TestCodec_RejectsGarbage(t *testing.T) {
	_, err := DecodeRecord([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = DecodeRecord([]byte(`{"v":99,"mode":"none"}`))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = DecodeRecord([]byte(`{"v":1,"mode":"rot13"}`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}
