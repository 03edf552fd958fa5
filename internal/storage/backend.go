package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kenneth/sse-object-store/internal/sse"
)

var (
	ErrBucketExists   = errors.New("storage: bucket already exists")
	ErrBucketNotFound = errors.New("storage: bucket not found")
	ErrBucketNotEmpty = errors.New("storage: bucket not empty")
	ErrRecordNotFound = errors.New("storage: record not found")
	ErrInvalidRecord  = errors.New("storage: invalid record")
	ErrClosed         = errors.New("storage: backend closed")
)

// Backend persists buckets and object records. Implementations must make
// PutRecord an atomic replace: readers see either the old or the new record.
type Backend interface {
	CreateBucket(ctx context.Context, name string, created time.Time) error
	BucketExists(ctx context.Context, name string) (bool, error)
	DeleteBucket(ctx context.Context, name string) error
	CountRecords(ctx context.Context, bucket string) (int, error)

	PutRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, bucket, key string) (*Record, error)
	DeleteRecord(ctx context.Context, bucket, key string) error

	Close() error
}

// Record is a stored object. Records are treated as immutable values: a put
// always stores a new record and never edits one in place.
type Record struct {
	Bucket       string
	Key          string
	Ciphertext   []byte
	Mode         sse.Tag
	Size         int64
	ETag         string
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time

	// CustomerKeyChecksum is set for customer-supplied objects.
	CustomerKeyChecksum string
	// ExternalKeyID and KeyProvider are set for externally managed objects.
	ExternalKeyID string
	KeyProvider   string
	// WrappedKey is the data key sealed by the server keyring or wrapped by
	// the external key service.
	WrappedKey []byte
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Ciphertext = append([]byte(nil), r.Ciphertext...)
	c.WrappedKey = append([]byte(nil), r.WrappedKey...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (r *Record) validate() error {
	if r == nil || r.Bucket == "" || r.Key == "" {
		return ErrInvalidRecord
	}
	if _, err := sse.ParseTag(string(r.Mode)); err != nil {
		return errors.Join(ErrInvalidRecord, err)
	}
	return nil
}
