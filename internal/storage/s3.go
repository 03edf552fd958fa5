package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/sse-object-store/internal/s3"
)

// S3Backend keeps all state in one backing S3 bucket:
//
//	<prefix>buckets/<name>          bucket marker
//	<prefix>objects/<bucket>/<key>  encoded record
type S3Backend struct {
	client s3.Client
	prefix string
}

var _ Backend = (*S3Backend)(nil)

type bucketMarker struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// NewS3Backend creates a backend over client. prefix namespaces every key.
func NewS3Backend(client s3.Client, prefix string) *S3Backend {
	return &S3Backend{client: client, prefix: prefix}
}

func (b *S3Backend) markerKey(name string) string {
	return b.prefix + "buckets/" + name
}

func (b *S3Backend) objectsPrefix(bucket string) string {
	return b.prefix + "objects/" + bucket + "/"
}

func (b *S3Backend) recordKey(bucket, key string) string {
	return b.objectsPrefix(bucket) + key
}

func (b *S3Backend) CreateBucket(ctx context.Context, name string, created time.Time) error {
	body, err := json.Marshal(bucketMarker{Name: name, Created: created.UTC()})
	if err != nil {
		return err
	}
	err = b.client.PutObject(ctx, b.markerKey(name), body, s3.PutOptions{
		IfNoneMatch: true,
		ContentType: "application/json",
	})
	if errors.Is(err, s3.ErrPreconditionFailed) {
		return ErrBucketExists
	}
	return err
}

func (b *S3Backend) BucketExists(ctx context.Context, name string) (bool, error) {
	return b.client.HeadObject(ctx, b.markerKey(name))
}

func (b *S3Backend) DeleteBucket(ctx context.Context, name string) error {
	exists, err := b.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}
	keys, err := b.client.ListObjects(ctx, b.objectsPrefix(name), 1)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return ErrBucketNotEmpty
	}
	return b.client.DeleteObject(ctx, b.markerKey(name))
}

func (b *S3Backend) CountRecords(ctx context.Context, bucket string) (int, error) {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrBucketNotFound
	}
	keys, err := b.client.ListObjects(ctx, b.objectsPrefix(bucket), 0)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *S3Backend) PutRecord(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	exists, err := b.BucketExists(ctx, rec.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}

	data, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}
	// A single PUT replaces the object atomically.
	return b.client.PutObject(ctx, b.recordKey(rec.Bucket, rec.Key), data, s3.PutOptions{
		ContentType: "application/json",
	})
}

func (b *S3Backend) GetRecord(ctx context.Context, bucket, key string) (*Record, error) {
	data, err := b.client.GetObject(ctx, b.recordKey(bucket, key))
	if errors.Is(err, s3.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

func (b *S3Backend) DeleteRecord(ctx context.Context, bucket, key string) error {
	exists, err := b.client.HeadObject(ctx, b.recordKey(bucket, key))
	if err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return b.client.DeleteObject(ctx, b.recordKey(bucket, key))
}

func (b *S3Backend) Close() error {
	return nil
}
