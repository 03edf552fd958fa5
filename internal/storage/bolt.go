package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	boltBucketIndex   = []byte("buckets")
	boltBucketObjects = []byte("objects")
)

// BoltBackend persists buckets and records in a bbolt database. Each store
// bucket owns a nested bbolt bucket under "objects"; every mutation is one
// Update transaction.
type BoltBackend struct {
	db *bbolt.DB
}

var _ Backend = (*BoltBackend)(nil)

// OpenBoltBackend opens or creates the bbolt database at path.
// The parent directory is created if it does not exist.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{boltBucketIndex, boltBucketObjects} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init bolt db: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) CreateBucket(ctx context.Context, name string, created time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(boltBucketIndex)
		if idx.Get([]byte(name)) != nil {
			return ErrBucketExists
		}
		stamp, err := created.UTC().MarshalText()
		if err != nil {
			return err
		}
		if err := idx.Put([]byte(name), stamp); err != nil {
			return fmt.Errorf("storage: put bucket: %w", err)
		}
		if _, err := tx.Bucket(boltBucketObjects).CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("storage: create object bucket: %w", err)
		}
		return nil
	})
}

func (b *BoltBackend) BucketExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(boltBucketIndex).Get([]byte(name)) != nil
		return nil
	})
	return exists, err
}

func (b *BoltBackend) DeleteBucket(ctx context.Context, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(boltBucketIndex)
		if idx.Get([]byte(name)) == nil {
			return ErrBucketNotFound
		}
		objects := tx.Bucket(boltBucketObjects)
		if ob := objects.Bucket([]byte(name)); ob != nil {
			if k, _ := ob.Cursor().First(); k != nil {
				return ErrBucketNotEmpty
			}
			if err := objects.DeleteBucket([]byte(name)); err != nil {
				return fmt.Errorf("storage: delete object bucket: %w", err)
			}
		}
		return idx.Delete([]byte(name))
	})
}

func (b *BoltBackend) CountRecords(ctx context.Context, bucket string) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		ob := tx.Bucket(boltBucketObjects).Bucket([]byte(bucket))
		if ob == nil {
			return ErrBucketNotFound
		}
		return ob.ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (b *BoltBackend) PutRecord(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		ob := tx.Bucket(boltBucketObjects).Bucket([]byte(rec.Bucket))
		if ob == nil {
			return ErrBucketNotFound
		}
		if err := ob.Put([]byte(rec.Key), data); err != nil {
			return fmt.Errorf("storage: put record: %w", err)
		}
		return nil
	})
}

func (b *BoltBackend) GetRecord(ctx context.Context, bucket, key string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		ob := tx.Bucket(boltBucketObjects).Bucket([]byte(bucket))
		if ob == nil {
			return ErrRecordNotFound
		}
		data := ob.Get([]byte(key))
		if data == nil {
			return ErrRecordNotFound
		}
		// Values are only valid inside the transaction; DecodeRecord copies.
		var err error
		rec, err = DecodeRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltBackend) DeleteRecord(ctx context.Context, bucket, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		ob := tx.Bucket(boltBucketObjects).Bucket([]byte(bucket))
		if ob == nil || ob.Get([]byte(key)) == nil {
			return ErrRecordNotFound
		}
		return ob.Delete([]byte(key))
	})
}

// Close closes the underlying database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
