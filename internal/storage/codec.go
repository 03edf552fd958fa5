package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kenneth/sse-object-store/internal/sse"
)

const recordVersion = 1

// wireRecord is the persisted form of a Record. Byte slices are base64
// encoded by encoding/json.
type wireRecord struct {
	Version             int               `json:"v"`
	Bucket              string            `json:"bucket"`
	Key                 string            `json:"key"`
	Mode                string            `json:"mode"`
	Size                int64             `json:"size"`
	ETag                string            `json:"etag"`
	ContentType         string            `json:"content_type,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	LastModified        time.Time         `json:"last_modified"`
	CustomerKeyChecksum string            `json:"customer_key_md5,omitempty"`
	ExternalKeyID       string            `json:"external_key_id,omitempty"`
	KeyProvider         string            `json:"key_provider,omitempty"`
	WrappedKey          []byte            `json:"wrapped_key,omitempty"`
	Data                []byte            `json:"data"`
}

// EncodeRecord serializes a record for durable backends and the record cache.
func EncodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(wireRecord{
		Version:             recordVersion,
		Bucket:              r.Bucket,
		Key:                 r.Key,
		Mode:                string(r.Mode),
		Size:                r.Size,
		ETag:                r.ETag,
		ContentType:         r.ContentType,
		Metadata:            r.Metadata,
		LastModified:        r.LastModified.UTC(),
		CustomerKeyChecksum: r.CustomerKeyChecksum,
		ExternalKeyID:       r.ExternalKeyID,
		KeyProvider:         r.KeyProvider,
		WrappedKey:          r.WrappedKey,
		Data:                r.Ciphertext,
	})
}

// DecodeRecord parses a record produced by EncodeRecord.
func DecodeRecord(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if w.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidRecord, w.Version)
	}
	mode, err := sse.ParseTag(w.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	return &Record{
		Bucket:              w.Bucket,
		Key:                 w.Key,
		Ciphertext:          w.Data,
		Mode:                mode,
		Size:                w.Size,
		ETag:                w.ETag,
		ContentType:         w.ContentType,
		Metadata:            w.Metadata,
		LastModified:        w.LastModified,
		CustomerKeyChecksum: w.CustomerKeyChecksum,
		ExternalKeyID:       w.ExternalKeyID,
		KeyProvider:         w.KeyProvider,
		WrappedKey:          w.WrappedKey,
	}, nil
}
