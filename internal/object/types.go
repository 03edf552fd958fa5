package object

import (
	"time"

	"github.com/kenneth/sse-object-store/internal/sse"
)

// PutInput is a request to store an object.
type PutInput struct {
	Bucket      string
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
	Encryption  sse.Params
}

// PutResult echoes the encryption applied to a stored object.
type PutResult struct {
	ETag                 string
	Mode                 sse.Tag
	ServerSideAlgorithm  string
	CustomerKeyAlgorithm string
	CustomerKeyChecksum  string
	ExternalKeyID        string
}

// ObjectInfo is the metadata of a stored object. It never includes raw or
// wrapped key material.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time

	Mode                 sse.Tag
	ServerSideAlgorithm  string
	CustomerKeyAlgorithm string
	CustomerKeyChecksum  string
	ExternalKeyID        string
}

// Object is a decrypted object.
type Object struct {
	ObjectInfo
	Body []byte
}

// DeleteResult is the outcome for one key of a batch delete. Err is nil
// when the key was deleted.
type DeleteResult struct {
	Key     string
	Deleted bool
	Err     error
}
