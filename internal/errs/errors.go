package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how callers should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindValidation
	KindAccessDenied
	KindDependency
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindAccessDenied:
		return "access_denied"
	case KindDependency:
		return "dependency"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Stable error codes. These are the values rendered in the <Code> element of
// error responses and used as metric labels.
const (
	CodeNoSuchBucket                  = "NoSuchBucket"
	CodeNoSuchKey                     = "NoSuchKey"
	CodeBucketAlreadyExists           = "BucketAlreadyExists"
	CodeBucketNotEmpty                = "BucketNotEmpty"
	CodeInvalidBucketName             = "InvalidBucketName"
	CodeInvalidArgument               = "InvalidArgument"
	CodeInvalidKeySize                = "InvalidKeySize"
	CodeKeyChecksumMismatch           = "KeyChecksumMismatch"
	CodeInvalidKeyID                  = "InvalidKeyId"
	CodeAmbiguousEncryptionParameters = "AmbiguousEncryptionParameters"
	CodeInvalidEncryptionAlgorithm    = "InvalidEncryptionAlgorithm"
	CodeKeyIDNotFound                 = "KeyIdNotFound"
	CodeAccessDenied                  = "AccessDenied"
	CodeKeyServiceUnavailable         = "KeyServiceUnavailable"
	CodeDecryptionFailed              = "DecryptionFailed"
	CodeInternalError                 = "InternalError"
)

var codeKinds = map[string]Kind{
	CodeNoSuchBucket:                  KindNotFound,
	CodeNoSuchKey:                     KindNotFound,
	CodeBucketAlreadyExists:           KindConflict,
	CodeBucketNotEmpty:                KindConflict,
	CodeInvalidBucketName:             KindValidation,
	CodeInvalidArgument:               KindValidation,
	CodeInvalidKeySize:                KindValidation,
	CodeKeyChecksumMismatch:           KindValidation,
	CodeInvalidKeyID:                  KindValidation,
	CodeAmbiguousEncryptionParameters: KindValidation,
	CodeInvalidEncryptionAlgorithm:    KindValidation,
	CodeKeyIDNotFound:                 KindDependency,
	CodeAccessDenied:                  KindAccessDenied,
	CodeKeyServiceUnavailable:         KindDependency,
	CodeDecryptionFailed:              KindIntegrity,
	CodeInternalError:                 KindInternal,
}

// Error is the domain error returned by the store. Messages never carry key
// material.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code the error is rendered with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeKeyIDNotFound:
		// The caller named a key that does not exist: a bad request, not a missing resource.
		return http.StatusBadRequest
	case CodeKeyServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindAccessDenied:
		return http.StatusForbidden
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed if repeated. An
// unknown key id is a dependency error too, but repeating it cannot help.
func (e *Error) Retryable() bool {
	return e.Code == CodeKeyServiceUnavailable
}

// New builds an error for a known code.
func New(code, message string) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInternal
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an error for a known code around a cause.
func Wrap(code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// Error constructors for convenience

func NoSuchBucket(bucket string) *Error {
	return New(CodeNoSuchBucket, fmt.Sprintf("the specified bucket does not exist: %s", bucket))
}

func NoSuchKey(bucket, key string) *Error {
	return New(CodeNoSuchKey, fmt.Sprintf("the specified key does not exist: %s/%s", bucket, key))
}

func BucketAlreadyExists(bucket string) *Error {
	return New(CodeBucketAlreadyExists, fmt.Sprintf("bucket already exists: %s", bucket))
}

func BucketNotEmpty(bucket string) *Error {
	return New(CodeBucketNotEmpty, fmt.Sprintf("bucket is not empty: %s", bucket))
}

func Validation(code, message string) *Error {
	return New(code, message)
}

func AccessDenied(message string) *Error {
	return New(CodeAccessDenied, message)
}

func KeyServiceUnavailable(err error) *Error {
	return Wrap(CodeKeyServiceUnavailable, "external key service did not respond in time", err)
}

func DecryptionFailed(bucket, key string, err error) *Error {
	return Wrap(CodeDecryptionFailed, fmt.Sprintf("stored object failed authentication: %s/%s", bucket, key), err)
}

func Internal(err error) *Error {
	return Wrap(CodeInternalError, "internal error", err)
}

// As returns the domain error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternalError for foreign errors.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternalError
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a transient dependency failure.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return false
}
