package crypto

import (
	"context"
	"errors"
)

// KeyManager abstracts external key services that hold key-encryption keys
// (KEKs) and wrap or unwrap per-object data keys with them.
//
// Implementations must never expose KEK material: every cryptographic
// operation happens inside the key service (Vault Transit, AWS KMS) or, for
// the in-memory manager, inside this process.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "vault") used for diagnostics
	// and persisted next to wrapped keys.
	Provider() string

	// WrapKey encrypts dataKey under the KEK named keyID. It fails with
	// ErrKeyNotFound when the KEK does not exist.
	WrapKey(ctx context.Context, keyID string, dataKey []byte) ([]byte, error)

	// UnwrapKey decrypts a wrapped data key. It fails with ErrKeyNotFound when
	// the KEK no longer exists and ErrKeyAccessDenied when the service refuses
	// the operation or the wrapped key does not authenticate.
	UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

var (
	// ErrKeyNotFound indicates the named KEK does not exist.
	ErrKeyNotFound = errors.New("kms: key not found")
	// ErrKeyAccessDenied indicates the key service refused the operation.
	ErrKeyAccessDenied = errors.New("kms: access denied")
	// ErrKeyServiceUnavailable indicates the key service could not be reached
	// or did not answer in time. Callers may retry.
	ErrKeyServiceUnavailable = errors.New("kms: key service unavailable")
)
