package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	// DefaultMasterKeySalt is used when no deployment salt is configured.
	DefaultMasterKeySalt = "sse-object-store/server-keyring/v1"
)

// ServerKeyring seals the per-object data keys of server-managed objects under
// a single master key. Only sealed data keys ever leave this type.
type ServerKeyring struct {
	aead AEADCipher
}

// NewServerKeyring creates a keyring from a 32-byte master key. The master key
// is copied into the cipher state and the caller's slice may be zeroed.
func NewServerKeyring(masterKey []byte) (*ServerKeyring, error) {
	aead, err := createAEADCipher(AlgorithmXChaCha20Poly1305, masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create server keyring: %w", err)
	}
	return &ServerKeyring{aead: aead}, nil
}

// NewRandomServerKeyring creates a keyring with an ephemeral master key.
func NewRandomServerKeyring() (*ServerKeyring, error) {
	key, err := GenerateDataKey()
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)
	return NewServerKeyring(key)
}

// DeriveMasterKey stretches a password into a 32-byte master key.
func DeriveMasterKey(password, salt string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("master password is empty")
	}
	if salt == "" {
		salt = DefaultMasterKeySalt
	}
	return pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, aesKeySize, sha256.New), nil
}

// LoadMasterKey resolves the master key from a password or a key file. Key
// files hold either 32 raw bytes or their base64 encoding. It returns nil and
// no error when neither source is configured.
func LoadMasterKey(password, keyFile, salt string) ([]byte, error) {
	if password != "" {
		return DeriveMasterKey(password, salt)
	}
	if keyFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}
	defer ZeroBytes(data)

	if len(data) == aesKeySize {
		key := make([]byte, aesKeySize)
		copy(key, data)
		return key, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(decoded) != aesKeySize {
		ZeroBytes(decoded)
		return nil, fmt.Errorf("master key file must contain %d raw bytes or their base64 encoding", aesKeySize)
	}
	return decoded, nil
}

// Seal wraps a data key. aad binds the sealed key to the object it protects.
func (k *ServerKeyring) Seal(dataKey, aad []byte) ([]byte, error) {
	return sealWith(k.aead, dataKey, aad)
}

// Open unwraps a data key sealed by Seal.
func (k *ServerKeyring) Open(sealed, aad []byte) ([]byte, error) {
	return openWith(k.aead, sealed, aad)
}
