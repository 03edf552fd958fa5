package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// DataKeySize is the size of every object data key and customer key.
const DataKeySize = aesKeySize

// ErrDecryptionFailed is returned when a ciphertext does not authenticate under
// the supplied key and associated data.
var ErrDecryptionFailed = errors.New("crypto: message authentication failed")

// GenerateDataKey returns a fresh random 256-bit data key. Callers own the
// returned slice and must ZeroBytes it when done.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, DataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// EncryptObject seals plaintext with AES-256-GCM. The random nonce is prefixed
// to the returned ciphertext and aad is authenticated but not stored.
func EncryptObject(plaintext, dataKey, aad []byte) ([]byte, error) {
	return seal(AlgorithmAES256GCM, plaintext, dataKey, aad)
}

// DecryptObject opens a ciphertext produced by EncryptObject.
func DecryptObject(ciphertext, dataKey, aad []byte) ([]byte, error) {
	return open(AlgorithmAES256GCM, ciphertext, dataKey, aad)
}

func seal(algorithm string, plaintext, key, aad []byte) ([]byte, error) {
	aead, err := createAEADCipher(algorithm, key)
	if err != nil {
		return nil, err
	}
	return sealWith(aead, plaintext, aad)
}

func open(algorithm string, ciphertext, key, aad []byte) ([]byte, error) {
	aead, err := createAEADCipher(algorithm, key)
	if err != nil {
		return nil, err
	}
	return openWith(aead, ciphertext, aad)
}

// sealWith encrypts plaintext under aead with a random nonce prefixed to the
// result.
func sealWith(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, out[:aead.NonceSize()], plaintext, aad), nil
}

// openWith reverses sealWith. Every authentication failure is
// ErrDecryptionFailed.
func openWith(aead cipher.AEAD, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
