package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM seals object bodies and in-process wrapped keys.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmXChaCha20Poly1305 seals server-managed data keys under the master key.
	AlgorithmXChaCha20Poly1305 = "XChaCha20-Poly1305"

	aesKeySize   = 32
	aesNonceSize = 12
)

// AEADCipher is a cipher.AEAD that knows its algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

type aesGCMCipher struct {
	cipher.AEAD
}

func (c *aesGCMCipher) Algorithm() string {
	return AlgorithmAES256GCM
}

type xchacha20Poly1305Cipher struct {
	cipher.AEAD
}

func (c *xchacha20Poly1305Cipher) Algorithm() string {
	return AlgorithmXChaCha20Poly1305
}

// createAEADCipher creates an AEAD cipher for the given algorithm and key.
func createAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return createAESGCMCipher(key)
	case AlgorithmXChaCha20Poly1305:
		return createXChaCha20Poly1305Cipher(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

func createAESGCMCipher(key []byte) (AEADCipher, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", aesKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesGCMCipher{AEAD: gcm}, nil
}

func createXChaCha20Poly1305Cipher(key []byte) (AEADCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size for XChaCha20: expected %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	return &xchacha20Poly1305Cipher{AEAD: aead}, nil
}
