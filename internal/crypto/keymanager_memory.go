package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryKeyManager keeps KEKs in process memory. It backs the "memory" key
// service provider and doubles as the key service fake in tests.
type MemoryKeyManager struct {
	mu       sync.RWMutex
	keks     map[string][]byte
	disabled map[string]bool
	latency  time.Duration
	calls    int
}

// NewMemoryKeyManager creates a manager with a random KEK for every key id.
func NewMemoryKeyManager(keyIDs ...string) (*MemoryKeyManager, error) {
	m := &MemoryKeyManager{
		keks:     make(map[string][]byte, len(keyIDs)),
		disabled: make(map[string]bool),
	}
	for _, id := range keyIDs {
		if err := m.CreateKey(id); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Provider implements KeyManager.
func (m *MemoryKeyManager) Provider() string {
	return "memory"
}

// CreateKey adds a KEK with random material.
func (m *MemoryKeyManager) CreateKey(keyID string) error {
	kek, err := GenerateDataKey()
	if err != nil {
		return err
	}
	return m.ImportKey(keyID, kek)
}

// ImportKey adds a KEK with the given 32-byte material.
func (m *MemoryKeyManager) ImportKey(keyID string, material []byte) error {
	if keyID == "" {
		return errors.New("kms: key id is required")
	}
	if len(material) != aesKeySize {
		return fmt.Errorf("kms: key %q must be %d bytes", keyID, aesKeySize)
	}

	kek := make([]byte, aesKeySize)
	copy(kek, material)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.keks[keyID]; ok {
		ZeroBytes(old)
	}
	m.keks[keyID] = kek
	return nil
}

// DeleteKey removes a KEK. Objects wrapped under it can no longer be read.
func (m *MemoryKeyManager) DeleteKey(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kek, ok := m.keks[keyID]; ok {
		ZeroBytes(kek)
		delete(m.keks, keyID)
	}
}

// Disable makes every operation on keyID fail with ErrKeyAccessDenied.
func (m *MemoryKeyManager) Disable(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled[keyID] = true
}

// SetLatency delays every call by d, honouring context cancellation.
func (m *MemoryKeyManager) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns the number of wrap and unwrap calls served.
func (m *MemoryKeyManager) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MemoryKeyManager) kek(ctx context.Context, keyID string) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	kek, ok := m.keks[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if m.disabled[keyID] {
		return nil, fmt.Errorf("%w: key %s is disabled", ErrKeyAccessDenied, keyID)
	}
	out := make([]byte, len(kek))
	copy(out, kek)
	return out, nil
}

// WrapKey implements KeyManager.
func (m *MemoryKeyManager) WrapKey(ctx context.Context, keyID string, dataKey []byte) ([]byte, error) {
	kek, err := m.kek(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(kek)
	return seal(AlgorithmAES256GCM, dataKey, kek, []byte(keyID))
}

// UnwrapKey implements KeyManager.
func (m *MemoryKeyManager) UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	kek, err := m.kek(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(kek)

	dataKey, err := open(AlgorithmAES256GCM, wrapped, kek, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key does not authenticate", ErrKeyAccessDenied)
	}
	return dataKey, nil
}

// Close zeroes every KEK.
func (m *MemoryKeyManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, kek := range m.keks {
		ZeroBytes(kek)
		delete(m.keks, id)
	}
	return nil
}
