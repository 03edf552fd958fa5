package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultKeyServiceTimeout bounds each key service call when no timeout is configured.
const DefaultKeyServiceTimeout = 5 * time.Second

// KeyServiceObserver is notified after every wrap or unwrap call.
type KeyServiceObserver func(provider, operation string, duration time.Duration, err error)

type timeoutKeyManager struct {
	inner   KeyManager
	timeout time.Duration
	observe KeyServiceObserver
}

// WithTimeout bounds every WrapKey and UnwrapKey call on km by timeout. A call
// that exceeds it fails with ErrKeyServiceUnavailable, even if the underlying
// client ignores its context; cancellation by the caller is returned as is.
// observe may be nil.
func WithTimeout(km KeyManager, timeout time.Duration, observe KeyServiceObserver) KeyManager {
	if timeout <= 0 {
		timeout = DefaultKeyServiceTimeout
	}
	return &timeoutKeyManager{inner: km, timeout: timeout, observe: observe}
}

func (t *timeoutKeyManager) Provider() string {
	return t.inner.Provider()
}

// WrapKey hands the inner client a private copy of dataKey, wiped when the
// inner call returns. The caller may wipe dataKey once WrapKey returns.
func (t *timeoutKeyManager) WrapKey(ctx context.Context, keyID string, dataKey []byte) ([]byte, error) {
	key := append([]byte(nil), dataKey...)
	return t.call(ctx, "wrap", func(ctx context.Context) ([]byte, error) {
		defer ZeroBytes(key)
		return t.inner.WrapKey(ctx, keyID, key)
	}, false)
}

func (t *timeoutKeyManager) UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	return t.call(ctx, "unwrap", func(ctx context.Context) ([]byte, error) {
		return t.inner.UnwrapKey(ctx, keyID, wrapped)
	}, true)
}

func (t *timeoutKeyManager) Close(ctx context.Context) error {
	return t.inner.Close(ctx)
}

type keyCallResult struct {
	out []byte
	err error
}

func (t *timeoutKeyManager) call(ctx context.Context, op string, fn func(context.Context) ([]byte, error), secret bool) ([]byte, error) {
	start := time.Now()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan keyCallResult, 1)
	go func() {
		out, err := fn(ctx)
		done <- keyCallResult{out: out, err: err}
	}()

	var out []byte
	var err error
	select {
	case res := <-done:
		out, err = res.out, res.err
		if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = t.unavailable(op, err)
		}
	case <-ctx.Done():
		go func() {
			// Late answers are discarded; unwrapped keys are wiped first.
			res := <-done
			if secret {
				ZeroBytes(res.out)
			}
		}()
		if err = parent.Err(); err == nil {
			err = t.unavailable(op, ctx.Err())
		}
	}

	if t.observe != nil {
		t.observe(t.inner.Provider(), op, time.Since(start), err)
	}
	return out, err
}

func (t *timeoutKeyManager) unavailable(op string, cause error) error {
	return fmt.Errorf("%w: %s did not complete within %s: %v", ErrKeyServiceUnavailable, op, t.timeout, cause)
}
