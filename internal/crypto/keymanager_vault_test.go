package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransit emulates the subset of the Vault Transit API the key manager uses.
type fakeTransit struct {
	mu     sync.Mutex
	keys   map[string]bool
	denied map[string]bool
	reads  int
}

func newFakeTransit(keys ...string) *fakeTransit {
	f := &fakeTransit{keys: map[string]bool{}, denied: map[string]bool{}}
	for _, k := range keys {
		f.keys[k] = true
	}
	return f
}

func writeVaultJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (f *fakeTransit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/transit/"), "/")
	if len(parts) != 2 {
		writeVaultJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
		return
	}
	op, name := parts[0], parts[1]

	if f.denied[name] {
		writeVaultJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
		return
	}

	var body map[string]string
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	switch op {
	case "keys":
		f.reads++
		if !f.keys[name] {
			writeVaultJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
			return
		}
		writeVaultJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"name": name}})
	case "encrypt":
		ct := "vault:v1:" + base64.StdEncoding.EncodeToString([]byte(name+"|"+body["plaintext"]))
		writeVaultJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"ciphertext": ct}})
	case "decrypt":
		if !f.keys[name] {
			writeVaultJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"encryption key not found"}})
			return
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(body["ciphertext"], "vault:v1:"))
		owner, pt, ok := strings.Cut(string(raw), "|")
		if err != nil || !ok || owner != name {
			writeVaultJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"cipher: message authentication failed"}})
			return
		}
		writeVaultJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"plaintext": pt}})
	default:
		writeVaultJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
	}
}

func newVaultTestManager(t *testing.T, transit *fakeTransit) KeyManager {
	t.Helper()
	srv := httptest.NewServer(transit)
	t.Cleanup(srv.Close)

	km, err := NewVaultKeyManager(VaultOptions{Address: srv.URL, Token: "test-token"})
	require.NoError(t, err)
	return km
}

func TestVaultKeyManager_WrapUnwrap(t *testing.T) {
	ctx := context.Background()
	transit := newFakeTransit("objects", "other")
	km := newVaultTestManager(t, transit)
	assert.Equal(t, "vault", km.Provider())

	dek := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := km.WrapKey(ctx, "objects", dek)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(wrapped), "vault:v1:"))

	got, err := km.UnwrapKey(ctx, "objects", wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)

	// The existence check is cached after the first wrap.
	_, err = km.WrapKey(ctx, "objects", dek)
	require.NoError(t, err)
	assert.Equal(t, 1, transit.reads)

	_, err = km.UnwrapKey(ctx, "other", wrapped)
	assert.ErrorIs(t, err, ErrKeyAccessDenied)
}

func TestVaultKeyManager_Errors(t *testing.T) {
	ctx := context.Background()
	transit := newFakeTransit("objects", "locked")
	km := newVaultTestManager(t, transit)

	_, err := km.WrapKey(ctx, "missing", make([]byte, 32))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	wrapped, err := km.WrapKey(ctx, "objects", make([]byte, 32))
	require.NoError(t, err)

	transit.mu.Lock()
	delete(transit.keys, "objects")
	transit.denied["locked"] = true
	transit.mu.Unlock()

	_, err = km.UnwrapKey(ctx, "objects", wrapped)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = km.WrapKey(ctx, "locked", make([]byte, 32))
	assert.ErrorIs(t, err, ErrKeyAccessDenied)
}

func TestVaultKeyManager_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	km, err := NewVaultKeyManager(VaultOptions{Address: addr, Token: "t"})
	require.NoError(t, err)

	_, err = km.UnwrapKey(context.Background(), "objects", []byte("vault:v1:abc"))
	assert.ErrorIs(t, err, ErrKeyServiceUnavailable)
}
