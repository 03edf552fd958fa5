package test

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/kenneth/sse-object-store/internal/crypto"
)

const testPassword = "integration-master-password"

func newKeyService(t *testing.T) *crypto.MemoryKeyManager {
	t.Helper()
	kms, err := crypto.NewMemoryKeyManager("alias/integration")
	if err != nil {
		t.Fatalf("Failed to create key manager: %v", err)
	}
	return kms
}

func customerKeyHeaders(key []byte) map[string]string {
	sum := md5.Sum(key)
	return map[string]string{
		"x-amz-server-side-encryption-customer-algorithm": "AES256",
		"x-amz-server-side-encryption-customer-key":       base64.StdEncoding.EncodeToString(key),
		"x-amz-server-side-encryption-customer-key-md5":   base64.StdEncoding.EncodeToString(sum[:]),
	}
}

func (s *TestServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, data
}

func (s *TestServer) mustStatus(t *testing.T, want int, method, path string, body []byte, headers map[string]string) []byte {
	t.Helper()
	resp, data := s.do(t, method, path, body, headers)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, want, resp.StatusCode, data)
	}
	return data
}

func uniquePrefix() string {
	return "it-" + uuid.NewString() + "/"
}

func TestObjectStore_S3Backend_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	minio := StartMinIOServer(t)
	server := StartServer(t, minio.StorageConfig(uniquePrefix()), testPassword, newKeyService(t))

	server.mustStatus(t, http.StatusOK, "PUT", "/photos", nil, nil)

	customerKey := bytes.Repeat([]byte{0x42}, 32)
	tests := []struct {
		name     string
		key      string
		headers  map[string]string
		wantEcho string
	}{
		{"none", "plain.txt", nil, ""},
		{"server managed", "sealed.txt", map[string]string{"x-amz-server-side-encryption": "AES256"}, "AES256"},
		{"customer supplied", "customer.txt", customerKeyHeaders(customerKey), ""},
		{"externally managed", "kms.txt", map[string]string{"x-amz-server-side-encryption": "aws:kms"}, "aws:kms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte(tt.name), 2048)
			path := "/photos/" + tt.key

			resp, _ := server.do(t, "PUT", path, data, tt.headers)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("PUT: expected 200, got %d", resp.StatusCode)
			}
			if got := resp.Header.Get("x-amz-server-side-encryption"); got != tt.wantEcho {
				t.Errorf("PUT: expected encryption echo %q, got %q", tt.wantEcho, got)
			}

			var getHeaders map[string]string
			if strings.Contains(tt.name, "customer") {
				getHeaders = tt.headers
			}
			body := server.mustStatus(t, http.StatusOK, "GET", path, nil, getHeaders)
			if !bytes.Equal(body, data) {
				t.Errorf("GET: body mismatch (%d bytes, want %d)", len(body), len(data))
			}
		})
	}

	t.Run("customer key required", func(t *testing.T) {
		resp, _ := server.do(t, "GET", "/photos/customer.txt", nil, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("expected 403 without customer key, got %d", resp.StatusCode)
		}
	})
}

func TestObjectStore_S3Backend_SurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	minio := StartMinIOServer(t)
	storageCfg := minio.StorageConfig(uniquePrefix())
	kms := newKeyService(t)

	first := StartServer(t, storageCfg, testPassword, kms)
	first.mustStatus(t, http.StatusOK, "PUT", "/archive", nil, nil)
	first.mustStatus(t, http.StatusOK, "PUT", "/archive/server.bin", []byte("server managed"),
		map[string]string{"x-amz-server-side-encryption": "AES256"})
	first.mustStatus(t, http.StatusOK, "PUT", "/archive/kms.bin", []byte("externally managed"),
		map[string]string{"x-amz-server-side-encryption": "aws:kms"})
	first.Close()

	second := StartServer(t, storageCfg, testPassword, kms)
	second.mustStatus(t, http.StatusOK, "HEAD", "/archive", nil, nil)
	if body := second.mustStatus(t, http.StatusOK, "GET", "/archive/server.bin", nil, nil); string(body) != "server managed" {
		t.Errorf("unexpected server managed body %q", body)
	}
	if body := second.mustStatus(t, http.StatusOK, "GET", "/archive/kms.bin", nil, nil); string(body) != "externally managed" {
		t.Errorf("unexpected externally managed body %q", body)
	}
	second.Close()

	wrongKey := StartServer(t, storageCfg, "a-different-master-password", kms)
	resp, body := wrongKey.do(t, "GET", "/archive/server.bin", nil, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 with a different master key, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("<Code>DecryptionFailed</Code>")) {
		t.Errorf("expected DecryptionFailed, got %s", body)
	}
	if bytes.Contains(body, []byte("server managed")) {
		t.Error("error body leaked plaintext")
	}
}

func TestObjectStore_S3Backend_Deletes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	minio := StartMinIOServer(t)
	server := StartServer(t, minio.StorageConfig(uniquePrefix()), testPassword, newKeyService(t))

	server.mustStatus(t, http.StatusOK, "PUT", "/logs", nil, nil)
	var objects strings.Builder
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("day-%d.log", i)
		server.mustStatus(t, http.StatusOK, "PUT", "/logs/"+key, []byte(key), nil)
		fmt.Fprintf(&objects, "<Object><Key>%s</Key></Object>", key)
	}

	resp, body := server.do(t, "DELETE", "/logs", nil, nil)
	if resp.StatusCode != http.StatusConflict || !bytes.Contains(body, []byte("BucketNotEmpty")) {
		t.Fatalf("expected 409 BucketNotEmpty, got %d: %s", resp.StatusCode, body)
	}

	server.mustStatus(t, http.StatusNoContent, "DELETE", "/logs/day-0.log", nil, nil)
	server.mustStatus(t, http.StatusNotFound, "HEAD", "/logs/day-0.log", nil, nil)

	deleteBody := []byte("<Delete>" + objects.String() + "</Delete>")
	result := server.mustStatus(t, http.StatusOK, "POST", "/logs?delete", deleteBody, nil)
	if got := bytes.Count(result, []byte("<Deleted>")); got != 4 {
		t.Errorf("expected 4 Deleted entries, got %d: %s", got, result)
	}
	if !bytes.Contains(result, []byte("<Key>day-0.log</Key><Code>NoSuchKey</Code>")) {
		t.Errorf("expected NoSuchKey for the already deleted key: %s", result)
	}

	for i := 1; i < 5; i++ {
		server.mustStatus(t, http.StatusNotFound, "GET", fmt.Sprintf("/logs/day-%d.log", i), nil, nil)
	}
	server.mustStatus(t, http.StatusNoContent, "DELETE", "/logs", nil, nil)
	server.mustStatus(t, http.StatusNotFound, "HEAD", "/logs", nil, nil)
}
