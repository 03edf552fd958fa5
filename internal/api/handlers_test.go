package api

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/kenneth/sse-object-store/internal/bucket"
	"github.com/kenneth/sse-object-store/internal/crypto"
	"github.com/kenneth/sse-object-store/internal/metrics"
	"github.com/kenneth/sse-object-store/internal/object"
	"github.com/kenneth/sse-object-store/internal/storage"
)

type testServer struct {
	router  *mux.Router
	kms     *crypto.MemoryKeyManager
	backend *storage.MemoryBackend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.ErrorLevel)

	backend := storage.NewMemoryBackend()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	registry := bucket.NewRegistry(backend, logger, bucket.WithMetrics(m))

	keyring, err := crypto.NewRandomServerKeyring()
	if err != nil {
		t.Fatalf("failed to create keyring: %v", err)
	}
	kms, err := crypto.NewMemoryKeyManager("alias/app")
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}
	store, err := object.NewStore(registry, backend, keyring,
		crypto.WithTimeout(kms, 50*time.Millisecond, nil),
		object.Config{MaxObjectSize: 1 << 16}, logger, object.WithMetrics(m))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	router := mux.NewRouter()
	NewHandler(registry, store, logger, m, 1<<16).RegisterRoutes(router)
	return &testServer{router: router, kms: kms, backend: backend}
}

func (s *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) mustCreateBucket(t *testing.T, name string) {
	t.Helper()
	if w := s.do("PUT", "/"+name, nil, nil); w.Code != http.StatusOK {
		t.Fatalf("create bucket %s: status %d: %s", name, w.Code, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Code      string `xml:"Code"`
		RequestID string `xml:"RequestId"`
	}
	if err := xml.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not an XML error: %v: %q", err, w.Body.String())
	}
	if resp.RequestID == "" || resp.RequestID != w.Header().Get(headerRequestID) {
		t.Errorf("request id %q does not match header %q", resp.RequestID, w.Header().Get(headerRequestID))
	}
	return resp.Code
}

func customerHeaders(key []byte) map[string]string {
	sum := md5.Sum(key)
	return map[string]string{
		headerSSECustomerAlgorithm: "AES256",
		headerSSECustomerKey:       base64.StdEncoding.EncodeToString(key),
		headerSSECustomerKeyMD5:    base64.StdEncoding.EncodeToString(sum[:]),
	}
}

func TestHandler_HandleHealth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		w := s.do("GET", path, nil, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusOK, w.Code)
		}
	}

	s.backend.Close()
	if w := s.do("GET", "/ready", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected not ready after backend close, got %d", w.Code)
	}
}

func TestHandler_BucketLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do("PUT", "/photos", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Header().Get(headerRequestID) == "" {
		t.Error("expected a request id header")
	}

	w = s.do("PUT", "/photos", nil, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "BucketAlreadyExists" {
		t.Errorf("duplicate create: got %d %s", w.Code, w.Body.String())
	}

	if w := s.do("HEAD", "/photos", nil, nil); w.Code != http.StatusOK {
		t.Errorf("head bucket: got %d", w.Code)
	}
	if w := s.do("HEAD", "/absent", nil, nil); w.Code != http.StatusNotFound || w.Body.Len() != 0 {
		t.Errorf("head missing bucket: got %d with %d body bytes", w.Code, w.Body.Len())
	}

	w = s.do("PUT", "/Bad_Name", nil, nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "InvalidBucketName" {
		t.Errorf("invalid name: got %d %s", w.Code, w.Body.String())
	}

	s.do("PUT", "/photos/cat.jpg", []byte("meow"), nil)
	w = s.do("DELETE", "/photos", nil, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "BucketNotEmpty" {
		t.Errorf("delete non-empty: got %d %s", w.Code, w.Body.String())
	}

	s.do("DELETE", "/photos/cat.jpg", nil, nil)
	if w := s.do("DELETE", "/photos", nil, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete empty bucket: got %d", w.Code)
	}
	if w := s.do("DELETE", "/photos", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("delete missing bucket: got %d", w.Code)
	}
}

func TestHandler_PutGetEncryptionModes(t *testing.T) {
	s := newTestServer(t)
	s.mustCreateBucket(t, "secure")
	custKey := bytes.Repeat([]byte{0x11}, 32)

	tests := []struct {
		name     string
		headers  map[string]string
		readWith map[string]string
		wantEcho map[string]string
	}{
		{
			name:     "none",
			wantEcho: map[string]string{headerSSE: ""},
		},
		{
			name:     "server managed",
			headers:  map[string]string{headerSSE: "AES256"},
			wantEcho: map[string]string{headerSSE: "AES256"},
		},
		{
			name:     "customer supplied",
			headers:  customerHeaders(custKey),
			readWith: customerHeaders(custKey),
			wantEcho: map[string]string{
				headerSSECustomerAlgorithm: "AES256",
				headerSSECustomerKeyMD5:    customerHeaders(custKey)[headerSSECustomerKeyMD5],
				headerSSECustomerKey:       "",
			},
		},
		{
			name:     "externally managed",
			headers:  map[string]string{headerSSE: "aws:kms", headerSSEKeyID: "alias/app"},
			wantEcho: map[string]string{headerSSE: "aws:kms", headerSSEKeyID: "alias/app"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/secure/dir/" + strings.ReplaceAll(tt.name, " ", "-")
			headers := map[string]string{"Content-Type": "text/plain", "x-amz-meta-owner": "alice"}
			for k, v := range tt.headers {
				headers[k] = v
			}

			w := s.do("PUT", path, []byte("hello world"), headers)
			if w.Code != http.StatusOK {
				t.Fatalf("put: got %d %s", w.Code, w.Body.String())
			}
			etag := w.Header().Get("ETag")
			if etag == "" {
				t.Error("expected an ETag")
			}
			for k, v := range tt.wantEcho {
				if got := w.Header().Get(k); got != v {
					t.Errorf("put header %s = %q, want %q", k, got, v)
				}
			}

			w = s.do("GET", path, nil, tt.readWith)
			if w.Code != http.StatusOK {
				t.Fatalf("get: got %d %s", w.Code, w.Body.String())
			}
			if w.Body.String() != "hello world" {
				t.Errorf("get body = %q", w.Body.String())
			}
			if w.Header().Get("ETag") != etag {
				t.Errorf("get ETag = %q, want %q", w.Header().Get("ETag"), etag)
			}
			if w.Header().Get("Content-Type") != "text/plain" {
				t.Errorf("get Content-Type = %q", w.Header().Get("Content-Type"))
			}
			if w.Header().Get("x-amz-meta-owner") != "alice" {
				t.Errorf("metadata not returned: %v", w.Header())
			}
			for k, v := range tt.wantEcho {
				if got := w.Header().Get(k); got != v {
					t.Errorf("get header %s = %q, want %q", k, got, v)
				}
			}

			w = s.do("HEAD", path, nil, tt.readWith)
			if w.Code != http.StatusOK || w.Body.Len() != 0 {
				t.Errorf("head: got %d with %d body bytes", w.Code, w.Body.Len())
			}
			if w.Header().Get("Content-Length") != "11" {
				t.Errorf("head Content-Length = %q", w.Header().Get("Content-Length"))
			}
		})
	}
}

func TestHandler_StatusMapping(t *testing.T) {
	s := newTestServer(t)
	s.mustCreateBucket(t, "secure")
	custKey := bytes.Repeat([]byte{0x22}, 32)

	if w := s.do("PUT", "/secure/customer", []byte("x"), customerHeaders(custKey)); w.Code != http.StatusOK {
		t.Fatalf("seed put: %d", w.Code)
	}
	if w := s.do("PUT", "/secure/kms", []byte("x"), map[string]string{headerSSE: "aws:kms", headerSSEKeyID: "alias/app"}); w.Code != http.StatusOK {
		t.Fatalf("seed put: %d", w.Code)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		headers  map[string]string
		wantCode int
		wantErr  string
	}{
		{"missing bucket", "PUT", "/absent/k", nil, 404, "NoSuchBucket"},
		{"missing key", "GET", "/secure/missing", nil, 404, "NoSuchKey"},
		{"wrong customer key", "GET", "/secure/customer", customerHeaders(bytes.Repeat([]byte{0x33}, 32)), 403, "AccessDenied"},
		{"missing customer key", "GET", "/secure/customer", nil, 403, "AccessDenied"},
		{"malformed base64", "PUT", "/secure/k", map[string]string{headerSSECustomerAlgorithm: "AES256", headerSSECustomerKey: "%%%not-base64"}, 400, "InvalidArgument"},
		{"short customer key", "PUT", "/secure/k", customerHeaders([]byte("short")), 400, "InvalidKeySize"},
		{"checksum mismatch", "PUT", "/secure/k", map[string]string{
			headerSSECustomerAlgorithm: "AES256",
			headerSSECustomerKey:       base64.StdEncoding.EncodeToString(custKey),
			headerSSECustomerKeyMD5:    "AAAAAAAAAAAAAAAAAAAAAA==",
		}, 400, "KeyChecksumMismatch"},
		{"ambiguous", "PUT", "/secure/k", map[string]string{headerSSE: "AES256", headerSSEKeyID: "alias/app"}, 400, "AmbiguousEncryptionParameters"},
		{"bad algorithm", "PUT", "/secure/k", map[string]string{headerSSE: "rot13"}, 400, "InvalidEncryptionAlgorithm"},
		{"unknown key id", "PUT", "/secure/k", map[string]string{headerSSE: "aws:kms", headerSSEKeyID: "alias/unknown"}, 400, "KeyIdNotFound"},
		{"malformed key id", "PUT", "/secure/k", map[string]string{headerSSE: "aws:kms", headerSSEKeyID: "bad id"}, 400, "InvalidKeyId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, []byte("body"), tt.headers)
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.wantErr {
				t.Errorf("expected error code %s, got %s", tt.wantErr, code)
			}
			if strings.Contains(w.Body.String(), base64.StdEncoding.EncodeToString(custKey)) {
				t.Error("response leaked the customer key")
			}
		})
	}

	t.Run("key service unavailable", func(t *testing.T) {
		s.kms.SetLatency(time.Second)
		defer s.kms.SetLatency(0)

		w := s.do("GET", "/secure/kms", nil, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
		if code := errorCode(t, w); code != "KeyServiceUnavailable" {
			t.Errorf("expected KeyServiceUnavailable, got %s", code)
		}
	})

	t.Run("corrupted object", func(t *testing.T) {
		rec, err := s.backend.GetRecord(t.Context(), "secure", "kms")
		if err != nil {
			t.Fatal(err)
		}
		rec.Ciphertext[0] ^= 0x01
		if err := s.backend.PutRecord(t.Context(), rec); err != nil {
			t.Fatal(err)
		}

		w := s.do("GET", "/secure/kms", nil, nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", w.Code)
		}
		if code := errorCode(t, w); code != "DecryptionFailed" {
			t.Errorf("expected DecryptionFailed, got %s", code)
		}
	})
}

func TestHandler_EntityTooLarge(t *testing.T) {
	s := newTestServer(t)
	s.mustCreateBucket(t, "secure")

	w := s.do("PUT", "/secure/big", make([]byte, 1<<16+1), nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "EntityTooLarge" {
		t.Errorf("got %d %s", w.Code, w.Body.String())
	}
}

func TestHandler_DeleteObject(t *testing.T) {
	s := newTestServer(t)
	s.mustCreateBucket(t, "secure")
	s.do("PUT", "/secure/k", []byte("x"), nil)

	for i := 0; i < 2; i++ {
		if w := s.do("DELETE", "/secure/k", nil, nil); w.Code != http.StatusNoContent {
			t.Errorf("delete %d: expected 204, got %d", i, w.Code)
		}
	}
	if w := s.do("GET", "/secure/k", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	if w := s.do("DELETE", "/absent/k", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing bucket, got %d", w.Code)
	}
}

func TestHandler_DeleteObjects(t *testing.T) {
	s := newTestServer(t)
	s.mustCreateBucket(t, "secure")
	for _, k := range []string{"a", "b", "c"} {
		s.do("PUT", "/secure/"+k, []byte("x"), nil)
	}

	body := `<Delete><Object><Key>a</Key></Object><Object><Key>b</Key></Object><Object><Key>missing</Key></Object><Object><Key></Key></Object></Delete>`
	w := s.do("POST", "/secure?delete", []byte(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result deleteResult
	if err := xml.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	deleted := map[string]bool{}
	for _, d := range result.Deleted {
		deleted[d.Key] = true
	}
	for _, k := range []string{"a", "b"} {
		if !deleted[k] {
			t.Errorf("expected %q in Deleted: %+v", k, result)
		}
	}
	if deleted["missing"] {
		t.Errorf("missing key reported as deleted: %+v", result)
	}
	codes := map[string]string{}
	for _, e := range result.Errors {
		codes[e.Key] = e.Code
	}
	if len(result.Errors) != 2 || codes["missing"] != "NoSuchKey" || codes[""] != "InvalidArgument" {
		t.Errorf("expected NoSuchKey for missing and InvalidArgument for the empty key, got %+v", result.Errors)
	}

	if w := s.do("GET", "/secure/c", nil, nil); w.Code != http.StatusOK {
		t.Errorf("undeleted object: got %d", w.Code)
	}

	t.Run("quiet", func(t *testing.T) {
		w := s.do("POST", "/secure?delete", []byte(`<Delete><Quiet>true</Quiet><Object><Key>c</Key></Object></Delete>`), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var quiet deleteResult
		if err := xml.Unmarshal(w.Body.Bytes(), &quiet); err != nil {
			t.Fatal(err)
		}
		if len(quiet.Deleted) != 0 || len(quiet.Errors) != 0 {
			t.Errorf("quiet response should be empty: %+v", quiet)
		}

		w = s.do("POST", "/secure?delete", []byte(`<Delete><Quiet>true</Quiet><Object><Key>c</Key></Object></Delete>`), nil)
		quiet = deleteResult{}
		if err := xml.Unmarshal(w.Body.Bytes(), &quiet); err != nil {
			t.Fatal(err)
		}
		if len(quiet.Errors) != 1 || quiet.Errors[0].Code != "NoSuchKey" {
			t.Errorf("quiet mode still reports errors: %+v", quiet)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		w := s.do("POST", "/secure?delete", []byte("<Delete><Object>"), nil)
		if w.Code != http.StatusBadRequest || errorCode(t, w) != "MalformedXML" {
			t.Errorf("got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("missing bucket", func(t *testing.T) {
		w := s.do("POST", "/absent?delete", []byte(body), nil)
		if w.Code != http.StatusNotFound || errorCode(t, w) != "NoSuchBucket" {
			t.Errorf("got %d %s", w.Code, w.Body.String())
		}
	})
}
