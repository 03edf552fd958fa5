package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/kenneth/sse-object-store/internal/object"
	"github.com/kenneth/sse-object-store/internal/sse"
)

const (
	headerRequestID            = "x-amz-request-id"
	headerSSE                  = "x-amz-server-side-encryption"
	headerSSEKeyID             = "x-amz-server-side-encryption-aws-kms-key-id"
	headerSSECustomerAlgorithm = "x-amz-server-side-encryption-customer-algorithm"
	headerSSECustomerKey       = "x-amz-server-side-encryption-customer-key"
	headerSSECustomerKeyMD5    = "x-amz-server-side-encryption-customer-key-MD5"
	metaPrefix                 = "x-amz-meta-"
)

// parseEncryptionParams reads the SSE request headers. The returned customer
// key is owned by the caller, who must wipe it.
func parseEncryptionParams(h http.Header) (sse.Params, bool) {
	p := sse.Params{
		ServerSideAlgorithm:  strings.TrimSpace(h.Get(headerSSE)),
		ExternalKeyID:        strings.TrimSpace(h.Get(headerSSEKeyID)),
		CustomerKeyAlgorithm: strings.TrimSpace(h.Get(headerSSECustomerAlgorithm)),
		CustomerKeyChecksum:  strings.TrimSpace(h.Get(headerSSECustomerKeyMD5)),
	}
	if encoded := strings.TrimSpace(h.Get(headerSSECustomerKey)); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return sse.Params{}, false
		}
		p.CustomerKey = key
	}
	return p, true
}

type encryptionEcho struct {
	ServerSideAlgorithm  string
	CustomerKeyAlgorithm string
	CustomerKeyChecksum  string
	ExternalKeyID        string
}

// writeEncryptionHeaders echoes the encryption applied to an object. Only
// the key checksum is returned for customer keys.
func writeEncryptionHeaders(w http.ResponseWriter, e encryptionEcho) {
	if e.ServerSideAlgorithm != "" {
		w.Header().Set(headerSSE, e.ServerSideAlgorithm)
	}
	if e.ExternalKeyID != "" {
		w.Header().Set(headerSSEKeyID, e.ExternalKeyID)
	}
	if e.CustomerKeyAlgorithm != "" {
		w.Header().Set(headerSSECustomerAlgorithm, e.CustomerKeyAlgorithm)
		w.Header().Set(headerSSECustomerKeyMD5, e.CustomerKeyChecksum)
	}
}

func putEcho(res *object.PutResult) encryptionEcho {
	return encryptionEcho{
		ServerSideAlgorithm:  res.ServerSideAlgorithm,
		CustomerKeyAlgorithm: res.CustomerKeyAlgorithm,
		CustomerKeyChecksum:  res.CustomerKeyChecksum,
		ExternalKeyID:        res.ExternalKeyID,
	}
}

func infoEcho(info *object.ObjectInfo) encryptionEcho {
	return encryptionEcho{
		ServerSideAlgorithm:  info.ServerSideAlgorithm,
		CustomerKeyAlgorithm: info.CustomerKeyAlgorithm,
		CustomerKeyChecksum:  info.CustomerKeyChecksum,
		ExternalKeyID:        info.ExternalKeyID,
	}
}

// extractMetadata collects user metadata from x-amz-meta-* headers.
func extractMetadata(h http.Header) map[string]string {
	var metadata map[string]string
	for k, v := range h {
		lower := strings.ToLower(k)
		if !strings.HasPrefix(lower, metaPrefix) || len(v) == 0 || len(lower) == len(metaPrefix) {
			continue
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata[strings.TrimPrefix(lower, metaPrefix)] = v[0]
	}
	return metadata
}
