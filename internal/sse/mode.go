package sse

import (
	"fmt"

	"github.com/kenneth/sse-object-store/internal/crypto"
)

// Tag identifies an encryption mode in stored records and metric labels.
type Tag string

const (
	TagNone              Tag = "none"
	TagServerManaged     Tag = "server-managed"
	TagCustomerSupplied  Tag = "customer-supplied"
	TagExternallyManaged Tag = "externally-managed"
)

// ParseTag validates a stored mode tag.
func ParseTag(s string) (Tag, error) {
	switch t := Tag(s); t {
	case TagNone, TagServerManaged, TagCustomerSupplied, TagExternallyManaged:
		return t, nil
	}
	return "", fmt.Errorf("unknown encryption mode %q", s)
}

// Mode is the resolved encryption mode of a request. Each implementation
// carries only the material relevant to it.
type Mode interface {
	Tag() Tag
	// Destroy zeroes any raw key material held by the mode.
	Destroy()
}

// None stores plaintext.
type None struct{}

func (None) Tag() Tag { return TagNone }
func (None) Destroy() {}

// ServerManaged encrypts with a per-object data key sealed by the server keyring.
type ServerManaged struct{}

func (ServerManaged) Tag() Tag { return TagServerManaged }
func (ServerManaged) Destroy() {}

// CustomerSupplied encrypts with a caller-provided 256-bit key that is never
// persisted. Only its checksum is stored.
type CustomerSupplied struct {
	Key      []byte
	Checksum string
}

func (*CustomerSupplied) Tag() Tag { return TagCustomerSupplied }

func (c *CustomerSupplied) Destroy() {
	crypto.ZeroBytes(c.Key)
	c.Key = nil
}

// ExternallyManaged encrypts with a data key wrapped by the external key service.
type ExternallyManaged struct {
	KeyID string
}

func (ExternallyManaged) Tag() Tag { return TagExternallyManaged }
func (ExternallyManaged) Destroy() {}
