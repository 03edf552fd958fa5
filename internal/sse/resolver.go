package sse

import (
	"fmt"
	"regexp"

	"github.com/kenneth/sse-object-store/internal/crypto"
	"github.com/kenneth/sse-object-store/internal/errs"
)

// CustomerKeySize is the required length of a customer-supplied key.
const CustomerKeySize = 32

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:/_.\-]{0,255}$`)

// Resolver turns request parameters into a Mode.
type Resolver struct {
	// DefaultExternalKeyID is used for externally managed requests that name no key.
	DefaultExternalKeyID string
}

// Resolve validates p and returns the mode it selects. It never touches
// object data; every error is a validation error.
func (r Resolver) Resolve(p Params) (Mode, error) {
	if p.IsEmpty() {
		return None{}, nil
	}

	if p.hasCustomer() {
		if p.ServerSideAlgorithm != "" || p.ExternalKeyID != "" {
			return nil, errs.Validation(errs.CodeAmbiguousEncryptionParameters,
				"customer key parameters cannot be combined with server-side encryption parameters")
		}
		return resolveCustomer(p)
	}

	switch p.ServerSideAlgorithm {
	case AlgorithmAES256:
		if p.ExternalKeyID != "" {
			return nil, errs.Validation(errs.CodeAmbiguousEncryptionParameters,
				"a key id cannot be combined with server-managed encryption")
		}
		return ServerManaged{}, nil

	case AlgorithmExternallyManaged, AlgorithmAWSKMS:
		keyID := p.ExternalKeyID
		if keyID == "" {
			keyID = r.DefaultExternalKeyID
		}
		if !keyIDPattern.MatchString(keyID) {
			return nil, errs.Validation(errs.CodeInvalidKeyID, "the external key id is missing or malformed")
		}
		return ExternallyManaged{KeyID: keyID}, nil

	case "":
		return nil, errs.Validation(errs.CodeInvalidEncryptionAlgorithm,
			"a key id requires an externally managed server-side algorithm")
	}

	return nil, errs.Validation(errs.CodeInvalidEncryptionAlgorithm,
		fmt.Sprintf("unsupported server-side encryption algorithm %q", p.ServerSideAlgorithm))
}

func resolveCustomer(p Params) (Mode, error) {
	if p.CustomerKeyAlgorithm == "" || len(p.CustomerKey) == 0 {
		return nil, errs.Validation(errs.CodeInvalidArgument,
			"customer key encryption requires both an algorithm and a key")
	}
	if p.CustomerKeyAlgorithm != AlgorithmAES256 {
		return nil, errs.Validation(errs.CodeInvalidEncryptionAlgorithm,
			fmt.Sprintf("unsupported customer key algorithm %q", p.CustomerKeyAlgorithm))
	}
	if len(p.CustomerKey) != CustomerKeySize {
		return nil, errs.Validation(errs.CodeInvalidKeySize,
			fmt.Sprintf("customer key must be %d bytes, got %d", CustomerKeySize, len(p.CustomerKey)))
	}

	checksum := crypto.KeyChecksum(p.CustomerKey)
	if p.CustomerKeyChecksum != "" && !crypto.ChecksumEqual(checksum, p.CustomerKeyChecksum) {
		return nil, errs.Validation(errs.CodeKeyChecksumMismatch,
			"the supplied key checksum does not match the customer key")
	}

	key := make([]byte, len(p.CustomerKey))
	copy(key, p.CustomerKey)
	return &CustomerSupplied{Key: key, Checksum: checksum}, nil
}
