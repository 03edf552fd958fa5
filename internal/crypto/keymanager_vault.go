package crypto

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultOptions configures the Vault Transit key manager.
type VaultOptions struct {
	Address     string
	Token       string
	Namespace   string
	MountPath   string
	TLSCACert   string
	TLSInsecure bool
}

type vaultKeyManager struct {
	client    *vault.Client
	mountPath string
	known     sync.Map
}

// NewVaultKeyManager creates a KeyManager backed by HashiCorp Vault Transit.
func NewVaultKeyManager(opts VaultOptions) (KeyManager, error) {
	if opts.Address == "" {
		return nil, errors.New("kms: vault address is required")
	}
	if opts.MountPath == "" {
		opts.MountPath = "transit"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = opts.Address
	// Retries are the caller's decision; the timeout decorator bounds each call.
	cfg.MaxRetries = 0

	if opts.TLSInsecure {
		cfg.HttpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	} else if opts.TLSCACert != "" {
		if err := cfg.ConfigureTLS(&vault.TLSConfig{CACert: opts.TLSCACert}); err != nil {
			return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
		}
	}

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := opts.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}
	if opts.Namespace != "" {
		client.SetNamespace(opts.Namespace)
	}

	return &vaultKeyManager{
		client:    client,
		mountPath: strings.Trim(opts.MountPath, "/"),
	}, nil
}

func (v *vaultKeyManager) Provider() string {
	return "vault"
}

func (v *vaultKeyManager) transitPath(op, keyID string) string {
	return fmt.Sprintf("%s/%s/%s", v.mountPath, op, keyID)
}

// ensureKey checks that the transit key exists. Transit encrypt would
// otherwise create missing keys on first use.
func (v *vaultKeyManager) ensureKey(ctx context.Context, keyID string) error {
	if _, ok := v.known.Load(keyID); ok {
		return nil
	}
	secret, err := v.client.Logical().ReadWithContext(ctx, v.transitPath("keys", keyID))
	if err != nil {
		return mapVaultError(err)
	}
	if secret == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	v.known.Store(keyID, struct{}{})
	return nil
}

func (v *vaultKeyManager) WrapKey(ctx context.Context, keyID string, dataKey []byte) ([]byte, error) {
	if err := v.ensureKey(ctx, keyID); err != nil {
		return nil, err
	}

	secret, err := v.client.Logical().WriteWithContext(ctx, v.transitPath("encrypt", keyID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(dataKey),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit encrypt failed: %w", mapVaultError(err))
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault transit encrypt: invalid response")
	}
	// Vault format (vault:v1:base64...) is stored as is.
	return []byte(ciphertext), nil
}

func (v *vaultKeyManager) UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.transitPath("decrypt", keyID), map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt failed: %w", mapVaultError(err))
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault transit decrypt: invalid response")
	}
	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

func (v *vaultKeyManager) Close(ctx context.Context) error {
	v.client.ClearToken()
	return nil
}

// mapVaultError classifies Vault errors into the KeyManager sentinels.
func mapVaultError(err error) error {
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		msg := strings.ToLower(strings.Join(respErr.Errors, "; "))
		switch {
		case respErr.StatusCode == http.StatusNotFound,
			strings.Contains(msg, "not found"):
			return fmt.Errorf("%w: %s", ErrKeyNotFound, msg)
		case respErr.StatusCode == http.StatusForbidden,
			respErr.StatusCode == http.StatusUnauthorized,
			respErr.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrKeyAccessDenied, msg)
		case respErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: vault returned %d", ErrKeyServiceUnavailable, respErr.StatusCode)
		}
		return err
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrKeyServiceUnavailable, err)
	}
	return err
}
