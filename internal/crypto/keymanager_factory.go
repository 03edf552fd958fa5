package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/kenneth/sse-object-store/internal/config"
)

// NewKeyManager builds the key manager selected by cfg.Provider. The result
// is not yet bounded by a timeout; wrap it with WithTimeout.
func NewKeyManager(ctx context.Context, cfg config.KeyServiceConfig) (KeyManager, error) {
	switch cfg.Provider {
	case "", "memory":
		return newMemoryKeyManagerFromConfig(cfg)
	case "vault":
		return NewVaultKeyManager(VaultOptions{
			Address:     cfg.Vault.Address,
			Token:       cfg.Vault.Token,
			Namespace:   cfg.Vault.Namespace,
			MountPath:   cfg.Vault.MountPath,
			TLSCACert:   cfg.Vault.TLSCACert,
			TLSInsecure: cfg.Vault.TLSInsecure,
		})
	case "aws":
		return NewAWSKeyManager(ctx, AWSKMSOptions{
			Region:          cfg.AWS.Region,
			Endpoint:        cfg.AWS.Endpoint,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unsupported key service provider: %s", cfg.Provider)
	}
}

func newMemoryKeyManagerFromConfig(cfg config.KeyServiceConfig) (*MemoryKeyManager, error) {
	m, err := NewMemoryKeyManager()
	if err != nil {
		return nil, err
	}

	for _, k := range cfg.Memory.Keys {
		if k.Material == "" {
			if err := m.CreateKey(k.ID); err != nil {
				return nil, err
			}
			continue
		}
		material, err := base64.StdEncoding.DecodeString(k.Material)
		if err != nil {
			return nil, fmt.Errorf("kms: key %q material is not valid base64", k.ID)
		}
		err = m.ImportKey(k.ID, material)
		ZeroBytes(material)
		if err != nil {
			return nil, err
		}
	}

	if len(cfg.Memory.Keys) == 0 && cfg.DefaultKeyID != "" {
		if err := m.CreateKey(cfg.DefaultKeyID); err != nil {
			return nil, err
		}
	}
	return m, nil
}
