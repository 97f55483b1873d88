package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/taskflow/pkg/schema"
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts secrets with AES-256-GCM before persisting. The tenant
// and key are bound as additional data, so a ciphertext copied to another
// tenant or key fails to decrypt.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func additionalData(tenant, key string) []byte {
	return []byte(tenant + "\x00" + key)
}

func (v *AESVault) encrypt(tenant, key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, additionalData(tenant, key)), nil
}

func (v *AESVault) decrypt(tenant, key string, ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ct, additionalData(tenant, key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, tenant, key string, value []byte) error {
	if tenant == "" || key == "" {
		return schema.NewError(schema.ErrCodeVault, "tenant and key are required")
	}
	encrypted, err := v.encrypt(tenant, key, value)
	if err != nil {
		return err
	}
	return v.store.PutSecret(ctx, tenant, key, encrypted)
}

func (v *AESVault) Resolve(ctx context.Context, tenant, key string) ([]byte, error) {
	encrypted, err := v.store.GetSecret(ctx, tenant, key)
	if err != nil {
		return nil, err
	}
	return v.decrypt(tenant, key, encrypted)
}

// ResolveSecret implements Resolver. Any failure is reported as SECRET_ERROR.
func (v *AESVault) ResolveSecret(ctx context.Context, tenant, key string) (string, error) {
	plaintext, err := v.Resolve(ctx, tenant, key)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSecret, "secret %q unavailable", key).
			WithCause(err).
			WithDetails(map[string]any{"key": key})
	}
	return string(plaintext), nil
}

func (v *AESVault) Delete(ctx context.Context, tenant, key string) error {
	return v.store.DeleteSecret(ctx, tenant, key)
}

func (v *AESVault) List(ctx context.Context, tenant string) ([]string, error) {
	return v.store.ListSecrets(ctx, tenant)
}
