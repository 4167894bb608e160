package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/nordiq/reportflow/pkg/schema"
)

// Stored values are nonce||ciphertext. GCM authenticates the whole blob,
// so a truncated or tampered row fails Resolve with ErrCodeVault.
const (
	vaultKeyLen        = 32
	defaultPBKDF2Iters = 100_000
)

// VaultConfig selects the vault key source. Deployments either inject a
// raw 32-byte master key (container secret mounts) or set an operator
// passphrase plus salt in the [vault] config table and let the vault
// derive the key with PBKDF2-SHA256. MasterKey wins when both are set.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 rounds, defaultPBKDF2Iters when zero
}

// AESVault is the credential vault backing model secret_ref resolution.
// Provider API keys are sealed with AES-256-GCM before they reach the
// store and only exist decrypted in memory, never in logs or events.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault derives the vault key from cfg and prepares the AEAD.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := vaultKey(cfg)
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

func vaultKey(cfg VaultConfig) ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != vaultKeyLen {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"vault master key must be %d bytes, got %d", vaultKeyLen, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault,
			"vault needs a master key or a passphrase")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault,
			"vault.salt is required when deriving from a passphrase")
	}
	iters := cfg.Iterations
	if iters <= 0 {
		iters = defaultPBKDF2Iters
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iters, vaultKeyLen)
}

// Resolve decrypts the credential stored under key, typically the
// secret_ref named in the model configuration.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(sealed)
}

// Store seals value and persists it under key, replacing any previous
// credential with that name.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

// Delete removes the credential. A secret_ref pointing at a deleted key
// fails resolution on the next startup.
func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns the stored credential names. Values stay sealed.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

func (v *AESVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) open(sealed []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, schema.NewError(schema.ErrCodeVault, "sealed credential too short")
	}
	plaintext, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "credential decrypt failed: %s", err)
	}
	return plaintext, nil
}
