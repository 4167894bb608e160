package secrets

import "context"

// Vault holds AI provider API keys and other credentials referenced by
// model configuration (secret_ref). Values are encrypted at rest
// (AES-256-GCM) and resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// ResolveString resolves a secret as a string. Convenience for API keys.
func ResolveString(ctx context.Context, v Vault, key string) (string, error) {
	b, err := v.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
