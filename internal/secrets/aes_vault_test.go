package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/pkg/schema"
)

// memStore is an in-memory SecretStore for vault tests.
type memStore struct {
	rows map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]byte)}
}

func (m *memStore) StoreSecret(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.rows[key] = cp
	return nil
}

func (m *memStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.rows[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.rows[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.rows, key)
	return nil
}

func (m *memStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestVault(t *testing.T) (*AESVault, *memStore) {
	t.Helper()
	ms := newMemStore()
	key := make([]byte, vaultKeyLen)
	for i := range key {
		key[i] = byte(i * 3)
	}
	v, err := NewAESVault(ms, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, ms
}

func TestVaultRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "openai_key", []byte("sk-live-0042")))

	got, err := v.Resolve(ctx, "openai_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-live-0042"), got)
}

func TestVaultSealsAtRest(t *testing.T) {
	v, ms := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "provider_key", []byte("sk-visible")))

	raw := ms.rows["provider_key"]
	assert.NotContains(t, string(raw), "sk-visible")
	assert.Greater(t, len(raw), len("sk-visible"))
}

func TestVaultNonceIsFresh(t *testing.T) {
	v, ms := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("same-credential")))
	first := append([]byte(nil), ms.rows["a"]...)
	require.NoError(t, v.Store(ctx, "b", []byte("same-credential")))

	assert.False(t, bytes.Equal(first, ms.rows["b"]))
}

func TestVaultPassphraseDerivation(t *testing.T) {
	ms := newMemStore()
	v, err := NewAESVault(ms, VaultConfig{
		Passphrase: "operator-passphrase",
		Salt:       []byte("reportflow-salt!"),
		Iterations: 1000, // keep the test fast
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("derived")))

	// A second vault with the same passphrase and salt must read it back.
	v2, err := NewAESVault(ms, VaultConfig{
		Passphrase: "operator-passphrase",
		Salt:       []byte("reportflow-salt!"),
		Iterations: 1000,
	})
	require.NoError(t, err)
	got, err := v2.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("derived"), got)
}

func TestVaultWrongKeyFailsOpen(t *testing.T) {
	ms := newMemStore()
	ctx := context.Background()

	k1 := make([]byte, vaultKeyLen)
	k2 := make([]byte, vaultKeyLen)
	k2[0] = 0xFF

	v1, err := NewAESVault(ms, VaultConfig{MasterKey: k1})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "cred", []byte("hidden")))

	v2, err := NewAESVault(ms, VaultConfig{MasterKey: k2})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "cred")
	require.Error(t, err)
	var perr *schema.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, schema.ErrCodeVault, perr.Code)
}

func TestVaultTruncatedRow(t *testing.T) {
	v, ms := newTestVault(t)
	ctx := context.Background()

	ms.rows["stub"] = []byte{0x01, 0x02}
	_, err := v.Resolve(ctx, "stub")
	require.Error(t, err)
	var perr *schema.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, schema.ErrCodeVault, perr.Code)
}

func TestVaultDeleteAndNotFound(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "gone", []byte("val")))
	require.NoError(t, v.Delete(ctx, "gone"))

	_, err := v.Resolve(ctx, "gone")
	var perr *schema.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}

func TestVaultListNamesOnly(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "anthropic_key", []byte("1")))
	require.NoError(t, v.Store(ctx, "openai_key", []byte("2")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anthropic_key", "openai_key"}, keys)
}

func TestVaultOverwrite(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "rotated", []byte("old")))
	require.NoError(t, v.Store(ctx, "rotated", []byte("new")))

	got, err := v.Resolve(ctx, "rotated")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestVaultEmptyValue(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "empty", []byte{}))
	got, err := v.Resolve(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVaultKeySourceValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  VaultConfig
	}{
		{"no key or passphrase", VaultConfig{}},
		{"short master key", VaultConfig{MasterKey: []byte("short")}},
		{"passphrase without salt", VaultConfig{Passphrase: "p"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAESVault(newMemStore(), tc.cfg)
			require.Error(t, err)
			var perr *schema.PipelineError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, schema.ErrCodeVault, perr.Code)
		})
	}
}

func TestResolveString(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "model_key", []byte("sk-abc")))

	s, err := ResolveString(ctx, v, "model_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", s)
}
