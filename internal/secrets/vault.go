package secrets

import "context"

// Resolver hands plaintext secrets to the orchestrator. Lookups are always
// scoped to the tenant that owns the execution.
type Resolver interface {
	ResolveSecret(ctx context.Context, tenant, key string) (string, error)
}

// Vault manages tenant secrets. Values are encrypted at rest (AES-256-GCM)
// and decrypted in memory only.
type Vault interface {
	Resolver
	Resolve(ctx context.Context, tenant, key string) ([]byte, error)
	Store(ctx context.Context, tenant, key string, value []byte) error
	Delete(ctx context.Context, tenant, key string) error
	List(ctx context.Context, tenant string) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	PutSecret(ctx context.Context, tenant, key string, value []byte) error
	GetSecret(ctx context.Context, tenant, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, tenant, key string) error
	ListSecrets(ctx context.Context, tenant string) ([]string, error)
}
