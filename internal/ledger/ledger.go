package ledger

import "context"

// Store is the durable key-value map everything is recorded on. Keys are
// tagged strings owned by the packages that write them (registry, auction,
// token). Implementations do no locking beyond their own safety; operation
// ordering is the host process's concern.
type Store interface {
	Has(ctx context.Context, key string) (bool, error)
	// Get fails with domain.ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
