package keys

import "context"

// Manager is the Key Manager contract used by the crypto store.
type Manager interface {
	// GetActiveKey returns the current active key for (partition, keyRef),
	// creating a new version-1 key lazily on first use.
	GetActiveKey(ctx context.Context, partition, keyRef string) (*Record, error)
	// GetKeyByID looks a key up by its exact id, returning (nil, nil) if no
	// such key was ever created. A destroyed key is still returned (with
	// DestroyedAt set) so callers can distinguish "destroyed" from "never existed".
	GetKeyByID(ctx context.Context, partition, keyID string) (*Record, error)
	// RotateKey marks the current active version retired and activates a
	// fresh version+1 under the same (partition, keyRef).
	RotateKey(ctx context.Context, partition, keyRef string) (*Record, error)
	// DestroyPartitionKeys tombstones every non-destroyed key in partition.
	// Irreversible; never deletes rows.
	DestroyPartitionKeys(ctx context.Context, partition string) error
}
