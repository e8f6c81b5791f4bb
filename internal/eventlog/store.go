package eventlog

import "context"

// Store is the capability set the crypto store, projection engine, and
// runner all depend on. A Postgres-backed implementation lives in postgres.go;
// the crypto store in internal/crypto wraps any Store and presents the same
// interface, intercepting only the calls it needs to encrypt/decrypt.
type Store interface {
	AppendToStream(ctx context.Context, streamID string, events []EventInput, opts AppendOptions) (AppendResult, error)
	ReadStream(ctx context.Context, streamID string, opts ReadOptions) (ReadResult, error)
	AggregateStream(ctx context.Context, streamID string, opts AggregateOptions) (AggregateResult, error)
	// WithSession runs fn inside a database transaction; operations performed
	// through the Store passed to fn share that transaction.
	WithSession(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
