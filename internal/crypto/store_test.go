package crypto_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wataruoguchi/emmett-go/internal/crypto"
	"github.com/wataruoguchi/emmett-go/internal/eventlog"
	"github.com/wataruoguchi/emmett-go/internal/keys"
	"github.com/wataruoguchi/emmett-go/internal/policy"
)

// memLog is a minimal in-memory eventlog.Store used to test the crypto
// decorator in isolation from Postgres.
type memLog struct {
	byStream map[string][]eventlog.Message
	nextPos  map[string]int64
	global   int64
}

func newMemLog() *memLog {
	return &memLog{byStream: map[string][]eventlog.Message{}, nextPos: map[string]int64{}}
}

func (m *memLog) AppendToStream(ctx context.Context, streamID string, events []eventlog.EventInput, opts eventlog.AppendOptions) (eventlog.AppendResult, error) {
	base := m.nextPos[streamID]
	for i, ev := range events {
		m.global++
		msg := eventlog.Message{
			MessageID: ev.MessageID, StreamID: streamID, Partition: opts.Partition,
			StreamPosition: base + int64(i) + 1, GlobalPosition: m.global,
			MessageType: ev.MessageType, MessageData: ev.MessageData, MessageMetadata: ev.MessageMetadata,
		}
		m.byStream[streamID] = append(m.byStream[streamID], msg)
	}
	m.nextPos[streamID] = base + int64(len(events))
	return eventlog.AppendResult{NextVersion: m.nextPos[streamID], LastGlobalPosition: m.global, CreatedNewStream: base == 0}, nil
}

func (m *memLog) ReadStream(ctx context.Context, streamID string, opts eventlog.ReadOptions) (eventlog.ReadResult, error) {
	events := m.byStream[streamID]
	return eventlog.ReadResult{Events: events, CurrentVersion: m.nextPos[streamID], StreamExists: len(events) > 0}, nil
}

func (m *memLog) AggregateStream(ctx context.Context, streamID string, opts eventlog.AggregateOptions) (eventlog.AggregateResult, error) {
	read, _ := m.ReadStream(ctx, streamID, eventlog.ReadOptions{Partition: opts.Partition})
	var state interface{}
	if opts.InitialState != nil {
		state = opts.InitialState()
	}
	for _, ev := range read.Events {
		state = opts.Evolve(state, ev)
	}
	return eventlog.AggregateResult{State: state, CurrentVersion: read.CurrentVersion, StreamExists: read.StreamExists}, nil
}

func (m *memLog) WithSession(ctx context.Context, fn func(ctx context.Context, st eventlog.Store) error) error {
	return fn(ctx, m)
}

// memKeys is an in-memory keys.Manager for testing.
type memKeys struct {
	byID map[string]*keys.Record
}

func newMemKeys() *memKeys { return &memKeys{byID: map[string]*keys.Record{}} }

func (k *memKeys) GetActiveKey(ctx context.Context, partition, keyRef string) (*keys.Record, error) {
	id := keys.BuildKeyID(partition, keyRef, 1)
	if r, ok := k.byID[id]; ok {
		return copyRecord(r), nil
	}
	r := &keys.Record{KeyID: id, Partition: partition, KeyMaterial: make([]byte, keys.KeyBytes), KeyVersion: 1, IsActive: true}
	for i := range r.KeyMaterial {
		r.KeyMaterial[i] = byte(i + 1)
	}
	k.byID[id] = r
	return copyRecord(r), nil
}

func (k *memKeys) GetKeyByID(ctx context.Context, partition, keyID string) (*keys.Record, error) {
	r, ok := k.byID[keyID]
	if !ok {
		return nil, nil
	}
	return copyRecord(r), nil
}

// copyRecord returns a record with its own key material buffer, since the
// crypto store zeroes the material it is handed after each use.
func copyRecord(r *keys.Record) *keys.Record {
	c := *r
	c.KeyMaterial = append([]byte(nil), r.KeyMaterial...)
	return &c
}

func (k *memKeys) RotateKey(ctx context.Context, partition, keyRef string) (*keys.Record, error) {
	return nil, nil
}

func (k *memKeys) DestroyPartitionKeys(ctx context.Context, partition string) error {
	for id, r := range k.byID {
		if r.Partition == partition {
			now := r.CreatedAt
			_ = now
			r.DestroyedAt = &r.CreatedAt
			k.byID[id] = r
		}
	}
	return nil
}

// memPolicy always resolves to encrypt with AES-GCM, stream-scoped keys.
type memPolicy struct{}

func (memPolicy) GetByStreamType(ctx context.Context, partition, streamType string) (*policy.Policy, error) {
	return &policy.Policy{KeyScope: policy.ScopeStream, EncryptionAlgorithm: policy.AlgoAESGCM}, nil
}

func TestCryptoStore_RoundTrip(t *testing.T) {
	inner := newMemLog()
	resolver := policy.NewResolver(memPolicy{})
	km := newMemKeys()
	store := crypto.New(inner, resolver, km, nil)

	ctx := context.Background()
	_, err := store.AppendToStream(ctx, "cart-1", []eventlog.EventInput{
		{MessageType: "CartCreated", MessageData: []byte(`{"currency":"USD"}`)},
	}, eventlog.AppendOptions{Partition: "tenant-a", StreamType: "cart"})
	require.NoError(t, err)

	read, err := store.ReadStream(ctx, "cart-1", eventlog.ReadOptions{Partition: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, read.Events, 1)
	require.JSONEq(t, `{"currency":"USD"}`, string(read.Events[0].MessageData))

	// the underlying log stores ciphertext, never plaintext
	raw, _ := inner.ReadStream(ctx, "cart-1", eventlog.ReadOptions{Partition: "tenant-a"})
	require.NotContains(t, string(raw.Events[0].MessageData), "USD")
}

func TestCryptoStore_ShreddingYieldsNoEvents(t *testing.T) {
	inner := newMemLog()
	resolver := policy.NewResolver(memPolicy{})
	km := newMemKeys()
	store := crypto.New(inner, resolver, km, nil)

	ctx := context.Background()
	_, err := store.AppendToStream(ctx, "cart-1", []eventlog.EventInput{
		{MessageType: "CartCreated", MessageData: []byte(`{"currency":"USD"}`)},
	}, eventlog.AppendOptions{Partition: "tenant-a", StreamType: "cart"})
	require.NoError(t, err)

	require.NoError(t, km.DestroyPartitionKeys(ctx, "tenant-a"))

	read, err := store.ReadStream(ctx, "cart-1", eventlog.ReadOptions{Partition: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, read.Events, 0)
}
