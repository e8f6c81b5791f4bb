package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
	"github.com/wataruoguchi/emmett-go/internal/eventlog"
	"github.com/wataruoguchi/emmett-go/internal/keys"
	"github.com/wataruoguchi/emmett-go/internal/policy"
)

// envelopeWire is the on-disk shape of message_metadata.enc.
type envelopeWire struct {
	Algo       string `json:"algo"`
	KeyID      string `json:"key_id"`
	KeyVersion int    `json:"key_version"`
	IV         string `json:"iv"`
	StreamType string `json:"stream_type,omitempty"`
	EventType  string `json:"event_type,omitempty"`
}

// ciphertextWire is the on-disk shape of message_data once encrypted.
type ciphertextWire struct {
	Ciphertext string `json:"ciphertext"`
}

// AADContext is what BuildAAD receives to compute additional authenticated data.
type AADContext struct {
	Partition  string
	StreamID   string
	StreamType string
	EventType  string
}

// BuildAADFunc computes the AAD bytes for one event. The default implementation
// binds only partition:stream_id; a caller that wants stream_type/event_type
// bound cryptographically supplies a custom BuildAAD.
type BuildAADFunc func(ctx AADContext) []byte

// DefaultBuildAAD implements the reference AAD: "{partition}:{stream_id}".
func DefaultBuildAAD(ctx AADContext) []byte {
	return []byte(ctx.Partition + ":" + ctx.StreamID)
}

// Store wraps an eventlog.Store, transparently encrypting on append and
// decrypting on read. It presents the identical eventlog.Store contract so
// callers cannot distinguish it from the plain log.
type Store struct {
	inner    eventlog.Store
	resolver *policy.Resolver
	keys     keys.Manager
	buildAAD BuildAADFunc
}

var _ eventlog.Store = (*Store)(nil)

// New wraps inner with envelope encryption. buildAAD may be nil, in which
// case DefaultBuildAAD is used.
func New(inner eventlog.Store, resolver *policy.Resolver, keyManager keys.Manager, buildAAD BuildAADFunc) *Store {
	if buildAAD == nil {
		buildAAD = DefaultBuildAAD
	}
	return &Store{inner: inner, resolver: resolver, keys: keyManager, buildAAD: buildAAD}
}

// AppendToStream implements eventlog.Store, encrypting each event before
// delegating to the wrapped log.
func (s *Store) AppendToStream(ctx context.Context, streamID string, events []eventlog.EventInput, opts eventlog.AppendOptions) (eventlog.AppendResult, error) {
	encrypted := make([]eventlog.EventInput, len(events))
	for i, ev := range events {
		enc, err := s.encryptEvent(ctx, streamID, opts.Partition, opts.StreamType, ev)
		if err != nil {
			return eventlog.AppendResult{}, err
		}
		encrypted[i] = enc
	}
	return s.inner.AppendToStream(ctx, streamID, encrypted, opts)
}

func (s *Store) encryptEvent(ctx context.Context, streamID, partition, streamType string, ev eventlog.EventInput) (eventlog.EventInput, error) {
	pctx := policy.Context{Partition: partition, StreamID: streamID, StreamType: streamType, EventType: ev.MessageType}
	resolved, err := s.resolver.ResolveForWrite(ctx, pctx)
	if err != nil {
		return eventlog.EventInput{}, err
	}

	key, err := s.keys.GetActiveKey(ctx, partition, resolved.KeyRef)
	if err != nil {
		return eventlog.EventInput{}, err
	}

	iv, err := generateIV(resolved.Algo)
	if err != nil {
		return eventlog.EventInput{}, err
	}

	var aad []byte
	if supportsAAD(resolved.Algo) {
		aad = s.buildAAD(AADContext{Partition: partition, StreamID: streamID, StreamType: streamType, EventType: ev.MessageType})
	}

	plaintext := ev.MessageData
	if plaintext == nil {
		plaintext = []byte("{}")
	}
	ciphertext, err := encrypt(resolved.Algo, key.KeyMaterial, iv, aad, plaintext)
	zero(key.KeyMaterial)
	if err != nil {
		return eventlog.EventInput{}, err
	}

	data, err := json.Marshal(ciphertextWire{Ciphertext: base64.StdEncoding.EncodeToString(ciphertext)})
	if err != nil {
		return eventlog.EventInput{}, apperror.InvalidDataFormat("marshal ciphertext wrapper", err)
	}

	meta, err := mergeEnvelope(ev.MessageMetadata, envelopeWire{
		Algo: string(resolved.Algo), KeyID: key.KeyID, KeyVersion: key.KeyVersion,
		IV: base64.StdEncoding.EncodeToString(iv), StreamType: streamType, EventType: ev.MessageType,
	})
	if err != nil {
		return eventlog.EventInput{}, err
	}

	return eventlog.EventInput{MessageID: ev.MessageID, MessageType: ev.MessageType, MessageData: data, MessageMetadata: meta}, nil
}

func mergeEnvelope(existing []byte, env envelopeWire) ([]byte, error) {
	m := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &m); err != nil {
			return nil, apperror.InvalidDataFormat("parse existing metadata", err)
		}
	}
	m["enc"] = env
	out, err := json.Marshal(m)
	if err != nil {
		return nil, apperror.InvalidDataFormat("marshal metadata", err)
	}
	return out, nil
}

// ReadStream implements eventlog.Store, decrypting each event after reading
// from the wrapped log. Undecryptable events are silently filtered out.
func (s *Store) ReadStream(ctx context.Context, streamID string, opts eventlog.ReadOptions) (eventlog.ReadResult, error) {
	res, err := s.inner.ReadStream(ctx, streamID, opts)
	if err != nil {
		return eventlog.ReadResult{}, err
	}
	decrypted := make([]eventlog.Message, 0, len(res.Events))
	for _, m := range res.Events {
		dm, ok := s.decryptMessage(ctx, opts.Partition, m)
		if ok {
			decrypted = append(decrypted, dm)
		}
	}
	res.Events = decrypted
	return res, nil
}

func (s *Store) decryptMessage(ctx context.Context, partition string, m eventlog.Message) (eventlog.Message, bool) {
	var meta map[string]interface{}
	if len(m.MessageMetadata) > 0 {
		if err := json.Unmarshal(m.MessageMetadata, &meta); err != nil {
			log.Printf("[crypto.store] message %s has unparseable metadata, skipping: %v", m.MessageID, err)
			return eventlog.Message{}, false
		}
	}
	rawEnv, hasEnv := meta["enc"]
	if !hasEnv {
		return m, true
	}

	envBytes, err := json.Marshal(rawEnv)
	if err != nil {
		log.Printf("[crypto.store] message %s has unmarshalable envelope, skipping: %v", m.MessageID, err)
		return eventlog.Message{}, false
	}
	var env envelopeWire
	if err := json.Unmarshal(envBytes, &env); err != nil {
		log.Printf("[crypto.store] message %s has malformed envelope, skipping: %v", m.MessageID, err)
		return eventlog.Message{}, false
	}

	key, err := s.keys.GetKeyByID(ctx, partition, env.KeyID)
	if err != nil {
		log.Printf("[crypto.store] message %s key lookup error, skipping: %v", m.MessageID, err)
		return eventlog.Message{}, false
	}
	if !key.Usable() {
		log.Printf("[crypto.store] message %s key %s destroyed or missing, skipping", m.MessageID, env.KeyID)
		return eventlog.Message{}, false
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		log.Printf("[crypto.store] message %s has malformed iv, skipping: %v", m.MessageID, err)
		return eventlog.Message{}, false
	}

	var wrapped ciphertextWire
	if err := json.Unmarshal(m.MessageData, &wrapped); err != nil {
		log.Printf("[crypto.store] message %s has malformed ciphertext wrapper, skipping: %v", m.MessageID, err)
		return eventlog.Message{}, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wrapped.Ciphertext)
	if err != nil {
		log.Printf("[crypto.store] message %s has malformed ciphertext, skipping: %v", m.MessageID, err)
		return eventlog.Message{}, false
	}

	var aad []byte
	algo := policy.Algorithm(env.Algo)
	if supportsAAD(algo) {
		aad = s.buildAAD(AADContext{Partition: partition, StreamID: m.StreamID, StreamType: env.StreamType, EventType: env.EventType})
	}

	plaintext, err := decrypt(algo, key.KeyMaterial, iv, aad, ciphertext)
	zero(key.KeyMaterial)
	if err != nil {
		log.Printf("[crypto.store] message %s failed to decrypt, skipping: %v", m.MessageID, err)
		return eventlog.Message{}, false
	}

	m.MessageData = plaintext
	return m, true
}

// AggregateStream implements eventlog.Store by reading the decrypted stream
// and folding events through opts.Evolve. The reported CurrentVersion is the
// underlying stream's current version, not the count of decrypted events; no
// expected-version check is made.
func (s *Store) AggregateStream(ctx context.Context, streamID string, opts eventlog.AggregateOptions) (eventlog.AggregateResult, error) {
	read, err := s.ReadStream(ctx, streamID, eventlog.ReadOptions{Partition: opts.Partition})
	if err != nil {
		return eventlog.AggregateResult{}, err
	}

	underlying, err := s.inner.ReadStream(ctx, streamID, eventlog.ReadOptions{Partition: opts.Partition, MaxCount: 0})
	if err != nil {
		return eventlog.AggregateResult{}, err
	}

	var state interface{}
	if opts.InitialState != nil {
		state = opts.InitialState()
	}
	for _, ev := range read.Events {
		state = opts.Evolve(state, ev)
	}
	return eventlog.AggregateResult{State: state, CurrentVersion: underlying.CurrentVersion, StreamExists: underlying.StreamExists}, nil
}

// WithSession implements eventlog.Store, recursively wrapping the session's
// inner store so encryption still applies to calls made inside the callback.
func (s *Store) WithSession(ctx context.Context, fn func(ctx context.Context, st eventlog.Store) error) error {
	return s.inner.WithSession(ctx, func(ctx context.Context, innerSession eventlog.Store) error {
		wrapped := New(innerSession, s.resolver, s.keys, s.buildAAD)
		return fn(ctx, wrapped)
	})
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
