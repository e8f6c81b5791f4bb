// Package policy implements the Encryption Policy store and resolver: one
// policy per (partition, stream_type_class), fail-closed on writes when
// absent.
package policy

// KeyScope is the granularity at which one key serves many streams.
type KeyScope string

const (
	ScopeStream    KeyScope = "stream"
	ScopeType      KeyScope = "type"
	ScopePartition KeyScope = "partition"
)

// Algorithm is a supported AEAD/cipher choice.
type Algorithm string

const (
	AlgoAESGCM Algorithm = "AES-GCM"
	AlgoAESCBC Algorithm = "AES-CBC"
	AlgoAESCTR Algorithm = "AES-CTR"
)

// Policy is one configured encryption policy.
type Policy struct {
	PolicyID                string
	Partition               string
	StreamTypeClass         string
	KeyScope                KeyScope
	EncryptionAlgorithm     Algorithm
	KeyRotationIntervalDays int
}

// Resolved is what the resolver hands back to the crypto store.
type Resolved struct {
	Encrypt bool
	Algo    Algorithm
	KeyRef  string
}

// Context is the lookup key plus the extra fields needed to derive key_ref.
type Context struct {
	Partition  string
	StreamID   string
	StreamType string
	EventType  string
}
