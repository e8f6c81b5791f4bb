// Package keys implements the Key Manager: lazy-created, versioned,
// Postgres-backed symmetric key material, with rotation and partition-wide
// crypto-shredding.
package keys

import (
	"fmt"
	"time"
)

// KeyBytes is 192 bits (24 bytes) of raw symmetric key material.
const KeyBytes = 24

// Record is one row of the key registry. DestroyedAt non-nil means the key
// is permanently unusable for decryption; RetiredAt non-nil only means a
// newer version has taken over (rotation), and does not block decryption of
// historical events still encrypted under this version.
type Record struct {
	KeyID       string
	Partition   string
	KeyMaterial []byte
	KeyVersion  int
	IsActive    bool
	RetiredAt   *time.Time
	DestroyedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Usable reports whether the record may still be used to decrypt events.
// Retirement (superseded by rotation) does not disqualify a key; only
// destruction (crypto-shredding) does.
func (r *Record) Usable() bool {
	return r != nil && r.DestroyedAt == nil
}

// BuildKeyID renders the canonical key id grammar: "{partition}::{key_ref}@{version}".
func BuildKeyID(partition, keyRef string, version int) string {
	return fmt.Sprintf("%s::%s@%d", partition, keyRef, version)
}

// KeyRefForScope derives key_ref from policy scope per the scope rules:
// stream scope uses the stream id, type scope uses the stream type, and
// partition scope uses the fixed sentinel "default".
func KeyRefForScope(scope string, streamID, streamType string) (string, error) {
	switch scope {
	case "stream":
		if streamID == "" {
			return "", fmt.Errorf("stream-scoped key requires a non-empty stream id")
		}
		return streamID, nil
	case "type":
		if streamType == "" {
			return "", fmt.Errorf("type-scoped key requires a non-empty stream type")
		}
		return streamType, nil
	case "partition":
		return "default", nil
	default:
		return "", fmt.Errorf("unrecognized key scope %q", scope)
	}
}
