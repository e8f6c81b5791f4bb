package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// normalizeMasterKey accepts either a 64-character hex string or a raw
// 32-byte string (after trimming whitespace and an optional 0x/0X prefix)
// and returns the 32 raw bytes used to build the wrapping AEAD.
func normalizeMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("keys: master key must not be empty")
	}
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(trimmed) == 32 {
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("keys: master key must be 32 bytes, or 64 hex characters")
}

// newWrapAEAD builds the AES-GCM AEAD used to wrap key material at rest from
// a master key in either of normalizeMasterKey's accepted forms.
func newWrapAEAD(masterKey string) (cipher.AEAD, error) {
	raw, err := normalizeMasterKey(masterKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("keys: build master-key cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// wrapMaterial AEAD-seals key material under the manager's master key, with
// a random nonce prepended to the returned ciphertext. If aead is nil,
// material passes through unsealed: the dev-mode fallback for deployments
// that haven't provisioned a master key yet.
func wrapMaterial(aead cipher.AEAD, material []byte) ([]byte, error) {
	if aead == nil {
		return material, nil
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keys: generate wrap nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, material, nil), nil
}

// unwrapMaterial reverses wrapMaterial. If aead is nil, sealed is returned
// as-is, matching the unwrapped form it was stored in.
func unwrapMaterial(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	if aead == nil {
		return sealed, nil
	}
	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("keys: wrapped key material shorter than nonce")
	}
	nonce, ciphertext := sealed[:ns], sealed[ns:]
	return aead.Open(nil, nonce, ciphertext, nil)
}
