// Package crypto implements the envelope encryption decorator that wraps an
// eventlog.Store: policy resolution, per-version key lookup, AEAD
// encrypt/decrypt, and graceful handling of destroyed keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
	"github.com/wataruoguchi/emmett-go/internal/policy"
)

// ivLength returns the IV length in bytes for algo, per the algorithm parameter table.
func ivLength(algo policy.Algorithm) (int, error) {
	switch algo {
	case policy.AlgoAESGCM:
		return 12, nil
	case policy.AlgoAESCBC, policy.AlgoAESCTR:
		return 16, nil
	default:
		return 0, apperror.UnsupportedAlgorithm(fmt.Sprintf("unsupported algorithm %q", algo))
	}
}

// supportsAAD reports whether algo can bind additional authenticated data.
func supportsAAD(algo policy.Algorithm) bool {
	return algo == policy.AlgoAESGCM
}

func generateIV(algo policy.Algorithm) ([]byte, error) {
	n, err := ivLength(algo)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// encrypt seals plaintext under key/iv/aad per algo. aad is ignored for
// algorithms that do not support it.
func encrypt(algo policy.Algorithm, key, iv, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperror.CryptoOperationFailed("create aes cipher", err)
	}

	switch algo {
	case policy.AlgoAESGCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, apperror.CryptoOperationFailed("create gcm", err)
		}
		return gcm.Seal(nil, iv, plaintext, aad), nil
	case policy.AlgoAESCBC:
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	case policy.AlgoAESCTR:
		out := make([]byte, len(plaintext))
		cipher.NewCTR(block, iv).XORKeyStream(out, plaintext)
		return out, nil
	default:
		return nil, apperror.UnsupportedAlgorithm(fmt.Sprintf("unsupported algorithm %q", algo))
	}
}

// decrypt opens ciphertext under key/iv/aad per algo, returning plaintext.
func decrypt(algo policy.Algorithm, key, iv, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperror.CryptoOperationFailed("create aes cipher", err)
	}

	switch algo {
	case policy.AlgoAESGCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, apperror.CryptoOperationFailed("create gcm", err)
		}
		plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
		if err != nil {
			return nil, apperror.CryptoOperationFailed("gcm authentication failed", err)
		}
		return plaintext, nil
	case policy.AlgoAESCBC:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, apperror.InvalidDataFormat("ciphertext is not a multiple of the cbc block size", nil)
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
		return pkcs7Unpad(out)
	case policy.AlgoAESCTR:
		out := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(out, ciphertext)
		return out, nil
	default:
		return nil, apperror.UnsupportedAlgorithm(fmt.Sprintf("unsupported algorithm %q", algo))
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, apperror.InvalidDataFormat("empty plaintext after cbc decrypt", nil)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, apperror.InvalidDataFormat("invalid pkcs7 padding", nil)
	}
	return data[:len(data)-padLen], nil
}
