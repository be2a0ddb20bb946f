// Package aead implements the uniform encrypt/decrypt/MAC facade over the
// two ciphers the wire protocol supports: AES-GCM-128 and SPONGENT-128.
package aead

import (
	"crypto/subtle"
	"fmt"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// Cipher identifies which AEAD construction a key/AD/ciphertext belongs to.
// Its numeric value is also the one-byte cipher tag carried in an SGX/Native/
// TrustZone SetKey AD (Sancus omits this byte entirely, since a Sancus node
// only ever supports SPONGENT).
type Cipher uint8

const (
	CipherAESGCM    Cipher = 0
	CipherSPONGENT  Cipher = 1
)

func (c Cipher) String() string {
	switch c {
	case CipherAESGCM:
		return "aes"
	case CipherSPONGENT:
		return "spongent"
	default:
		return fmt.Sprintf("Cipher(%d)", uint8(c))
	}
}

// ParseCipher maps a descriptor's encryption tag string to a Cipher.
func ParseCipher(tag string) (Cipher, error) {
	switch tag {
	case "aes":
		return CipherAESGCM, nil
	case "spongent":
		return CipherSPONGENT, nil
	default:
		return 0, apperrors.New(apperrors.CryptoUnsupportedCipher, "unsupported cipher tag").WithDetail("tag", tag)
	}
}

// Encryption is the uniform AEAD contract both ciphers satisfy.
type Encryption interface {
	Cipher() Cipher
	KeySize() int

	// Encrypt returns ciphertext||tag.
	Encrypt(key, ad, plaintext []byte) ([]byte, error)
	// Decrypt splits trailing tag bytes from ciphertext and verifies it
	// against ad before returning the plaintext.
	Decrypt(key, ad, ciphertextAndTag []byte) ([]byte, error)
}

// TagSize is common to both ciphers in this facade (16 bytes).
const TagSize = 16

// Mac computes encrypt(key, ad, nil).tag, i.e. the authentication tag over
// an empty message bound to ad — used by node backends to answer an Attest
// challenge without any plaintext payload.
func Mac(e Encryption, key, ad []byte) ([]byte, error) {
	out, err := e.Encrypt(key, ad, nil)
	if err != nil {
		return nil, err
	}
	if len(out) < TagSize {
		return nil, apperrors.New(apperrors.CryptoInternalTagSize, "encrypt produced output shorter than tag size")
	}
	return out[len(out)-TagSize:], nil
}

// EqualMAC performs a constant-time comparison of two MAC/tag byte slices.
func EqualMAC(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// For resolves a Cipher to its Encryption implementation.
func For(c Cipher) (Encryption, error) {
	switch c {
	case CipherAESGCM:
		return aesGCM{}, nil
	case CipherSPONGENT:
		return spongent{}, nil
	default:
		return nil, apperrors.New(apperrors.CryptoUnsupportedCipher, "unsupported cipher").WithDetail("cipher", uint8(c))
	}
}
