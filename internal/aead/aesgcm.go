package aead

import (
	"crypto/aes"
	"crypto/cipher"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// aesGCMKeySize is fixed at 128 bits, matching every SGX/Native/TrustZone
// module key in the wire protocol.
const aesGCMKeySize = 16

// aesGCMNonceSize is the all-zero 12-byte GCM IV. Uniqueness of (key, AD) is
// the caller's responsibility (the per-module monotone nonce folded into AD);
// this facade never increments anything itself, by design — see SPEC_FULL.md
// §D on the fixed-IV open question.
const aesGCMNonceSize = 12

var zeroNonce = make([]byte, aesGCMNonceSize)

type aesGCM struct{}

func (aesGCM) Cipher() Cipher { return CipherAESGCM }

func (aesGCM) KeySize() int { return aesGCMKeySize }

func (aesGCM) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != aesGCMKeySize {
		return nil, apperrors.New(apperrors.CryptoBadKeyLength, "aes-gcm key must be 16 bytes").
			WithDetail("got", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CryptoBadKeyLength, "aes-gcm: new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CryptoBadKeyLength, "aes-gcm: new gcm", err)
	}
	return gcm, nil
}

func (a aesGCM) Encrypt(key, ad, plaintext []byte) ([]byte, error) {
	gcm, err := a.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, zeroNonce, plaintext, ad), nil
}

func (a aesGCM) Decrypt(key, ad, ciphertextAndTag []byte) ([]byte, error) {
	gcm, err := a.newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, zeroNonce, ciphertextAndTag, ad)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CryptoTagMismatch, "aes-gcm: tag verification failed", err)
	}
	return plaintext, nil
}
