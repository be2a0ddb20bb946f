package aead

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// spongentKeySize mirrors the 128-bit Sancus security parameter this
// orchestrator targets. A real deployment may configure Sancus with a wider
// vendor key, but the wire protocol and descriptor format both fix this
// facade at 128 bits, matching AES-GCM-128's key size.
const spongentKeySize = 16

// spongentTagSize is the wrap tag length, matching TagSize.
const spongentTagSize = TagSize

// spongent implements the wrap/unwrap contract described in spec.md §4.2
// ("SPONGENT-128: ... wrap(key, ad, data) -> (cipher, tag); unwrap(...) ->
// plaintext | None") on top of a SHAKE128 sponge, the closest ecosystem
// primitive to the lightweight SPONGENT permutation a Sancus node's own
// crypto library implements in C. Two domain-separated absorptions produce
// the keystream and the tag respectively, so recovering the tag never
// requires (and never leaks) the keystream.
type spongent struct{}

func (spongent) Cipher() Cipher { return CipherSPONGENT }

func (spongent) KeySize() int { return spongentKeySize }

const (
	spongentDomainKeystream byte = 0x01
	spongentDomainTag       byte = 0x02
)

func spongentKeystream(key, ad []byte, n int) []byte {
	xof := sha3.NewShake128()
	xof.Write(key)
	xof.Write([]byte{spongentDomainKeystream})
	xof.Write(lengthPrefixed(ad))
	out := make([]byte, n)
	xof.Read(out)
	return out
}

func spongentTag(key, ad, ciphertext []byte) []byte {
	xof := sha3.NewShake128()
	xof.Write(key)
	xof.Write([]byte{spongentDomainTag})
	xof.Write(lengthPrefixed(ad))
	xof.Write(lengthPrefixed(ciphertext))
	out := make([]byte, spongentTagSize)
	xof.Read(out)
	return out
}

func lengthPrefixed(b []byte) []byte {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	out := make([]byte, 0, 8+len(b))
	out = append(out, lenBuf[:]...)
	out = append(out, b...)
	return out
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func (s spongent) wrap(key, ad, data []byte) (ciphertext, tag []byte) {
	keystream := spongentKeystream(key, ad, len(data))
	ciphertext = xorBytes(data, keystream)
	tag = spongentTag(key, ad, ciphertext)
	return ciphertext, tag
}

func (s spongent) Encrypt(key, ad, plaintext []byte) ([]byte, error) {
	if len(key) != spongentKeySize {
		return nil, apperrors.New(apperrors.CryptoBadKeyLength, "spongent key must be 16 bytes").
			WithDetail("got", len(key))
	}
	ciphertext, tag := s.wrap(key, ad, plaintext)
	out := make([]byte, 0, len(ciphertext)+len(tag))
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

func (s spongent) Decrypt(key, ad, ciphertextAndTag []byte) ([]byte, error) {
	if len(key) != spongentKeySize {
		return nil, apperrors.New(apperrors.CryptoBadKeyLength, "spongent key must be 16 bytes").
			WithDetail("got", len(key))
	}
	if len(ciphertextAndTag) < spongentTagSize {
		return nil, apperrors.New(apperrors.CryptoTagMismatch, "spongent: ciphertext shorter than tag")
	}
	split := len(ciphertextAndTag) - spongentTagSize
	ciphertext := ciphertextAndTag[:split]
	gotTag := ciphertextAndTag[split:]

	wantTag := spongentTag(key, ad, ciphertext)
	if !EqualMAC(gotTag, wantTag) {
		return nil, apperrors.New(apperrors.CryptoTagMismatch, "spongent: tag verification failed")
	}

	keystream := spongentKeystream(key, ad, len(ciphertext))
	return xorBytes(ciphertext, keystream), nil
}
