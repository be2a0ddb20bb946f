package backend

import (
	"context"
	"crypto/rand"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// ChallengeSize is the random challenge length used by every local-MAC
// attestation flow (Sancus/TrustZone), per spec.md §4.6.
const ChallengeSize = 16

// LocalMACAttest sends a Call command carrying a fresh 16-byte challenge
// under the Attest entrypoint (payload: module_id_bytes || entry_id(2) ||
// len(challenge)(2) || challenge, per nodes/sancus.py and
// nodes/trustzone.py), and verifies the node's MAC response against the
// expected MAC computed locally under the module's key. moduleIDBytes lets
// callers supply either a 2-byte module id (Sancus) or a 16-byte module
// UUID (TrustZone). SGX runs an external remote-attestation binary instead
// of a local challenge/response, and Native attestation sends no challenge
// at all.
func LocalMACAttest(ctx context.Context, client *wire.Client, nodeName string, needLock bool,
	endpoint wire.Endpoint, moduleIDBytes []byte, key []byte, cipher aead.Cipher) error {

	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return apperrors.Wrap(apperrors.AttestHelperFailed, "generating attestation challenge", err)
	}

	payload := make([]byte, 0, len(moduleIDBytes)+4+len(challenge))
	payload = append(payload, moduleIDBytes...)
	payload = append(payload, wire.PackUint16(uint16(wire.EntrypointAttest))...)
	payload = append(payload, wire.PackUint16(uint16(len(challenge)))...)
	payload = append(payload, challenge...)

	result, err := client.SendCommand(ctx, nodeName, needLock, endpoint,
		wire.CommandMessage{Code: wire.CommandCall, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending attest challenge", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "attest challenge rejected").WithDetail("result", result.Code.String())
	}

	enc, err := aead.For(cipher)
	if err != nil {
		return err
	}
	expected, err := aead.Mac(enc, key, challenge)
	if err != nil {
		return apperrors.Wrap(apperrors.CryptoTagMismatch, "computing expected attestation MAC", err)
	}

	if !aead.EqualMAC(result.Payload, expected) {
		return apperrors.New(apperrors.AttestMACMismatch, "attestation MAC mismatch")
	}
	return nil
}
