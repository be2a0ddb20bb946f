// Package errors defines the orchestrator's error taxonomy: a small set of
// error code families, one per failure category in the design, each carrying
// structured details so the top-level CLI handler can log and exit without
// re-deriving context from a bare error string.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, loggable identifier for a failure category.
type ErrorCode string

const (
	// Descriptor errors (DESC_*): validation, unknown name, bad format, bad hex/IP.
	DescInvalidFormat    ErrorCode = "DESC_INVALID_FORMAT"
	DescUnknownName      ErrorCode = "DESC_UNKNOWN_NAME"
	DescValidationFailed ErrorCode = "DESC_VALIDATION_FAILED"
	DescBadHex           ErrorCode = "DESC_BAD_HEX"
	DescBadIP            ErrorCode = "DESC_BAD_IP"
	DescDuplicateName    ErrorCode = "DESC_DUPLICATE_NAME"

	// Preflight errors (PREFLIGHT_*).
	PreflightNotDeployed ErrorCode = "PREFLIGHT_NOT_DEPLOYED"
	PreflightNotAttested ErrorCode = "PREFLIGHT_NOT_ATTESTED"
	PreflightAlready     ErrorCode = "PREFLIGHT_ALREADY_DONE"

	// Build errors (BUILD_*): subprocess non-zero exit, missing artifact.
	BuildProcessFailed ErrorCode = "BUILD_PROCESS_FAILED"
	BuildArtifactMissing ErrorCode = "BUILD_ARTIFACT_MISSING"

	// Wire errors (WIRE_*): EOF, malformed response, non-Ok result code.
	WireMalformedFrame ErrorCode = "WIRE_MALFORMED_FRAME"
	WireUnexpectedEOF  ErrorCode = "WIRE_UNEXPECTED_EOF"
	WireBadResult      ErrorCode = "WIRE_BAD_RESULT"

	// Crypto errors (CRYPTO_*): AEAD tag mismatch, bad key length, unsupported cipher.
	CryptoTagMismatch        ErrorCode = "CRYPTO_TAG_MISMATCH"
	CryptoBadKeyLength       ErrorCode = "CRYPTO_BAD_KEY_LENGTH"
	CryptoUnsupportedCipher  ErrorCode = "CRYPTO_UNSUPPORTED_CIPHER"
	CryptoInternalTagSize    ErrorCode = "CRYPTO_INTERNAL_TAG_SIZE"

	// Attestation errors (ATTEST_*): MAC mismatch or attester failure.
	AttestMACMismatch    ErrorCode = "ATTEST_MAC_MISMATCH"
	AttestHelperFailed   ErrorCode = "ATTEST_HELPER_FAILED"

	// Configuration errors (CONFIG_*): unsupported node/module variant pairing.
	ConfigUnsupportedPairing ErrorCode = "CONFIG_UNSUPPORTED_PAIRING"
	ConfigMissingField       ErrorCode = "CONFIG_MISSING_FIELD"
	ConfigNotDirect          ErrorCode = "CONFIG_CONNECTION_NOT_DIRECT"

	// No such endpoint (used by module backends' endpoint-id resolvers).
	NoSuchEndpoint ErrorCode = "DESC_NO_SUCH_ENDPOINT"
)

// Error is the orchestrator's single error type. Every subcommand handler
// returns *Error so the top-level CLI can log Code/Message/Details uniformly
// and choose an exit status.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with no wrapped cause.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping an existing error, preserving it for
// errors.Is/errors.As chains.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetail attaches a structured key/value to the error and returns it for
// chaining, e.g. errors.New(...).WithDetail("module", name).
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// As reports whether err (or one it wraps) is an *Error, and if so returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the ErrorCode of err if it is (or wraps) an *Error, or the
// empty string otherwise.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}
