// Package wire implements the framed command/response protocol spoken to a
// node's Event Manager: big-endian integer packing, CommandMessage/ResultMessage
// framing, and the command/result/entrypoint code tables.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Command is the one-byte code identifying a CommandMessage's operation.
type Command uint8

const (
	CommandConnect             Command = 0
	CommandCall                Command = 1
	CommandRemoteOutput        Command = 2
	CommandRemoteRequest       Command = 3
	CommandLoad                Command = 4
	CommandRegisterEntrypoint  Command = 5
)

func (c Command) String() string {
	switch c {
	case CommandConnect:
		return "Connect"
	case CommandCall:
		return "Call"
	case CommandRemoteOutput:
		return "RemoteOutput"
	case CommandRemoteRequest:
		return "RemoteRequest"
	case CommandLoad:
		return "Load"
	case CommandRegisterEntrypoint:
		return "RegisterEntrypoint"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// HasResponse reports whether the remote Event Manager replies with a
// ResultMessage for this command. Load and fire-and-forget style commands
// still get an Ok/error response in this protocol - every command does -
// but this hook exists so a transport can special-case truly one-way
// traffic if a future command needs it.
func (c Command) HasResponse() bool {
	return true
}

// Result is the one-byte code identifying a ResultMessage's outcome.
type Result uint8

const (
	ResultOk             Result = 0
	ResultIllegalPayload Result = 1
	ResultInternalError  Result = 2
	ResultBadRequest     Result = 3
	ResultCryptoError    Result = 4
	ResultGeneric        Result = 5
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "Ok"
	case ResultIllegalPayload:
		return "IllegalPayload"
	case ResultInternalError:
		return "InternalError"
	case ResultBadRequest:
		return "BadRequest"
	case ResultCryptoError:
		return "CryptoError"
	case ResultGeneric:
		return "Generic"
	default:
		return fmt.Sprintf("Result(%d)", uint8(r))
	}
}

// Ok reports whether the result code indicates success.
func (r Result) Ok() bool {
	return r == ResultOk
}

// Entrypoint is the in-band code carried as the first two bytes of a Call
// payload, selecting which module entrypoint handles the request.
type Entrypoint uint16

const (
	EntrypointSetKey       Entrypoint = 0
	EntrypointAttest       Entrypoint = 1
	EntrypointHandleInput  Entrypoint = 2
	EntrypointHandleOutput Entrypoint = 3
	EntrypointHandleHandler Entrypoint = 4
	// EntrypointUserDefinedBase is the first index available to user-defined
	// (module-declared) entrypoints.
	EntrypointUserDefinedBase Entrypoint = 5
)

// PackUint8 encodes a single byte. It exists alongside PackUint16/PackUint32
// purely for symmetry with the protocol's other width-tagged fields (the
// cipher selector byte in a SetKey AD, for instance).
func PackUint8(v uint8) []byte {
	return []byte{v}
}

// UnpackUint8 decodes a single byte.
func UnpackUint8(b []byte) (uint8, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("wire: UnpackUint8: need 1 byte, got %d", len(b))
	}
	return b[0], nil
}

// PackUint16 encodes v as two big-endian bytes (network order).
func PackUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// UnpackUint16 decodes two big-endian bytes.
func UnpackUint16(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("wire: UnpackUint16: need 2 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// PackUint32 encodes v as four big-endian bytes (network order).
func PackUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// UnpackUint32 decodes four big-endian bytes.
func UnpackUint32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("wire: UnpackUint32: need 4 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// CommandMessage is a command frame sent to an Event Manager.
//
// Frame layout for every command except Load: 2-byte payload length, 1-byte
// command code, payload. Load carries binaries, so it uses a 4-byte length
// prefix instead (see EncodeLoad/ReadLoadHeader).
type CommandMessage struct {
	Code    Command
	Payload []byte
}

// Encode serializes the command using the standard 2-byte length prefix.
func (m CommandMessage) Encode() ([]byte, error) {
	if m.Code == CommandLoad {
		return nil, fmt.Errorf("wire: Load must use EncodeLoad (4-byte length prefix)")
	}
	if len(m.Payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: payload too large for 2-byte length prefix: %d bytes", len(m.Payload))
	}
	buf := make([]byte, 0, 3+len(m.Payload))
	buf = append(buf, PackUint16(uint16(len(m.Payload)))...)
	buf = append(buf, byte(m.Code))
	buf = append(buf, m.Payload...)
	return buf, nil
}

// EncodeLoad serializes a Load command using a 4-byte length prefix, since
// its payload carries binaries that may exceed 64KiB.
func EncodeLoad(payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, PackUint32(uint32(len(payload)))...)
	buf = append(buf, byte(CommandLoad))
	buf = append(buf, payload...)
	return buf
}

// ResultMessage is the response frame returned by an Event Manager.
//
// Frame layout: 2-byte payload length, 1-byte result code, payload.
type ResultMessage struct {
	Code    Result
	Payload []byte
}

// Ok reports whether this result's code indicates success.
func (m ResultMessage) Ok() bool {
	return m.Code.Ok()
}

// Encode serializes the result using the standard 2-byte length prefix.
func (m ResultMessage) Encode() ([]byte, error) {
	if len(m.Payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: result payload too large: %d bytes", len(m.Payload))
	}
	buf := make([]byte, 0, 3+len(m.Payload))
	buf = append(buf, PackUint16(uint16(len(m.Payload)))...)
	buf = append(buf, byte(m.Code))
	buf = append(buf, m.Payload...)
	return buf, nil
}
