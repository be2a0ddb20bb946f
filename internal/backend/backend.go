// Package backend defines the capability interfaces node and module variants
// implement (NodeOps, ModuleOps) and the wire-payload builders that the
// Sancus, SGX and Native backends share for their Connect/Call/
// RegisterEntrypoint/remote-IO commands. TrustZone builds those payloads
// itself, since it addresses modules by a 16-byte id; SetKey's
// associated-data layout and Deploy's payload are built per variant.
package backend

import (
	"context"
	"net"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// NodeOps is the capability interface every node variant backend satisfies,
// replacing the original's abstract Node base class + per-type registry
// (Design Notes: "closed tagged enum ... with trait-style capability
// interfaces dispatched by match").
type NodeOps interface {
	// Deploy uploads module's build artifact(s) over the Load channel.
	// Idempotent: a no-op if module is already marked deployed.
	Deploy(ctx context.Context, module any) error

	// Attest challenges the module and verifies its MAC response (or, for
	// SGX, runs the external remote-attestation flow). Sets attested=true
	// on success.
	Attest(ctx context.Context, module any) error

	// SetKey delivers conn's symmetric key to module under the module's
	// own key, bumping module's nonce exactly once.
	SetKey(ctx context.Context, module any, connID uint16, idx *descriptor.ConnectionIndex, cipher aead.Cipher, key []byte) error

	// Connect informs this (source) node's Event Manager of a new outgoing
	// connection to toModule, which lives on the node at (toIP, toPort);
	// sameNode is true when toModule is deployed on this same node (callers
	// resolve this from the descriptor Config, since a module backend alone
	// doesn't carry its node's address).
	Connect(ctx context.Context, toModule any, connID uint16, toIP net.IP, toPort uint16, sameNode bool) error

	// Call invokes a module entrypoint directly (CLI `call` command).
	Call(ctx context.Context, module any, entry string, arg []byte) ([]byte, error)

	// Output triggers conn's destination input with arg (CLI `output`).
	Output(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) error

	// Request triggers conn's destination handler with arg and returns its
	// decrypted response (CLI `request`).
	Request(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) ([]byte, error)

	// RegisterEntrypoint programs module's periodic timer.
	RegisterEntrypoint(ctx context.Context, module any, entry string, frequencyMs uint32) error

	// Cleanup runs variant-specific teardown (e.g. killing a background
	// attestation-service process). Safe to call even if nothing was
	// started.
	Cleanup(ctx context.Context) error
}

// ModuleOps is the capability interface every module variant backend
// satisfies.
type ModuleOps interface {
	// Build produces (or returns, if already built) this module's
	// deployable artifact(s); memoized so concurrent callers share one
	// computation.
	Build(ctx context.Context, bc buildctx.BuildContext) error

	GetID(ctx context.Context) (uint16, error)
	GetKey(ctx context.Context) ([]byte, error)

	GetInputID(ctx context.Context, name string) (int, error)
	GetOutputID(ctx context.Context, name string) (int, error)
	GetEntryID(ctx context.Context, name string) (int, error)
	GetRequestID(ctx context.Context, name string) (int, error)
	GetHandlerID(ctx context.Context, name string) (int, error)

	SupportedNodeKinds() []descriptor.NodeKind
	SupportedEncryption() []aead.Cipher
}

// BuildConnectPayload assembles the Connect command payload common to
// Sancus/SGX/Native: conn_id(2) || to_module_id(2) || to_reactive_port(2) ||
// to_ip(4). TrustZone overrides this (16-byte UUID, node number) in its own
// package.
func BuildConnectPayload(connID, toModuleID, toReactivePort uint16, toIP [4]byte) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, wire.PackUint16(connID)...)
	buf = append(buf, wire.PackUint16(toModuleID)...)
	buf = append(buf, wire.PackUint16(toReactivePort)...)
	buf = append(buf, toIP[:]...)
	return buf
}

// BuildCallPayload assembles a Call command payload: module_id(2) ||
// entry_id(2) || arg.
func BuildCallPayload(moduleID, entryID uint16, arg []byte) []byte {
	buf := make([]byte, 0, 4+len(arg))
	buf = append(buf, wire.PackUint16(moduleID)...)
	buf = append(buf, wire.PackUint16(entryID)...)
	buf = append(buf, arg...)
	return buf
}

// BuildRegisterEntrypointPayload assembles a RegisterEntrypoint payload:
// module_id(2) || entry_id(2) || frequency(4).
func BuildRegisterEntrypointPayload(moduleID, entryID uint16, frequencyMs uint32) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, wire.PackUint16(moduleID)...)
	buf = append(buf, wire.PackUint16(entryID)...)
	buf = append(buf, wire.PackUint32(frequencyMs)...)
	return buf
}

// BuildRemoteIOPayload assembles the RemoteOutput/RemoteRequest payload:
// module_id(2) || conn_id(2) || ciphertext||tag.
func BuildRemoteIOPayload(moduleID, connID uint16, cipherAndTag []byte) []byte {
	buf := make([]byte, 0, 4+len(cipherAndTag))
	buf = append(buf, wire.PackUint16(moduleID)...)
	buf = append(buf, wire.PackUint16(connID)...)
	buf = append(buf, cipherAndTag...)
	return buf
}
