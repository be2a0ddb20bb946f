package trustzone

import (
	"context"
	"net"
	"os"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/backend"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// Node wraps a descriptor.TrustZoneNode. Its wire formats diverge from
// Sancus/SGX/Native in every operation that names a module: the module id is
// always the 16-byte big-endian value, never the 2-byte one the other three
// variants share.
type Node struct {
	Desc   *descriptor.TrustZoneNode
	Client *wire.Client
	BC     buildctx.BuildContext

	// NodeNumberOf resolves the to_node_number field Connect's payload
	// needs for a cross-node connection; nodes/trustzone.py's connect reads
	// this off the destination TrustZoneNode directly, which this backend
	// can't reach from toModule alone (ModuleOps carries no back-reference
	// to its owning node). The orchestrator wires this closure from the
	// full descriptor.Config when it constructs the Node.
	NodeNumberOf func(toModule any) uint16
}

func New(desc *descriptor.TrustZoneNode, client *wire.Client, bc buildctx.BuildContext, nodeNumberOf func(toModule any) uint16) *Node {
	return &Node{Desc: desc, Client: client, BC: bc, NodeNumberOf: nodeNumberOf}
}

func (n *Node) reactiveEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.ReactivePort}
}

func (n *Node) deployEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.DeployPort}
}

func asTZModule(module any) (*Module, error) {
	m, ok := module.(*Module)
	if !ok {
		return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "module is not a trustzone module")
	}
	return m, nil
}

// Deploy uploads the signed TA over the Load channel: payload is
// size(4) = len(uid)+len(file_data) || uid(16) || file_data, per
// nodes/trustzone.py's deploy. The length prefix covers the combined
// uid+binary length, not just the binary, unlike every other variant.
func (n *Node) Deploy(ctx context.Context, module any) error {
	m, err := asTZModule(module)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.deployed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.Build(ctx, n.BC); err != nil {
		return err
	}
	binaryPath, err := m.buildCell.Get()
	if err != nil {
		return err
	}
	file, err := os.ReadFile(binaryPath)
	if err != nil {
		return apperrors.Wrap(apperrors.BuildArtifactMissing, "reading trustzone ta binary", err)
	}

	uid := m.IDBytes()
	payload := wire.PackUint32(uint32(len(uid) + len(file)))
	payload = append(payload, uid...)
	payload = append(payload, file...)

	_, err = n.Client.SendLoad(ctx, n.Desc.Name, n.Desc.NeedLock, n.deployEndpoint(), payload)
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending trustzone load command", err)
	}

	m.mu.Lock()
	m.deployed = true
	m.Desc.Deployed = true
	m.mu.Unlock()
	return nil
}

// Attest reuses the shared local-MAC challenge/response, with a 16-byte
// module id and AES-GCM (all-zero nonce) in place of Sancus's 2-byte id and
// SPONGENT, per nodes/trustzone.py's attest.
func (n *Node) Attest(ctx context.Context, module any) error {
	m, err := asTZModule(module)
	if err != nil {
		return err
	}
	key, err := m.GetKey(ctx)
	if err != nil {
		return err
	}
	err = backend.LocalMACAttest(ctx, n.Client, n.Desc.Name, n.Desc.NeedLock,
		n.reactiveEndpoint(), m.IDBytes(), key, aead.CipherAESGCM)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.attested = true
	m.mu.Unlock()
	m.Desc.Attested = true
	return nil
}

// SetKey mirrors SGXBase's AD layout (cipher(1) || conn_id(2) || io_id(2) ||
// nonce(2), AES-GCM wrap) but prefixes the payload with the 16-byte module
// id instead of the 2-byte one, per nodes/trustzone.py's set_key.
func (n *Node) SetKey(ctx context.Context, module any, connID uint16, idx *descriptor.ConnectionIndex, cipher aead.Cipher, key []byte) error {
	m, err := asTZModule(module)
	if err != nil {
		return err
	}
	moduleKey, err := m.GetKey(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	nonce := m.Desc.Nonce
	m.Desc.Nonce++
	m.mu.Unlock()

	ad := []byte{byte(cipher)}
	ad = append(ad, wire.PackUint16(connID)...)
	ad = append(ad, wire.PackUint16(uint16(idx.Index))...)
	ad = append(ad, wire.PackUint16(nonce)...)

	enc, err := aead.For(aead.CipherAESGCM)
	if err != nil {
		return err
	}
	cipherAndTag, err := enc.Encrypt(moduleKey, ad, key)
	if err != nil {
		return err
	}

	payload := m.IDBytes()
	payload = append(payload, wire.PackUint16(uint16(wire.EntrypointSetKey))...)
	payload = append(payload, ad...)
	payload = append(payload, cipherAndTag...)

	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandCall, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending trustzone set_key command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "trustzone set_key rejected")
	}
	return nil
}

// Connect sends conn_id(2) || module_id(16) || to_node_number(2) ||
// to_reactive_port(2) || to_ip(4), a field order and width distinct from
// BuildConnectPayload's shared shape, per nodes/trustzone.py's connect.
func (n *Node) Connect(ctx context.Context, toModule any, connID uint16, toIP net.IP, toPort uint16, sameNode bool) error {
	m, err := asTZModule(toModule)
	if err != nil {
		return err
	}

	var toNodeNumber uint16
	if n.NodeNumberOf != nil {
		toNodeNumber = n.NodeNumberOf(toModule)
	}

	var ip [4]byte
	if !sameNode {
		v4 := toIP.To4()
		copy(ip[:], v4)
	}

	payload := wire.PackUint16(connID)
	payload = append(payload, m.IDBytes()...)
	payload = append(payload, wire.PackUint16(toNodeNumber)...)
	payload = append(payload, wire.PackUint16(toPort)...)
	payload = append(payload, ip[:]...)

	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandConnect, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending trustzone connect command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "trustzone connect rejected")
	}
	return nil
}

// Call sends module_id(16) || entry_id(2) || arg, per nodes/trustzone.py's
// call.
func (n *Node) Call(ctx context.Context, module any, entry string, arg []byte) ([]byte, error) {
	m, err := asTZModule(module)
	if err != nil {
		return nil, err
	}
	entryID, err := m.GetEntryID(ctx, entry)
	if err != nil {
		return nil, err
	}
	payload := m.IDBytes()
	payload = append(payload, wire.PackUint16(uint16(entryID))...)
	payload = append(payload, arg...)

	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandCall, Payload: payload})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending trustzone call command", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "trustzone call rejected")
	}
	return result.Payload, nil
}

func (n *Node) Output(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) error {
	return n.remoteIO(ctx, wire.CommandRemoteOutput, conn, toModule, arg)
}

func (n *Node) Request(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) ([]byte, error) {
	m, err := asTZModule(toModule)
	if err != nil {
		return nil, err
	}
	key, err := m.GetKey(ctx)
	if err != nil {
		return nil, err
	}
	enc, err := aead.For(conn.Encryption)
	if err != nil {
		return nil, err
	}
	ad := wire.PackUint16(conn.Nonce)
	ciphertextAndTag, err := enc.Encrypt(key, ad, arg)
	if err != nil {
		return nil, err
	}
	payload := m.IDBytes()
	payload = append(payload, wire.PackUint16(conn.ID)...)
	payload = append(payload, ciphertextAndTag...)

	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandRemoteRequest, Payload: payload})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending trustzone remote_request", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "trustzone remote_request rejected")
	}
	respAD := wire.PackUint16(conn.Nonce + 1)
	return enc.Decrypt(key, respAD, result.Payload)
}

func (n *Node) remoteIO(ctx context.Context, cmd wire.Command, conn *descriptor.Connection, toModule any, arg []byte) error {
	m, err := asTZModule(toModule)
	if err != nil {
		return err
	}
	key, err := m.GetKey(ctx)
	if err != nil {
		return err
	}
	enc, err := aead.For(conn.Encryption)
	if err != nil {
		return err
	}
	ad := wire.PackUint16(conn.Nonce)
	ciphertextAndTag, err := enc.Encrypt(key, ad, arg)
	if err != nil {
		return err
	}
	payload := m.IDBytes()
	payload = append(payload, wire.PackUint16(conn.ID)...)
	payload = append(payload, ciphertextAndTag...)

	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: cmd, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending trustzone remote io command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "trustzone remote io rejected")
	}
	return nil
}

// RegisterEntrypoint (below) and Request (above) use the 16-byte module id
// for consistency with Deploy/Attest/Connect/SetKey/Call/Output. The
// original's nodes/base.py (which nodes/trustzone.py does not override for
// these two operations) packs a 2-byte module id here — an inherited
// oversight, not a deliberate narrower wire format, since nothing else in
// TrustZone's wire surface uses a 2-byte id.
func (n *Node) RegisterEntrypoint(ctx context.Context, module any, entry string, frequencyMs uint32) error {
	m, err := asTZModule(module)
	if err != nil {
		return err
	}
	entryID, err := m.GetEntryID(ctx, entry)
	if err != nil {
		return err
	}
	payload := m.IDBytes()
	payload = append(payload, wire.PackUint16(uint16(entryID))...)
	payload = append(payload, wire.PackUint32(frequencyMs)...)

	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandRegisterEntrypoint, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending trustzone register_entrypoint command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "trustzone register_entrypoint rejected")
	}
	return nil
}

// Cleanup is a no-op: TrustZone nodes have no background helper process to
// tear down.
func (n *Node) Cleanup(ctx context.Context) error { return nil }
