package native

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/backend"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// postDeploySettle is the fixed grace period nodes/native.py sleeps after
// loading a module, so a racing set_key doesn't reach the Event Manager
// before the module thread is actually accepting commands.
const postDeploySettle = 2 * time.Second

// Node wraps a descriptor.NativeNode; its wire formats (SetKey/Connect/Call/
// Output/Request/RegisterEntrypoint) are identical to SGX's (both descend
// from SGXBase in the original), only Deploy and Attest diverge.
type Node struct {
	Desc   *descriptor.NativeNode
	Client *wire.Client
	BC     buildctx.BuildContext
}

func New(desc *descriptor.NativeNode, client *wire.Client, bc buildctx.BuildContext) *Node {
	return &Node{Desc: desc, Client: client, BC: bc}
}

func (n *Node) reactiveEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.ReactivePort}
}

func (n *Node) deployEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.DeployPort}
}

func asNativeModule(module any) (*Module, error) {
	m, ok := module.(*Module)
	if !ok {
		return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "module is not a native module")
	}
	return m, nil
}

func (n *Node) assignModuleID(m *Module) uint16 {
	if m.Desc.ID != 0 {
		return m.Desc.ID
	}
	id := n.Desc.ModuleIDCounter
	n.Desc.ModuleIDCounter++
	m.Desc.ID = id
	if m.Desc.Port == 0 {
		m.Desc.Port = n.Desc.ReactivePort + id
	}
	return id
}

// Deploy uploads the built binary over the Load channel: payload is
// binary_len(4) || binary, then sleeps postDeploySettle to give the
// binary's own reactive listener time to come up, mirroring
// nodes/native.py's deploy.
func (n *Node) Deploy(ctx context.Context, module any) error {
	m, err := asNativeModule(module)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.deployed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	n.assignModuleID(m)
	m.PrepareCodegen(n.BC, n.Desc.DeployPort)

	if err := m.Build(ctx, n.BC); err != nil {
		return err
	}
	binaryPath, err := m.buildCell.Get()
	if err != nil {
		return err
	}
	binary, err := os.ReadFile(binaryPath)
	if err != nil {
		return apperrors.Wrap(apperrors.BuildArtifactMissing, "reading native module binary", err)
	}

	payload := wire.PackUint32(uint32(len(binary)))
	payload = append(payload, binary...)

	_, err = n.Client.SendLoad(ctx, n.Desc.Name, n.Desc.NeedLock, n.deployEndpoint(), payload)
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending native load command", err)
	}

	select {
	case <-time.After(postDeploySettle):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.deployed = true
	m.Desc.Deployed = true
	m.mu.Unlock()
	return nil
}

// Attest is a no-op beyond resolving the build-time-generated key: native
// modules run outside any hardware trust boundary, so there's nothing to
// challenge, per nodes/native.py's comment ("Native attestation is not
// really needed").
func (n *Node) Attest(ctx context.Context, module any) error {
	m, err := asNativeModule(module)
	if err != nil {
		return err
	}
	if _, err := m.GetKey(ctx); err != nil {
		return err
	}
	m.Desc.Attested = true
	return nil
}

// SetKey mirrors SGXBase.set_key's AD layout exactly: cipher(1) ||
// conn_id(2) || io_id(2) || nonce(2), key always wrapped under AES-GCM.
func (n *Node) SetKey(ctx context.Context, module any, connID uint16, idx *descriptor.ConnectionIndex, cipher aead.Cipher, key []byte) error {
	m, err := asNativeModule(module)
	if err != nil {
		return err
	}

	moduleID, err := m.GetID(ctx)
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

	payload := wire.PackUint16(moduleID)
	payload = append(payload, wire.PackUint16(uint16(wire.EntrypointSetKey))...)
	payload = append(payload, ad...)
	payload = append(payload, cipherAndTag...)

	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandCall, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending native set_key command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "native set_key rejected")
	}
	return nil
}

func (n *Node) Connect(ctx context.Context, toModule any, connID uint16, toIP net.IP, toPort uint16, sameNode bool) error {
	m, err := asNativeModule(toModule)
	if err != nil {
		return err
	}
	moduleID, err := m.GetID(ctx)
	if err != nil {
		return err
	}

	var ip [4]byte
	if !sameNode {
		v4 := toIP.To4()
		copy(ip[:], v4)
	}

	payload := backend.BuildConnectPayload(connID, moduleID, toPort, ip)
	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandConnect, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending native connect command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "native connect rejected")
	}
	return nil
}

func (n *Node) Call(ctx context.Context, module any, entry string, arg []byte) ([]byte, error) {
	m, err := asNativeModule(module)
	if err != nil {
		return nil, err
	}
	moduleID, err := m.GetID(ctx)
	if err != nil {
		return nil, err
	}
	entryID, err := m.GetEntryID(ctx, entry)
	if err != nil {
		return nil, err
	}
	payload := backend.BuildCallPayload(moduleID, uint16(entryID), arg)
	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandCall, Payload: payload})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending native call command", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "native call rejected")
	}
	return result.Payload, nil
}

func (n *Node) Output(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) error {
	return n.remoteIO(ctx, wire.CommandRemoteOutput, conn, toModule, arg)
}

func (n *Node) Request(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) ([]byte, error) {
	m, err := asNativeModule(toModule)
	if err != nil {
		return nil, err
	}
	moduleID, err := m.GetID(ctx)
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
	payload := backend.BuildRemoteIOPayload(moduleID, conn.ID, ciphertextAndTag)
	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandRemoteRequest, Payload: payload})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending native remote_request", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "native remote_request rejected")
	}
	respAD := wire.PackUint16(conn.Nonce + 1)
	return enc.Decrypt(key, respAD, result.Payload)
}

func (n *Node) remoteIO(ctx context.Context, cmd wire.Command, conn *descriptor.Connection, toModule any, arg []byte) error {
	m, err := asNativeModule(toModule)
	if err != nil {
		return err
	}
	moduleID, err := m.GetID(ctx)
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
	payload := backend.BuildRemoteIOPayload(moduleID, conn.ID, ciphertextAndTag)
	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: cmd, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending native remote io command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "native remote io rejected")
	}
	return nil
}

func (n *Node) RegisterEntrypoint(ctx context.Context, module any, entry string, frequencyMs uint32) error {
	m, err := asNativeModule(module)
	if err != nil {
		return err
	}
	moduleID, err := m.GetID(ctx)
	if err != nil {
		return err
	}
	entryID, err := m.GetEntryID(ctx, entry)
	if err != nil {
		return err
	}
	payload := backend.BuildRegisterEntrypointPayload(moduleID, uint16(entryID), frequencyMs)
	result, err := n.Client.SendCommand(ctx, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.CommandMessage{Code: wire.CommandRegisterEntrypoint, Payload: payload})
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending native register_entrypoint command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "native register_entrypoint rejected")
	}
	return nil
}

// Cleanup is a no-op: native modules are plain OS processes the node itself
// manages, not something this tool starts or stops.
func (n *Node) Cleanup(ctx context.Context) error { return nil }
