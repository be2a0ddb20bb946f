package sancus

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

// Node wraps a descriptor.SancusNode and the shared wire client used to talk
// to its Event Manager (need_lock=true, per nodes/sancus.py).
type Node struct {
	Desc   *descriptor.SancusNode
	Client *wire.Client
	BC     buildctx.BuildContext
}

func New(desc *descriptor.SancusNode, client *wire.Client, bc buildctx.BuildContext) *Node {
	return &Node{Desc: desc, Client: client, BC: bc}
}

func (n *Node) reactiveEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.ReactivePort}
}

func (n *Node) deployEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.DeployPort}
}

func asSancusModule(module any) (*Module, error) {
	m, ok := module.(*Module)
	if !ok {
		return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "module is not a sancus module")
	}
	return m, nil
}

// Deploy uploads the module's linked ELF over the Load channel: payload is
// NAME \0 VENDOR_ID(2) ELF_BYTES, response is sm_id(2) || symtab (trailing
// NUL dropped), per nodes/sancus.py.
func (n *Node) Deploy(ctx context.Context, module any) error {
	m, err := asSancusModule(module)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.deployDone {
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
	elfBytes, err := os.ReadFile(binaryPath)
	if err != nil {
		return apperrors.Wrap(apperrors.BuildArtifactMissing, "reading linked module elf", err)
	}

	payload := make([]byte, 0, len(m.Desc.Name)+1+2+len(elfBytes))
	payload = append(payload, []byte(m.Desc.Name)...)
	payload = append(payload, 0)
	payload = append(payload, wire.PackUint16(n.Desc.VendorID)...)
	payload = append(payload, elfBytes...)

	result, err := n.Client.SendLoad(ctx, n.Desc.Name, n.Desc.NeedLock, n.deployEndpoint(), payload)
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sancus load command", err)
	}
	if len(result.Payload) < 2 {
		return apperrors.New(apperrors.WireMalformedFrame, "sancus load response too short")
	}

	smID, err := wire.UnpackUint16(result.Payload[:2])
	if err != nil {
		return apperrors.Wrap(apperrors.WireMalformedFrame, "decoding sancus load response module id", err)
	}
	if smID == 0 {
		return apperrors.New(apperrors.WireBadResult, "sancus node rejected module deployment").
			WithDetail("module", m.Desc.Name)
	}

	symtab := result.Payload[2:]
	if len(symtab) > 0 {
		symtab = symtab[:len(symtab)-1] // drop trailing NUL
	}
	symtabPath, err := writeSymtab(n.BC, m.Desc.Name, symtab)
	if err != nil {
		return err
	}

	m.Desc.ID = smID
	m.Desc.Symtab = symtabPath
	m.mu.Lock()
	m.deployDone = true
	m.Desc.Deployed = true
	cell := m.setKeyCellOnce(func() ([]byte, error) {
		linked, err := m.link(ctx, n.BC, symtabPath)
		if err != nil {
			return nil, err
		}
		return deriveModuleKey(n.Desc.VendorKey, linked, m.Desc.Name)
	})
	m.mu.Unlock()

	_, err = cell.Get()
	return err
}

// Attest challenges the module over the shared local-MAC flow (SPONGENT),
// per nodes/sancus.py.
func (n *Node) Attest(ctx context.Context, module any) error {
	m, err := asSancusModule(module)
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

	err = backend.LocalMACAttest(ctx, n.Client, n.Desc.Name, n.Desc.NeedLock, n.reactiveEndpoint(),
		wire.PackUint16(moduleID), key, aead.CipherSPONGENT)
	if err != nil {
		return err
	}
	m.Desc.Attested = true
	return nil
}

// SetKey installs conn's key under AD = conn_id || io_index || nonce,
// Sancus-specific ordering (no leading cipher tag byte, unlike SGX/Native).
func (n *Node) SetKey(ctx context.Context, module any, connID uint16, idx *descriptor.ConnectionIndex, cipher aead.Cipher, key []byte) error {
	m, err := asSancusModule(module)
	if err != nil {
		return err
	}
	if cipher != aead.CipherSPONGENT {
		return apperrors.New(apperrors.ConfigUnsupportedPairing, "sancus modules only support spongent encryption")
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

	ad := wire.PackUint16(connID)
	ad = append(ad, wire.PackUint16(uint16(idx.Index))...)
	ad = append(ad, wire.PackUint16(nonce)...)

	enc, err := aead.For(aead.CipherSPONGENT)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sancus set_key command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sancus set_key rejected")
	}
	return nil
}

// Connect informs this node's Event Manager of a new outgoing connection;
// the HACK from nodes/sancus.py is preserved verbatim: a same-node
// destination is addressed as 0.0.0.0 so the Event Manager treats it as
// local.
func (n *Node) Connect(ctx context.Context, toModule any, connID uint16, toIP net.IP, toPort uint16, sameNode bool) error {
	m, err := asSancusModule(toModule)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sancus connect command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sancus connect rejected")
	}
	return nil
}

func (n *Node) Call(ctx context.Context, module any, entry string, arg []byte) ([]byte, error) {
	m, err := asSancusModule(module)
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
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sancus call command", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "sancus call rejected")
	}
	return result.Payload, nil
}

func (n *Node) Output(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) error {
	return remoteIO(ctx, n, wire.CommandRemoteOutput, conn, toModule, arg)
}

func (n *Node) Request(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) ([]byte, error) {
	m, err := asSancusModule(toModule)
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
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sancus remote_request", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "sancus remote_request rejected")
	}
	respAD := wire.PackUint16(conn.Nonce + 1)
	return enc.Decrypt(key, respAD, result.Payload)
}

func remoteIO(ctx context.Context, n *Node, cmd wire.Command, conn *descriptor.Connection, toModule any, arg []byte) error {
	m, err := asSancusModule(toModule)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sancus remote io command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sancus remote io rejected")
	}
	return nil
}

func (n *Node) RegisterEntrypoint(ctx context.Context, module any, entry string, frequencyMs uint32) error {
	m, err := asSancusModule(module)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sancus register_entrypoint command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sancus register_entrypoint rejected")
	}
	return nil
}

// Cleanup is a no-op for Sancus: the Event Manager is a long-lived board
// process, not something this tool starts or stops.
func (n *Node) Cleanup(ctx context.Context) error { return nil }
