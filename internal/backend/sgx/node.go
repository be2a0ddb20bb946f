package sgx

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

// Node wraps a descriptor.SGXNode and the shared wire client used to talk to
// its Event Manager (need_lock=false: SGX nodes accept concurrent reactive
// connections, unlike Sancus).
type Node struct {
	Desc   *descriptor.SGXNode
	Client *wire.Client
	BC     buildctx.BuildContext
}

func New(desc *descriptor.SGXNode, client *wire.Client, bc buildctx.BuildContext) *Node {
	return &Node{Desc: desc, Client: client, BC: bc}
}

func (n *Node) reactiveEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.ReactivePort}
}

func (n *Node) deployEndpoint() wire.Endpoint {
	return wire.Endpoint{IP: n.Desc.IPAddress, Port: n.Desc.DeployPort}
}

func asSGXModule(module any) (*Module, error) {
	m, ok := module.(*Module)
	if !ok {
		return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "module is not an sgx module")
	}
	return m, nil
}

// assignModuleID allocates the next free slot on this node, mirroring
// get_module_id() in nodes/sgx.py: a simple per-node monotone counter
// starting at 1, handed out once per module and never reused.
func (n *Node) assignModuleID(m *Module) uint16 {
	if m.Desc.ID != 0 {
		return m.Desc.ID
	}
	id := n.Desc.ModuleIDCounter
	n.Desc.ModuleIDCounter++
	m.Desc.ID = id
	m.ReactivePort = n.Desc.ReactivePort + id
	return id
}

// Deploy converts/signs the enclave if needed and uploads it over the Load
// channel: payload is sgxs_len(4) || sgxs || sig_len(4) || sig. Unlike
// Sancus, the response carries no module id to validate against zero —
// nodes/sgx.py's deploy trusts the upload unconditionally.
func (n *Node) Deploy(ctx context.Context, module any) error {
	m, err := asSGXModule(module)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.deployOnce {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	n.assignModuleID(m)

	spk, err := ensureSPKeys(ctx, n.BC.BuildDir)
	if err != nil {
		return err
	}
	m.PrepareCodegen(n.BC, spk.publicPEM)

	sgxsPath, sigPath, err := m.convertSignPaths(ctx, n.BC)
	if err != nil {
		return err
	}

	sgxsBytes, err := os.ReadFile(sgxsPath)
	if err != nil {
		return apperrors.Wrap(apperrors.BuildArtifactMissing, "reading sgxs enclave image", err)
	}
	sigBytes, err := os.ReadFile(sigPath)
	if err != nil {
		return apperrors.Wrap(apperrors.BuildArtifactMissing, "reading sgx enclave signature", err)
	}

	payload := make([]byte, 0, 8+len(sgxsBytes)+len(sigBytes))
	payload = append(payload, wire.PackUint32(uint32(len(sgxsBytes)))...)
	payload = append(payload, sgxsBytes...)
	payload = append(payload, wire.PackUint32(uint32(len(sigBytes)))...)
	payload = append(payload, sigBytes...)

	_, err = n.Client.SendLoad(ctx, n.Desc.Name, n.Desc.NeedLock, n.deployEndpoint(), payload)
	if err != nil {
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sgx load command", err)
	}

	m.mu.Lock()
	m.deployOnce = true
	m.Desc.Deployed = true
	m.mu.Unlock()
	return nil
}

func (m *Module) convertSignPaths(ctx context.Context, bc buildctx.BuildContext) (string, string, error) {
	pair, err := m.convertSign(ctx, bc)
	if err != nil {
		return "", "", err
	}
	return pair[0], pair[1], nil
}

// Attest runs the external ra_sp/ra_client remote-attestation flow, not the
// shared local-MAC challenge used by Sancus/TrustZone: the SGX node's own
// enclave port serves the RA protocol directly, per __remote_attestation in
// modules/sgx.py.
func (n *Node) Attest(ctx context.Context, module any) error {
	m, err := asSGXModule(module)
	if err != nil {
		return err
	}

	spk, err := ensureSPKeys(ctx, n.BC.BuildDir)
	if err != nil {
		return err
	}
	if _, err := ensureRASP(ctx, spk.privatePath, n.Desc.AESMPort); err != nil {
		return apperrors.Wrap(apperrors.AttestHelperFailed, "starting ra_sp service", err)
	}
	iasCert, err := ensureIASCert(ctx, n.BC.BuildDir)
	if err != nil {
		return err
	}

	raSettings := m.Desc.RASettings
	_, sigPath, err := m.convertSignPaths(ctx, n.BC)
	if err != nil {
		return err
	}

	cell := m.setKeyCellOnce(func() ([]byte, error) {
		return runRemoteAttestation(ctx, iasCert, n.Desc.IPAddress.String(), m.ReactivePort, raSettings, sigPath)
	})
	if _, err := cell.Get(); err != nil {
		return err
	}
	m.Desc.Attested = true
	return nil
}

// SetKey installs conn's key under AD = cipher(1) || conn_id(2) || io_id(2)
// || nonce(2) — SGXBase.set_key's layout, distinct from Sancus's ordering
// (no leading cipher byte there). The wrapping operation itself is always
// AES-GCM regardless of conn's chosen data cipher: the key-delivery channel
// to the enclave is secured independently of the application-level payload
// cipher.
func (n *Node) SetKey(ctx context.Context, module any, connID uint16, idx *descriptor.ConnectionIndex, cipher aead.Cipher, key []byte) error {
	m, err := asSGXModule(module)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sgx set_key command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sgx set_key rejected")
	}
	return nil
}

func (n *Node) Connect(ctx context.Context, toModule any, connID uint16, toIP net.IP, toPort uint16, sameNode bool) error {
	m, err := asSGXModule(toModule)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sgx connect command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sgx connect rejected")
	}
	return nil
}

func (n *Node) Call(ctx context.Context, module any, entry string, arg []byte) ([]byte, error) {
	m, err := asSGXModule(module)
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
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sgx call command", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "sgx call rejected")
	}
	return result.Payload, nil
}

func (n *Node) Output(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) error {
	return n.remoteIO(ctx, wire.CommandRemoteOutput, conn, toModule, arg)
}

func (n *Node) Request(ctx context.Context, conn *descriptor.Connection, toModule any, arg []byte) ([]byte, error) {
	m, err := asSGXModule(toModule)
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
		return nil, apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sgx remote_request", err)
	}
	if !result.Ok() {
		return nil, apperrors.New(apperrors.WireBadResult, "sgx remote_request rejected")
	}
	respAD := wire.PackUint16(conn.Nonce + 1)
	return enc.Decrypt(key, respAD, result.Payload)
}

func (n *Node) remoteIO(ctx context.Context, cmd wire.Command, conn *descriptor.Connection, toModule any, arg []byte) error {
	m, err := asSGXModule(toModule)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sgx remote io command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sgx remote io rejected")
	}
	return nil
}

func (n *Node) RegisterEntrypoint(ctx context.Context, module any, entry string, frequencyMs uint32) error {
	m, err := asSGXModule(module)
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
		return apperrors.Wrap(apperrors.WireUnexpectedEOF, "sending sgx register_entrypoint command", err)
	}
	if !result.Ok() {
		return apperrors.New(apperrors.WireBadResult, "sgx register_entrypoint rejected")
	}
	return nil
}

// Cleanup stops the shared ra_sp service. Safe even if Attest was never
// called for any module on this node (ensureRASP never ran).
func (n *Node) Cleanup(ctx context.Context) error {
	return cleanupRASP()
}
