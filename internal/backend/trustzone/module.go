// Package trustzone implements the NodeOps/ModuleOps capability interfaces
// for ARM TrustZone (OP-TEE) nodes and modules, grounded on
// reactivetools/nodes/trustzone.py and reactivetools/modules/trustzone.py.
// TrustZone shares Sancus's local-MAC challenge/response attestation shape
// but identifies modules by a 16-byte id field everywhere on the wire,
// instead of Sancus's 2-byte module id.
package trustzone

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/backend"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/procrun"
)

// Module wraps a descriptor.TrustZoneModule.
type Module struct {
	Desc *descriptor.TrustZoneModule

	mu        sync.Mutex
	buildCell *backend.Cell[string]
	deployed  bool
	attested  bool
}

func New(desc *descriptor.TrustZoneModule) *Module {
	m := &Module{Desc: desc}
	if desc.Binary != "" {
		m.buildCell = backend.Resolved(desc.Binary)
	}
	m.deployed = desc.Deployed
	m.attested = desc.Attested
	if desc.UUID == "" {
		desc.UUID = uuidForID(desc.ID)
	}
	return m
}

// uuidForID replicates modules/trustzone.py's __build: the module id
// zero-extended to a 32-digit hex string and reformatted with UUID dashes
// (8-4-4-4-12). The original never draws randomness or a namespace hash for
// this value — it is plain zero-padded hex of the integer id — so this
// builds a uuid.UUID directly from the same 16 big-endian bytes the wire
// protocol uses (IDBytes) and lets its String method produce the dashed
// form, rather than generating or parsing an actual UUID.
func uuidForID(id uint16) string {
	return idBytes(id).String()
}

func idBytes(id uint16) uuid.UUID {
	var b uuid.UUID
	b[14] = byte(id >> 8)
	b[15] = byte(id)
	return b
}

// IDBytes returns the module id as the 16-byte big-endian value every
// TrustZone wire payload embeds (module.id.to_bytes(16, 'big')).
func (m *Module) IDBytes() []byte {
	b := idBytes(m.Desc.ID)
	return b[:]
}

func (m *Module) SupportedNodeKinds() []descriptor.NodeKind {
	return []descriptor.NodeKind{descriptor.NodeTrustZone}
}

func (m *Module) SupportedEncryption() []aead.Cipher {
	return []aead.Cipher{aead.CipherAESGCM, aead.CipherSPONGENT}
}

// Build cross-compiles the trusted application with OP-TEE's TA dev kit,
// naming the output binary after the module's UUID, per __build.
func (m *Module) Build(ctx context.Context, bc buildctx.BuildContext) error {
	m.mu.Lock()
	if m.buildCell == nil {
		m.buildCell = backend.NewCell(func() (string, error) {
			return m.build(ctx, bc)
		})
	}
	cell := m.buildCell
	m.mu.Unlock()
	_, err := cell.Get()
	return err
}

func (m *Module) build(ctx context.Context, bc buildctx.BuildContext) (string, error) {
	dir := bc.ResolvePath(m.Desc.FilesDir + "/" + m.Desc.Name)
	uuid := m.Desc.UUID
	if uuid == "" {
		uuid = uuidForID(m.Desc.ID)
	}

	args := []string{
		"-C", dir,
		"CROSS_COMPILE=arm-linux-gnueabihf-",
		"PLATFORM=vexpress-qemu_virt",
		"TA_DEV_KIT_DIR=/optee/optee_os/out/arm/export-ta_arm32",
		"BINARY=" + uuid,
	}
	if err := procrun.Run(ctx, "make", args...); err != nil {
		return "", apperrors.Wrap(apperrors.BuildProcessFailed, "building trustzone trusted application", err)
	}
	return dir + "/" + uuid + ".ta", nil
}

func (m *Module) GetID(ctx context.Context) (uint16, error) { return m.Desc.ID, nil }

func (m *Module) GetKey(ctx context.Context) ([]byte, error) {
	if len(m.Desc.Key) == 0 {
		return nil, apperrors.New(apperrors.PreflightNotDeployed, "trustzone module has no key configured").
			WithDetail("module", m.Desc.Name)
	}
	return m.Desc.Key, nil
}

func (m *Module) GetInputID(ctx context.Context, name string) (int, error) {
	return descriptor.ResolveEndpointID(name, func(n string) (int, error) { return lookup(m.Desc.Inputs, n, "inputs") })
}
func (m *Module) GetOutputID(ctx context.Context, name string) (int, error) {
	return descriptor.ResolveEndpointID(name, func(n string) (int, error) { return lookup(m.Desc.Outputs, n, "outputs") })
}
func (m *Module) GetEntryID(ctx context.Context, name string) (int, error) {
	return descriptor.ResolveEndpointID(name, func(n string) (int, error) { return lookup(m.Desc.Entrypoints, n, "entrypoints") })
}

// GetRequestID/GetHandlerID: the original TrustZoneModule carries no
// separate requests/handlers tables (only inputs/outputs/entrypoints), so
// these resolve against the same entrypoint table a handler is registered
// under.
func (m *Module) GetRequestID(ctx context.Context, name string) (int, error) {
	return m.GetEntryID(ctx, name)
}
func (m *Module) GetHandlerID(ctx context.Context, name string) (int, error) {
	return m.GetEntryID(ctx, name)
}

func lookup(table map[string]int, name, field string) (int, error) {
	if table == nil {
		return 0, apperrors.New(apperrors.NoSuchEndpoint, "trustzone module has no "+field+" table")
	}
	id, ok := table[name]
	if !ok {
		return 0, apperrors.New(apperrors.NoSuchEndpoint, "trustzone module has no such "+field+" entry").
			WithDetail("name", name)
	}
	return id, nil
}
