// Package native implements the NodeOps/ModuleOps capability interfaces for
// untrusted ("native") nodes and modules, grounded on
// reactivetools/nodes/native.py and reactivetools/modules/native.py. Native
// modules share SGXBase's wire formats (SetKey/Connect/Call/...) almost
// entirely — only Deploy (no signature, no conversion step) and Attest (a
// no-op beyond resolving the build-time-embedded key) diverge.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/backend"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/procrun"
)

type codegenResult struct {
	Data map[string]any
	Key  []byte
}

// Module wraps a descriptor.NativeModule. Unlike SGX, the key itself is a
// product of code generation (embedded into the crate at build time), so
// the data table and the key are resolved together, by one generateCode
// call memoized in genCell.
type Module struct {
	Desc *descriptor.NativeModule

	mu        sync.Mutex
	genCell   *backend.Cell[codegenResult]
	buildCell *backend.Cell[string]
	deployed  bool

	codegenBC     buildctx.BuildContext
	codegenEMPort uint16
}

func New(desc *descriptor.NativeModule) *Module {
	m := &Module{Desc: desc}
	if desc.Binary != "" {
		m.buildCell = backend.Resolved(desc.Binary)
	}
	if desc.Data != nil || len(desc.Key) > 0 {
		m.genCell = backend.Resolved(codegenResult{Data: desc.Data, Key: desc.Key})
	}
	m.deployed = desc.Deployed
	return m
}

func (m *Module) SupportedNodeKinds() []descriptor.NodeKind {
	return []descriptor.NodeKind{descriptor.NodeNative}
}

func (m *Module) SupportedEncryption() []aead.Cipher {
	return []aead.Cipher{aead.CipherAESGCM, aead.CipherSPONGENT}
}

// PrepareCodegen records the build context and Event Manager deploy port
// generateCode needs; called by Node.Deploy before Build or any id/key
// lookup can run.
func (m *Module) PrepareCodegen(bc buildctx.BuildContext, emPort uint16) {
	m.mu.Lock()
	m.codegenBC, m.codegenEMPort = bc, emPort
	m.mu.Unlock()
}

func (m *Module) generateCode(ctx context.Context) (codegenResult, error) {
	m.mu.Lock()
	if m.genCell == nil {
		bc, emPort := m.codegenBC, m.codegenEMPort
		m.genCell = backend.NewCell(func() (codegenResult, error) {
			return runCodegen(ctx, bc, m.Desc, emPort)
		})
	}
	cell := m.genCell
	m.mu.Unlock()
	return cell.Get()
}

func runCodegen(ctx context.Context, bc buildctx.BuildContext, desc *descriptor.NativeModule, emPort uint16) (codegenResult, error) {
	folder := bc.ResolvePath(desc.Folder)
	output := filepath.Join(bc.BuildDir, desc.Name)
	if err := os.MkdirAll(output, 0o755); err != nil {
		return codegenResult{}, apperrors.Wrap(apperrors.BuildArtifactMissing, "creating native codegen output directory", err)
	}

	out, err := procrun.CaptureStdout(ctx, "rust-sgx-gen",
		"--input", folder,
		"--output", output,
		"--module-id", fmt.Sprintf("%d", desc.ID),
		"--em-port", fmt.Sprintf("%d", emPort),
		"--runner", "native",
	)
	if err != nil {
		return codegenResult{}, apperrors.Wrap(apperrors.BuildProcessFailed, "running rust-sgx-gen for native module", err)
	}

	var decoded struct {
		Data map[string]any `json:"data"`
		Key  string         `json:"key"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		return codegenResult{}, apperrors.Wrap(apperrors.BuildArtifactMissing, "parsing rust-sgx-gen output", err)
	}
	key := []byte(decoded.Key)
	return codegenResult{Data: decoded.Data, Key: key}, nil
}

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
	if _, err := m.generateCode(ctx); err != nil {
		return "", err
	}
	output := filepath.Join(bc.BuildDir, m.Desc.Name)

	var releaseFlag []string
	if bc.Mode == buildctx.ModeRelease {
		releaseFlag = []string{"--release"}
	}
	var featureFlags []string
	if len(m.Desc.Features) > 0 {
		featureFlags = append([]string{"--features"}, m.Desc.Features...)
	}

	args := append([]string{"build"}, releaseFlag...)
	args = append(args, featureFlags...)
	args = append(args, "--manifest-path="+filepath.Join(output, "Cargo.toml"))
	if err := procrun.Run(ctx, "cargo", args...); err != nil {
		return "", apperrors.Wrap(apperrors.BuildProcessFailed, "building native module crate", err)
	}

	binary := filepath.Join(output, "target", bc.Mode.String(), m.Desc.Folder)
	return binary, nil
}

func (m *Module) GetID(ctx context.Context) (uint16, error) { return m.Desc.ID, nil }

func (m *Module) GetKey(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	cell := m.genCell
	m.mu.Unlock()
	if cell == nil {
		return nil, apperrors.New(apperrors.PreflightNotAttested, "native module key requested before code generation").
			WithDetail("module", m.Desc.Name)
	}
	r, err := cell.Get()
	if err != nil {
		return nil, err
	}
	return r.Key, nil
}

func (m *Module) dataField(ctx context.Context, field, name string) (int, error) {
	return descriptor.ResolveEndpointID(name, func(n string) (int, error) {
		r, err := m.generateCode(ctx)
		if err != nil {
			return 0, err
		}
		table, _ := r.Data[field].(map[string]any)
		if table == nil {
			return 0, apperrors.New(apperrors.NoSuchEndpoint, "native module has no "+field+" table").
				WithDetail("module", m.Desc.Name)
		}
		v, ok := table[n]
		if !ok {
			return 0, apperrors.New(apperrors.NoSuchEndpoint, "native module has no such "+field+" entry").
				WithDetail("module", m.Desc.Name).WithDetail("name", n)
		}
		return toInt(v), nil
	})
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (m *Module) GetInputID(ctx context.Context, name string) (int, error) {
	return m.dataField(ctx, "inputs", name)
}
func (m *Module) GetOutputID(ctx context.Context, name string) (int, error) {
	return m.dataField(ctx, "outputs", name)
}
func (m *Module) GetEntryID(ctx context.Context, name string) (int, error) {
	return m.dataField(ctx, "entrypoints", name)
}
func (m *Module) GetRequestID(ctx context.Context, name string) (int, error) {
	return m.dataField(ctx, "requests", name)
}
func (m *Module) GetHandlerID(ctx context.Context, name string) (int, error) {
	return m.dataField(ctx, "handlers", name)
}
