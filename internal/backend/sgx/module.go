// Package sgx implements the NodeOps/ModuleOps capability interfaces for SGX
// (Fortanix/EGo-style) nodes and modules, grounded on
// reactivetools/nodes/sgx.py and reactivetools/modules/sgx.py.
package sgx

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

const sgxTarget = "x86_64-fortanix-unknown-sgx"

// Module wraps a descriptor.SgxModule with the memoized codegen/build/
// convert-sign/attest futures the original keeps as per-instance asyncio
// futures (only the SP keypair and ra_sp process are process-wide, see
// keys.go).
type Module struct {
	Desc *descriptor.SgxModule

	mu           sync.Mutex
	dataCell     *backend.Cell[map[string]any]
	buildCell    *backend.Cell[string]
	sgxsCell     *backend.Cell[[2]string] // [sgxs path, signature path]
	keyCell      *backend.Cell[[]byte]
	deployOnce   bool
	ReactivePort uint16 // node.reactive_port + id, the enclave's own listening port

	// codegenBC/codegenSPKey are stashed by Node.Deploy before the first
	// generateCode call; Get*ID methods have no build-context parameter of
	// their own (ModuleOps is variant-agnostic), so codegen is always
	// triggered from Deploy and merely read back here.
	codegenBC    buildctx.BuildContext
	codegenSPKey string
}

func New(desc *descriptor.SgxModule, reactivePort uint16) *Module {
	m := &Module{Desc: desc, ReactivePort: reactivePort}
	if desc.Binary != "" {
		m.buildCell = backend.Resolved(desc.Binary)
	}
	if desc.SGXS != "" && desc.Signature != "" {
		m.sgxsCell = backend.Resolved([2]string{desc.SGXS, desc.Signature})
	}
	if len(desc.Key) > 0 {
		m.keyCell = backend.Resolved(desc.Key)
	}
	if desc.Data != nil {
		m.dataCell = backend.Resolved(desc.Data)
	}
	m.deployOnce = desc.Deployed
	return m
}

func (m *Module) SupportedNodeKinds() []descriptor.NodeKind {
	return []descriptor.NodeKind{descriptor.NodeSGX}
}

func (m *Module) SupportedEncryption() []aead.Cipher {
	return []aead.Cipher{aead.CipherAESGCM, aead.CipherSPONGENT}
}

// PrepareCodegen records the build context and SP public key that
// generateCode needs; called once by Node.Deploy before any endpoint-id
// lookup can run.
func (m *Module) PrepareCodegen(bc buildctx.BuildContext, spPubKey string) {
	m.mu.Lock()
	m.codegenBC, m.codegenSPKey = bc, spPubKey
	m.mu.Unlock()
}

// generateCode shells out to the rust-sgx-gen code generator, which emits
// the module's endpoint tables (inputs/outputs/entrypoints/handlers/
// requests) as JSON on stdout, replacing the original's direct
// `import rustsgxgen` call (a Python-only library with no Go port).
func (m *Module) generateCode(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	if m.dataCell == nil {
		bc, spPubKey := m.codegenBC, m.codegenSPKey
		m.dataCell = backend.NewCell(func() (map[string]any, error) {
			return runCodegen(ctx, bc, m.Desc, spPubKey)
		})
	}
	cell := m.dataCell
	m.mu.Unlock()
	return cell.Get()
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
	folder := bc.ResolvePath(m.folder())
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
	args = append(args, "--target="+sgxTarget, "--manifest-path="+filepath.Join(folder, "Cargo.toml"))
	if err := procrun.Run(ctx, "cargo", args...); err != nil {
		return "", apperrors.Wrap(apperrors.BuildProcessFailed, "building sgx enclave crate", err)
	}

	binary := filepath.Join(output, "target", sgxTarget, bc.Mode.String(), m.folder())
	return binary, nil
}

func (m *Module) folder() string {
	if m.Desc.Name == "" {
		return "module"
	}
	return m.Desc.Name
}

// convertSign converts the linked binary to .sgxs and signs it with the
// module's vendor key, mirroring __convert_sign.
func (m *Module) convertSign(ctx context.Context, bc buildctx.BuildContext) ([2]string, error) {
	m.mu.Lock()
	if m.sgxsCell == nil {
		m.sgxsCell = backend.NewCell(func() ([2]string, error) {
			return m.doConvertSign(ctx, bc)
		})
	}
	cell := m.sgxsCell
	m.mu.Unlock()
	return cell.Get()
}

func (m *Module) doConvertSign(ctx context.Context, bc buildctx.BuildContext) ([2]string, error) {
	if err := m.Build(ctx, bc); err != nil {
		return [2]string{}, err
	}
	binary, err := m.buildCell.Get()
	if err != nil {
		return [2]string{}, err
	}

	var debugFlag []string
	if bc.Mode == buildctx.ModeDebug {
		debugFlag = []string{"--debug"}
	}

	sgxs := binary + ".sgxs"
	sig := binary + ".sig"

	convertArgs := append([]string{binary, "--heap-size", "0x20000", "--stack-size", "0x20000", "--threads", "4"}, debugFlag...)
	if err := procrun.Run(ctx, "ftxsgx-elf2sgxs", convertArgs...); err != nil {
		return [2]string{}, apperrors.Wrap(apperrors.BuildProcessFailed, "converting sgx enclave to sgxs", err)
	}

	signArgs := append([]string{"--key", bc.ResolvePath(m.Desc.VendorKey), sgxs, sig}, debugFlag...)
	signArgs = append(signArgs, "--xfrm", "7/0", "--isvprodid", "0", "--isvsvn", "0")
	if err := procrun.Run(ctx, "sgxs-sign", signArgs...); err != nil {
		return [2]string{}, apperrors.Wrap(apperrors.BuildProcessFailed, "signing sgx enclave", err)
	}

	return [2]string{sgxs, sig}, nil
}

func (m *Module) GetID(ctx context.Context) (uint16, error) {
	return m.Desc.ID, nil
}

func (m *Module) GetKey(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	cell := m.keyCell
	m.mu.Unlock()
	if cell == nil {
		return nil, apperrors.New(apperrors.PreflightNotAttested, "sgx module key requested before remote attestation").
			WithDetail("module", m.Desc.Name)
	}
	return cell.Get()
}

func (m *Module) setKeyCellOnce(fn func() ([]byte, error)) *backend.Cell[[]byte] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyCell == nil {
		m.keyCell = backend.NewCell(fn)
	}
	return m.keyCell
}

func (m *Module) dataField(ctx context.Context, field, name string) (int, error) {
	return descriptor.ResolveEndpointID(name, func(n string) (int, error) {
		data, err := m.generateCode(ctx)
		if err != nil {
			return 0, err
		}
		table, _ := data[field].(map[string]any)
		if table == nil {
			return 0, apperrors.New(apperrors.NoSuchEndpoint, "sgx module has no "+field+" table").
				WithDetail("module", m.Desc.Name)
		}
		v, ok := table[n]
		if !ok {
			return 0, apperrors.New(apperrors.NoSuchEndpoint, "sgx module has no such "+field+" entry").
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

func runCodegen(ctx context.Context, bc buildctx.BuildContext, desc *descriptor.SgxModule, spPubKey string) (map[string]any, error) {
	folder := bc.ResolvePath(folderOf(desc))
	output := filepath.Join(bc.BuildDir, desc.Name)
	if err := os.MkdirAll(output, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.BuildArtifactMissing, "creating sgx codegen output directory", err)
	}

	out, err := procrun.CaptureStdout(ctx, "rust-sgx-gen",
		"--input", folder,
		"--output", output,
		"--module-id", fmt.Sprintf("%d", desc.ID),
		"--sp-key", spPubKey,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.BuildProcessFailed, "running rust-sgx-gen", err)
	}
	return parseCodegenJSON(out)
}

func folderOf(desc *descriptor.SgxModule) string {
	if v, ok := desc.Data["folder"].(string); ok && v != "" {
		return v
	}
	return desc.Name
}

// parseCodegenJSON decodes rust-sgx-gen's stdout: a JSON object with
// "inputs"/"outputs"/"entrypoints"/"handlers"/"requests" tables mapping
// endpoint name to numeric id.
func parseCodegenJSON(out []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.BuildArtifactMissing, "parsing rust-sgx-gen output", err)
	}
	return data, nil
}
