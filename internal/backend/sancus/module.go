// Package sancus implements the NodeOps/ModuleOps capability interfaces for
// Sancus lightweight-MCU nodes and modules, grounded on
// reactivetools/nodes/sancus.py and reactivetools/modules/sancus.py.
package sancus

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/backend"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/procrun"
)

// Module wraps a descriptor.SancusModule with the memoized build/deploy/key
// futures the original keeps as asyncio.Future attributes.
type Module struct {
	Desc *descriptor.SancusModule

	mu         sync.Mutex
	buildCell  *backend.Cell[string] // resolves to the linked .elf path
	deployDone bool
	keyCell    *backend.Cell[[]byte]
}

func New(desc *descriptor.SancusModule) *Module {
	m := &Module{Desc: desc}
	if desc.Binary != "" {
		m.buildCell = backend.Resolved(desc.Binary)
	}
	if len(desc.Key) > 0 {
		m.keyCell = backend.Resolved(desc.Key)
	}
	m.deployDone = desc.Deployed
	return m
}

func (m *Module) SupportedNodeKinds() []descriptor.NodeKind {
	return []descriptor.NodeKind{descriptor.NodeSancus}
}

func (m *Module) SupportedEncryption() []aead.Cipher {
	return []aead.Cipher{aead.CipherSPONGENT}
}

// Build compiles every source file in parallel, then links the result,
// mirroring __build in modules/sancus.py. The per-module build is memoized
// so concurrent callers (e.g. two connections sharing this module) share one
// compilation.
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
	dir, err := bc.ModuleDir(m.Desc.Name)
	if err != nil {
		return "", err
	}

	cflags, ldflags := buildFlags(bc.Mode)
	cflags = append(cflags, m.Desc.CFlags...)
	ldflags = append(ldflags, m.Desc.LDFlags...)

	objects := make([]string, len(m.Desc.Files))
	var wg sync.WaitGroup
	errs := make([]error, len(m.Desc.Files))
	for i, src := range m.Desc.Files {
		i, src := i, bc.ResolvePath(src)
		obj := filepath.Join(dir, fmt.Sprintf("obj%d.o", i))
		objects[i] = obj
		wg.Add(1)
		go func() {
			defer wg.Done()
			args := append(append([]string{}, cflags...), "-c", "-o", obj, src)
			errs[i] = procrun.Run(ctx, "sancus-cc", args...)
		}()
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return "", apperrors.Wrap(apperrors.BuildProcessFailed, "compiling sancus module source", e)
		}
	}

	if !hasNumConnectionsFlag(ldflags) {
		ldflags = append(ldflags, "--num-connections", itoa(m.Desc.Connections))
	}

	binary := filepath.Join(dir, m.Desc.Name+".elf")
	args := append(append([]string{}, ldflags...), "-o", binary)
	args = append(args, objects...)
	if err := procrun.Run(ctx, "sancus-ld", args...); err != nil {
		return "", apperrors.Wrap(apperrors.BuildProcessFailed, "linking sancus module", err)
	}
	return binary, nil
}

func buildFlags(mode buildctx.Mode) (cflags, ldflags []string) {
	if mode == buildctx.ModeDebug {
		return []string{"--debug"}, []string{"--debug", "--inline-arithmetic"}
	}
	return nil, []string{"--inline-arithmetic"}
}

func hasNumConnectionsFlag(flags []string) bool {
	for _, f := range flags {
		if strings.Contains(f, "--num-connections") {
			return true
		}
	}
	return false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// link produces the final .elf linked against the symtab the node's Load
// response returned (msp430-ld -T symtab ... --noinhibit-exec), from which
// the module key is derived. Symbol-derived endpoint IDs are read from the
// built .elf (buildCell), not from this linked one.
func (m *Module) link(ctx context.Context, bc buildctx.BuildContext, symtab string) (string, error) {
	if err := m.Build(ctx, bc); err != nil {
		return "", err
	}
	built, err := m.buildCell.Get()
	if err != nil {
		return "", err
	}
	dir, err := bc.ModuleDir(m.Desc.Name)
	if err != nil {
		return "", err
	}
	linked := filepath.Join(dir, m.Desc.Name+"-linked.elf")
	if err := procrun.Run(ctx, "msp430-ld", "-T", symtab, "-o", linked, "--noinhibit-exec", built); err != nil {
		return "", apperrors.Wrap(apperrors.BuildProcessFailed, "linking sancus module against symtab", err)
	}
	return linked, nil
}

func (m *Module) GetID(ctx context.Context) (uint16, error) {
	return m.Desc.ID, nil
}

// setKeyCellOnce installs the key-derivation Cell the first time it's
// needed; called by Node.Deploy once the module has been linked against its
// symtab and its key can be derived.
func (m *Module) setKeyCellOnce(fn func() ([]byte, error)) *backend.Cell[[]byte] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyCell == nil {
		m.keyCell = backend.NewCell(fn)
	}
	return m.keyCell
}

func (m *Module) GetKey(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	cell := m.keyCell
	m.mu.Unlock()
	if cell == nil {
		return nil, apperrors.New(apperrors.PreflightNotDeployed, "module key requested before deploy").
			WithDetail("module", m.Desc.Name)
	}
	return cell.Get()
}

func (m *Module) ioIndex(name string) (int, error) {
	return descriptor.ResolveEndpointID(name, func(n string) (int, error) {
		return m.symbolIndex(fmt.Sprintf("__sm_%s_io_%s_idx", m.Desc.Name, n), n)
	})
}

func (m *Module) GetInputID(ctx context.Context, name string) (int, error)   { return m.ioIndex(name) }
func (m *Module) GetOutputID(ctx context.Context, name string) (int, error)  { return m.ioIndex(name) }
func (m *Module) GetRequestID(ctx context.Context, name string) (int, error) { return m.ioIndex(name) }
func (m *Module) GetHandlerID(ctx context.Context, name string) (int, error) { return m.ioIndex(name) }

func (m *Module) GetEntryID(ctx context.Context, name string) (int, error) {
	return descriptor.ResolveEndpointID(name, func(n string) (int, error) {
		return m.symbolIndex(fmt.Sprintf("__sm_%s_entry_%s_idx", m.Desc.Name, n), n)
	})
}

func (m *Module) symbolIndex(symName, endpoint string) (int, error) {
	m.mu.Lock()
	cell := m.buildCell
	m.mu.Unlock()
	if cell == nil {
		return 0, apperrors.New(apperrors.PreflightNotDeployed, "symbol lookup before build").WithDetail("module", m.Desc.Name)
	}
	binary, err := cell.Get()
	if err != nil {
		return 0, err
	}

	f, err := os.Open(binary)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.BuildArtifactMissing, "opening module elf for symbol lookup", err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.BuildArtifactMissing, "parsing module elf", err)
	}
	syms, err := ef.Symbols()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.BuildArtifactMissing, "reading elf symbol table", err)
	}
	for _, s := range syms {
		if s.Name == symName && s.Section != elf.SHN_UNDEF {
			return int(s.Value), nil
		}
	}
	return 0, apperrors.New(apperrors.NoSuchEndpoint, "module has no such endpoint").
		WithDetail("module", m.Desc.Name).WithDetail("endpoint", endpoint)
}
