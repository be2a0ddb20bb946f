// Package orchestrator implements the Config-level subcommands (build,
// deploy, attest, connect, register, call, output, request) that fan out
// over a descriptor.Config's nodes, modules, connections, and periodic
// events, grounded on reactivetools/config.py's install_async,
// connection.py's Connection.establish, and periodic_event.py's
// PeriodicEvent.register.
package orchestrator

import (
	"net"

	"github.com/sepidehpouyan/reactive-tools/internal/backend"
	"github.com/sepidehpouyan/reactive-tools/internal/backend/native"
	"github.com/sepidehpouyan/reactive-tools/internal/backend/sancus"
	"github.com/sepidehpouyan/reactive-tools/internal/backend/sgx"
	"github.com/sepidehpouyan/reactive-tools/internal/backend/trustzone"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// Registry wires a descriptor.Config's nodes and modules into their
// backend.NodeOps/backend.ModuleOps implementations, replacing the
// original's open class hierarchy (Node/Module subclasses, one per variant)
// with a closed set of constructors dispatched by type switch.
type Registry struct {
	cfg    *descriptor.Config
	client *wire.Client

	nodes      map[string]backend.NodeOps
	modules    map[string]backend.ModuleOps
	moduleNode map[string]string // module name -> owning node name
}

// NewRegistry constructs every node and module backend in cfg. bc is the
// shared build context (mode/workspace/build dir) threaded into every
// module's Build.
func NewRegistry(cfg *descriptor.Config, bc buildctx.BuildContext) (*Registry, error) {
	r := &Registry{
		cfg:        cfg,
		client:     wire.NewClient(),
		nodes:      make(map[string]backend.NodeOps, len(cfg.Nodes)),
		modules:    make(map[string]backend.ModuleOps, len(cfg.Modules)),
		moduleNode: make(map[string]string, len(cfg.Modules)),
	}

	for _, md := range cfg.Modules {
		common := descriptor.ModuleOf(md)
		if common == nil {
			return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "unknown module variant in descriptor")
		}
		r.moduleNode[common.Name] = common.NodeName

		var mod backend.ModuleOps
		switch v := md.(type) {
		case *descriptor.SancusModule:
			mod = sancus.New(v)
		case *descriptor.SgxModule:
			mod = sgx.New(v, 0)
		case *descriptor.NativeModule:
			mod = native.New(v)
		case *descriptor.TrustZoneModule:
			mod = trustzone.New(v)
		default:
			return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "unknown module variant in descriptor").
				WithDetail("module", common.Name)
		}
		r.modules[common.Name] = mod
	}

	for _, nd := range cfg.Nodes {
		common := descriptor.NodeOf(nd)
		if common == nil {
			return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "unknown node variant in descriptor")
		}

		var node backend.NodeOps
		switch v := nd.(type) {
		case *descriptor.SancusNode:
			node = sancus.New(v, r.client, bc)
		case *descriptor.SGXNode:
			node = sgx.New(v, r.client, bc)
		case *descriptor.NativeNode:
			node = native.New(v, r.client, bc)
		case *descriptor.TrustZoneNode:
			node = trustzone.New(v, r.client, bc, r.trustZoneNodeNumberOf)
		default:
			return nil, apperrors.New(apperrors.ConfigUnsupportedPairing, "unknown node variant in descriptor").
				WithDetail("node", common.Name)
		}
		r.nodes[common.Name] = node
	}

	return r, nil
}

// trustZoneNodeNumberOf resolves the to_node_number field TrustZone's
// Connect payload needs: toModule is one of this registry's backend module
// instances, so its owning node's NodeNumber is looked up through
// moduleNode. Returns 0 (same-node convention used when sameNode is true
// elsewhere) if the module or its node can't be resolved, which never
// happens for modules this registry itself constructed.
func (r *Registry) trustZoneNodeNumberOf(toModule any) uint16 {
	for name, mod := range r.modules {
		if mod == toModule {
			nodeName := r.moduleNode[name]
			if nd, err := r.cfg.GetNode(nodeName); err == nil {
				if tz, ok := nd.(*descriptor.TrustZoneNode); ok {
					return tz.NodeNumber
				}
			}
			return 0
		}
	}
	return 0
}

// Module returns the backend module wrapper for name.
func (r *Registry) Module(name string) (backend.ModuleOps, error) {
	m, ok := r.modules[name]
	if !ok {
		return nil, apperrors.New(apperrors.DescUnknownName, "no module with this name").WithDetail("name", name)
	}
	return m, nil
}

// NodeOf returns the backend node wrapper owning module name.
func (r *Registry) NodeOf(moduleName string) (backend.NodeOps, error) {
	nodeName, ok := r.moduleNode[moduleName]
	if !ok {
		return nil, apperrors.New(apperrors.DescUnknownName, "no module with this name").WithDetail("name", moduleName)
	}
	node, ok := r.nodes[nodeName]
	if !ok {
		return nil, apperrors.New(apperrors.DescUnknownName, "no node with this name").WithDetail("name", nodeName)
	}
	return node, nil
}

// Node returns the backend node wrapper by node name.
func (r *Registry) Node(name string) (backend.NodeOps, error) {
	n, ok := r.nodes[name]
	if !ok {
		return nil, apperrors.New(apperrors.DescUnknownName, "no node with this name").WithDetail("name", name)
	}
	return n, nil
}

// Nodes returns every constructed node backend, for Cleanup fan-out.
func (r *Registry) Nodes() map[string]backend.NodeOps {
	return r.nodes
}

// NodeAddress returns the reactive IP/port of the node hosting moduleName,
// the address Connect tells the source node to reach the destination
// module's node on.
func (r *Registry) NodeAddress(moduleName string) (net.IP, uint16, error) {
	nodeName, ok := r.moduleNode[moduleName]
	if !ok {
		return nil, 0, apperrors.New(apperrors.DescUnknownName, "no module with this name").WithDetail("name", moduleName)
	}
	nd, err := r.cfg.GetNode(nodeName)
	if err != nil {
		return nil, 0, err
	}
	common := descriptor.NodeOf(nd)
	return common.IPAddress, common.ReactivePort, nil
}

// SameNode reports whether moduleA and moduleB are deployed on the same
// node, the ambiguity Connection.establish's "TODO check if the module is
// the same" in the original never resolved — here it's resolved explicitly,
// since TrustZone's Connect payload zeroes the destination IP for same-node
// connections.
func (r *Registry) SameNode(moduleA, moduleB string) bool {
	return r.moduleNode[moduleA] == r.moduleNode[moduleB]
}
