// Package descriptor holds the network descriptor data model (nodes,
// modules, connections, periodic events, and the top-level Config
// aggregate), its JSON/YAML codec, and declarative validation rules.
package descriptor

import (
	"net"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
)

// NodeKind is the closed tagged enum distinguishing node variants, replacing
// the original's abstract-class-plus-registry dispatch with a compile-time
// exhaustive match.
type NodeKind uint8

const (
	NodeSancus NodeKind = iota
	NodeSGX
	NodeNative
	NodeTrustZone
)

func (k NodeKind) String() string {
	switch k {
	case NodeSancus:
		return "sancus"
	case NodeSGX:
		return "sgx"
	case NodeNative:
		return "native"
	case NodeTrustZone:
		return "trustzone"
	default:
		return "unknown"
	}
}

// Node is the common, variant-independent state of every node, embedded by
// each variant struct below.
type Node struct {
	Kind         NodeKind
	Name         string
	IPAddress    net.IP
	ReactivePort uint16
	DeployPort   uint16

	// ModuleIDCounter is the next free module-slot index on this node,
	// assigned to modules that don't already carry an explicit id.
	ModuleIDCounter uint16

	// NeedLock reports whether this node's Event Manager accepts only one
	// reactive-channel connection at a time (true for Sancus).
	NeedLock bool
}

// SancusNode adds the vendor keying material a Sancus node's module keys
// are client-side derived from.
type SancusNode struct {
	Node
	VendorID  uint16
	VendorKey []byte
}

// SGXNode adds the AESM port used by the local attestation helper; its
// per-module id counter is the ModuleIDCounter every Node carries.
type SGXNode struct {
	Node
	AESMPort uint16
}

// NativeNode has no attributes beyond the common Node fields.
type NativeNode struct {
	Node
}

// TrustZoneNode adds the node number used in the Connect payload's
// to_node_number field.
type TrustZoneNode struct {
	Node
	NodeNumber uint16
}

// ModuleKind is the closed tagged enum distinguishing module variants.
type ModuleKind uint8

const (
	ModuleSancus ModuleKind = iota
	ModuleSGX
	ModuleNative
	ModuleTrustZone
)

func (k ModuleKind) String() string {
	switch k {
	case ModuleSancus:
		return "sancus"
	case ModuleSGX:
		return "sgx"
	case ModuleNative:
		return "native"
	case ModuleTrustZone:
		return "trustzone"
	default:
		return "unknown"
	}
}

// Module is the common, variant-independent state of every module.
type Module struct {
	Kind     ModuleKind
	Name     string
	NodeName string

	// Priority, if non-nil, orders this module's deployment ahead of the
	// unprioritized remainder, ascending.
	Priority *int

	Deployed bool
	Attested bool

	// Nonce is the per-module monotone u16 counter folded into every
	// SetKey AD. It is never decremented.
	Nonce uint16

	// Connections is a reference count of incident connections, bumped
	// at descriptor-load time.
	Connections int

	Binary string
	Key    []byte
}

// SancusModule adds the build inputs/outputs specific to Sancus's
// compile-then-link toolchain.
type SancusModule struct {
	Module
	Files   []string
	CFlags  []string
	LDFlags []string
	ID      uint16
	Symtab  string // path to the .ld linker-script file dumped from deploy
}

// SgxModule adds the vendor keypair, remote-attestation settings, and the
// derived SGXS/signature artifacts.
type SgxModule struct {
	Module
	VendorKey  string
	RASettings string
	Features   []string
	SGXS       string
	Signature  string
	Data       map[string]any

	// ID is this module's slot index on its node, assigned from the node's
	// ModuleIDCounter at deploy time (get_module_id() in nodes/sgx.py).
	ID uint16
}

// NativeModule adds the untrusted build's feature list and generated data
// dictionary (endpoint-index mappings plus the embedded symmetric key).
type NativeModule struct {
	Module
	Features []string
	Data     map[string]any

	// ID and Port mirror SgxModule's fields: a node-assigned slot index and
	// the enclave-equivalent reactive port (node.reactive_port + id, unless
	// explicitly overridden).
	ID     uint16
	Port   uint16
	Folder string
}

// TrustZoneModule adds the TA source directory, its input/output/entrypoint
// tables, and the UUID deterministically derived from ID.
type TrustZoneModule struct {
	Module
	FilesDir    string
	Inputs      map[string]int
	Outputs     map[string]int
	Entrypoints map[string]int
	ID          uint16
	UUID        string
}

// ConnectionIO identifies which of a module's four endpoint kinds a
// ConnectionIndex resolves against.
type ConnectionIO uint8

const (
	ConnIOOutput ConnectionIO = iota
	ConnIOInput
	ConnIORequest
	ConnIOHandler
)

// ConnectionIndex names one endpoint (by kind + name) and memoizes its
// resolved numeric index the first time it's needed.
type ConnectionIndex struct {
	Type ConnectionIO
	Name string

	resolved bool
	Index    int
}

// Connection is a named, keyed conduit between two module endpoints, or
// (when Direct) from the deployer itself to one module's input/handler.
type Connection struct {
	ID   uint16
	Name string

	Direct bool

	// FromModule is empty when Direct.
	FromModule   string
	FromOutput   string
	FromRequest  string
	FromIndex    *ConnectionIndex

	ToModule  string
	ToInput   string
	ToHandler string
	ToIndex   *ConnectionIndex

	Encryption  aead.Cipher
	Key         []byte
	Nonce       uint16
	Established bool
}

// PeriodicEvent is a timer on a node invoking a module entrypoint at a
// fixed frequency.
type PeriodicEvent struct {
	ID          uint16
	Name        string
	Module      string
	Entry       string
	FrequencyMs uint32
	Established bool
}

// Config is the top-level aggregate owning every node/module/connection/
// event in a descriptor, plus the two monotone ID counters and the
// "sticky" output serialization format.
type Config struct {
	Path string

	Nodes          []any // *SancusNode | *SGXNode | *NativeNode | *TrustZoneNode
	Modules        []any // *SancusModule | *SgxModule | *NativeModule | *TrustZoneModule
	Connections    []*Connection
	PeriodicEvents []*PeriodicEvent

	ConnectionsCurrentID uint16
	EventsCurrentID      uint16

	// Format is the serialization the descriptor was loaded as, or the
	// command-line override: sticky across load/dump per spec.md §4.4.
	Format Format
}
