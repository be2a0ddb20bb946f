package orchestrator

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	"github.com/sepidehpouyan/reactive-tools/internal/fakeem"
	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// These exercise the orchestrator end to end against a real fakeem.Server
// (genuine TCP listeners, genuine wire codec) instead of an in-memory
// fixture, covering the deploy/attest/connect lifecycle, priority-ordered
// deploy, and crash/resumption. Every module below is Sancus with a
// pre-resolved Binary and Key (see descriptor.Module.Binary/Key and
// backend/sancus.Module.New), so Deploy never needs sancus-cc/sancus-ld/
// msp430-ld on the host — only the wire round trip to fakeem runs for real.

func dummyModuleBinary(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".elf")
	if err := os.WriteFile(path, []byte("not-a-real-elf:"+name), 0o644); err != nil {
		t.Fatalf("writing dummy module binary: %v", err)
	}
	return path
}

func sancusFixtureNode(name string, reactivePort, deployPort uint16) *descriptor.SancusNode {
	return &descriptor.SancusNode{
		Node: descriptor.Node{
			Kind: descriptor.NodeSancus, Name: name,
			IPAddress:    net.ParseIP("127.0.0.1"),
			ReactivePort: reactivePort, DeployPort: deployPort,
			NeedLock: true,
		},
		VendorID:  0xabcd,
		VendorKey: bytes.Repeat([]byte{0x42}, 16),
	}
}

func sancusFixtureModule(t *testing.T, name, nodeName string, key []byte, priority *int) *descriptor.SancusModule {
	return &descriptor.SancusModule{
		Module: descriptor.Module{
			Kind: descriptor.ModuleSancus, Name: name, NodeName: nodeName,
			Priority: priority,
			Binary:   dummyModuleBinary(t, name),
			Key:      key,
		},
		Files: []string{name + ".c"},
	}
}

// loadTracker records every Load frame a fakeem.Server receives (by module
// name, parsed the same way nodes/sancus.py's deploy payload is framed:
// NAME \0 VENDOR_ID ELF) and assigns sequential, deterministic sm_ids.
type loadTracker struct {
	mu     sync.Mutex
	order  []string
	counts map[string]int
	nextID uint16
}

func newLoadTracker() *loadTracker {
	return &loadTracker{counts: make(map[string]int), nextID: 1}
}

func (lt *loadTracker) install(srv *fakeem.Server) {
	srv.OnLoad(func(payload []byte) wire.ResultMessage {
		nul := bytes.IndexByte(payload, 0)
		name := string(payload)
		if nul >= 0 {
			name = string(payload[:nul])
		}

		lt.mu.Lock()
		lt.order = append(lt.order, name)
		lt.counts[name]++
		id := lt.nextID
		lt.nextID++
		lt.mu.Unlock()

		return wire.ResultMessage{Code: wire.ResultOk, Payload: wire.PackUint16(id)}
	})
}

func (lt *loadTracker) countOf(name string) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.counts[name]
}

func (lt *loadTracker) snapshot() []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return append([]string(nil), lt.order...)
}

// attestAndKeySetServer wires a fakeem.Server's Call handler to answer
// EntrypointAttest with a real SPONGENT MAC over the challenge (computed
// against keysByID) and to record every EntrypointSetKey command's AD nonce
// field so tests can assert on nonce progression.
type attestAndKeySetServer struct {
	mu            sync.Mutex
	keysByID      map[uint16][]byte
	setKeyNonces  map[uint16][]uint16 // moduleID -> observed nonces, in arrival order
}

func newAttestAndKeySetServer() *attestAndKeySetServer {
	return &attestAndKeySetServer{
		keysByID:     make(map[uint16][]byte),
		setKeyNonces: make(map[uint16][]uint16),
	}
}

func (s *attestAndKeySetServer) registerKey(moduleID uint16, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysByID[moduleID] = key
}

func (s *attestAndKeySetServer) noncesFor(moduleID uint16) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.setKeyNonces[moduleID]...)
}

func (s *attestAndKeySetServer) install(srv *fakeem.Server) {
	srv.OnCommand(wire.CommandCall, func(cmd wire.CommandMessage) wire.ResultMessage {
		if len(cmd.Payload) < 4 {
			return wire.ResultMessage{Code: wire.ResultIllegalPayload}
		}
		moduleID, err := wire.UnpackUint16(cmd.Payload[:2])
		if err != nil {
			return wire.ResultMessage{Code: wire.ResultIllegalPayload}
		}
		entry, err := wire.UnpackUint16(cmd.Payload[2:4])
		if err != nil {
			return wire.ResultMessage{Code: wire.ResultIllegalPayload}
		}

		switch wire.Entrypoint(entry) {
		case wire.EntrypointAttest:
			if len(cmd.Payload) < 6 {
				return wire.ResultMessage{Code: wire.ResultIllegalPayload}
			}
			challengeLen, err := wire.UnpackUint16(cmd.Payload[4:6])
			if err != nil || len(cmd.Payload) < 6+int(challengeLen) {
				return wire.ResultMessage{Code: wire.ResultIllegalPayload}
			}
			challenge := cmd.Payload[6 : 6+challengeLen]

			s.mu.Lock()
			key := s.keysByID[moduleID]
			s.mu.Unlock()

			enc, err := aead.For(aead.CipherSPONGENT)
			if err != nil {
				return wire.ResultMessage{Code: wire.ResultInternalError}
			}
			mac, err := aead.Mac(enc, key, challenge)
			if err != nil {
				return wire.ResultMessage{Code: wire.ResultInternalError}
			}
			return wire.ResultMessage{Code: wire.ResultOk, Payload: mac}

		case wire.EntrypointSetKey:
			// ad for sancus is connID(2) || idx.Index(2) || nonce(2),
			// immediately after moduleID(2) || entry(2).
			if len(cmd.Payload) < 10 {
				return wire.ResultMessage{Code: wire.ResultIllegalPayload}
			}
			nonce, err := wire.UnpackUint16(cmd.Payload[8:10])
			if err != nil {
				return wire.ResultMessage{Code: wire.ResultIllegalPayload}
			}
			s.mu.Lock()
			s.setKeyNonces[moduleID] = append(s.setKeyNonces[moduleID], nonce)
			s.mu.Unlock()
			return wire.ResultMessage{Code: wire.ResultOk}

		default:
			return wire.ResultMessage{Code: wire.ResultOk}
		}
	})
}

// TestFullLifecycleDeployAttestConnect exercises spec.md §8 Scenario 1: a
// full deploy -> attest -> connect sequence against a real fakeem.Server,
// checking the attestation MAC is genuinely verified and that per-module
// SetKey nonces advance monotonically from zero across two connections
// sharing the same source module.
func TestFullLifecycleDeployAttestConnect(t *testing.T) {
	srv, err := fakeem.New()
	if err != nil {
		t.Fatalf("starting fakeem server: %v", err)
	}
	defer srv.Close()

	loads := newLoadTracker()
	loads.install(srv)
	calls := newAttestAndKeySetServer()
	calls.install(srv)

	node := sancusFixtureNode("n0", srv.ReactivePort(), srv.DeployPort())

	producerKey := bytes.Repeat([]byte{0x11}, 16)
	consumerAKey := bytes.Repeat([]byte{0x22}, 16)
	consumerBKey := bytes.Repeat([]byte{0x33}, 16)

	producer := sancusFixtureModule(t, "producer", "n0", producerKey, nil)
	consumerA := sancusFixtureModule(t, "consumerA", "n0", consumerAKey, nil)
	consumerB := sancusFixtureModule(t, "consumerB", "n0", consumerBKey, nil)

	conn1 := &descriptor.Connection{
		ID: 1, Name: "c1", FromModule: "producer", ToModule: "consumerA",
		FromIndex:  &descriptor.ConnectionIndex{Type: descriptor.ConnIOOutput, Name: "out", Index: 1},
		ToIndex:    &descriptor.ConnectionIndex{Type: descriptor.ConnIOInput, Name: "in", Index: 1},
		Encryption: aead.CipherSPONGENT, Key: bytes.Repeat([]byte{0xaa}, 16),
	}
	conn2 := &descriptor.Connection{
		ID: 2, Name: "c2", FromModule: "producer", ToModule: "consumerB",
		FromIndex:  &descriptor.ConnectionIndex{Type: descriptor.ConnIOOutput, Name: "out2", Index: 2},
		ToIndex:    &descriptor.ConnectionIndex{Type: descriptor.ConnIOInput, Name: "in", Index: 1},
		Encryption: aead.CipherSPONGENT, Key: bytes.Repeat([]byte{0xbb}, 16),
	}

	cfg := &descriptor.Config{
		Path:        filepath.Join(t.TempDir(), "cfg.json"),
		Nodes:       []any{node},
		Modules:     []any{producer, consumerA, consumerB},
		Connections: []*descriptor.Connection{conn1, conn2},
		Format:      descriptor.FormatJSON,
	}

	bc := buildctx.New(buildctx.ModeDebug, t.TempDir(), "")
	o, err := New(cfg, bc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.ResultPath = filepath.Join(t.TempDir(), "out.json")
	ctx := context.Background()

	if err := o.Deploy(ctx, "", false); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	for _, name := range []string{"producer", "consumerA", "consumerB"} {
		if loads.countOf(name) != 1 {
			t.Fatalf("expected exactly one Load frame for %s, got %d", name, loads.countOf(name))
		}
	}

	// Deploy assigned sm_ids via loadTracker's sequential counter; register
	// each module's real key under its assigned id so the Attest handler
	// can answer with a genuine MAC.
	for _, md := range cfg.Modules {
		common := descriptor.ModuleOf(md)
		sm := md.(*descriptor.SancusModule)
		calls.registerKey(sm.ID, common.Key)
	}

	if err := o.Attest(ctx, ""); err != nil {
		t.Fatalf("Attest: %v", err)
	}
	for _, name := range []string{"producer", "consumerA", "consumerB"} {
		common, err := o.moduleCommon(name)
		if err != nil {
			t.Fatalf("moduleCommon(%s): %v", name, err)
		}
		if !common.Attested {
			t.Fatalf("expected %s to be attested", name)
		}
	}

	if err := o.Connect(ctx, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, c := range cfg.Connections {
		if !c.Established {
			t.Fatalf("expected connection %s to be established", c.Name)
		}
	}

	producerCommon, _ := o.moduleCommon("producer")
	if producerCommon.Nonce != 2 {
		t.Fatalf("expected producer's nonce counter at 2 after two SetKey calls, got %d", producerCommon.Nonce)
	}

	producerNonces := calls.noncesFor(producer.ID)
	if len(producerNonces) != 2 {
		t.Fatalf("expected 2 SetKey commands observed for producer, got %d", len(producerNonces))
	}
	seen := map[uint16]bool{producerNonces[0]: true, producerNonces[1]: true}
	if !seen[0] || !seen[1] {
		t.Fatalf("expected producer's two SetKey nonces to be {0,1}, got %v", producerNonces)
	}
}

// TestDeployVisitsPriorityModulesBeforeRemainderInOrder exercises spec.md
// §8 Scenario 2: priority-ordered modules deploy strictly in ascending
// priority order, ahead of the unprioritized remainder, with
// orderedRemainder=true making the whole sequence deterministic end to end.
func TestDeployVisitsPriorityModulesBeforeRemainderInOrder(t *testing.T) {
	srv, err := fakeem.New()
	if err != nil {
		t.Fatalf("starting fakeem server: %v", err)
	}
	defer srv.Close()

	loads := newLoadTracker()
	loads.install(srv)

	node := sancusFixtureNode("n0", srv.ReactivePort(), srv.DeployPort())

	second := sancusFixtureModule(t, "second", "n0", bytes.Repeat([]byte{0x02}, 16), intPtr(2))
	first := sancusFixtureModule(t, "first", "n0", bytes.Repeat([]byte{0x01}, 16), intPtr(1))
	plain := sancusFixtureModule(t, "plain", "n0", bytes.Repeat([]byte{0x00}, 16), nil)

	cfg := &descriptor.Config{
		Path:    filepath.Join(t.TempDir(), "cfg.json"),
		Nodes:   []any{node},
		Modules: []any{second, first, plain},
		Format:  descriptor.FormatJSON,
	}

	bc := buildctx.New(buildctx.ModeDebug, t.TempDir(), "")
	o, err := New(cfg, bc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.ResultPath = filepath.Join(t.TempDir(), "out.json")

	if err := o.Deploy(context.Background(), "", true); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	got := loads.snapshot()
	want := []string{"first", "second", "plain"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected deploy order %v, got %v", want, got)
		}
	}
}

// TestResumeAfterCrashOnlyRedeploysUndeployedModule exercises spec.md §8
// Scenario 3: a checkpoint persisted mid-batch (one module deployed, the
// next not yet reached) is reloaded into a fresh Orchestrator that resumes
// deploying; only the undeployed module sends a fresh Load frame.
func TestResumeAfterCrashOnlyRedeploysUndeployedModule(t *testing.T) {
	srv, err := fakeem.New()
	if err != nil {
		t.Fatalf("starting fakeem server: %v", err)
	}
	defer srv.Close()

	loads := newLoadTracker()
	loads.install(srv)

	node := sancusFixtureNode("n0", srv.ReactivePort(), srv.DeployPort())
	moduleA := sancusFixtureModule(t, "moduleA", "n0", bytes.Repeat([]byte{0xa0}, 16), nil)
	moduleB := sancusFixtureModule(t, "moduleB", "n0", bytes.Repeat([]byte{0xb0}, 16), nil)

	resultPath := filepath.Join(t.TempDir(), "checkpoint.json")
	cfg := &descriptor.Config{
		Path:    resultPath,
		Nodes:   []any{node},
		Modules: []any{moduleA, moduleB},
		Format:  descriptor.FormatJSON,
	}

	bc := buildctx.New(buildctx.ModeDebug, t.TempDir(), "")
	session1, err := New(cfg, bc)
	if err != nil {
		t.Fatalf("New (session 1): %v", err)
	}
	session1.ResultPath = resultPath

	// Simulate a crash after moduleA deploys but before moduleB is reached:
	// deploy only moduleA explicitly, the way deployOne's checkpoint leaves
	// the descriptor on disk mid-batch.
	if err := session1.Deploy(context.Background(), "moduleA", false); err != nil {
		t.Fatalf("Deploy moduleA: %v", err)
	}
	if loads.countOf("moduleA") != 1 {
		t.Fatalf("expected moduleA to get exactly one Load frame, got %d", loads.countOf("moduleA"))
	}
	if loads.countOf("moduleB") != 0 {
		t.Fatalf("expected moduleB untouched before resumption, got %d Load frames", loads.countOf("moduleB"))
	}

	resumed, err := descriptor.Load(resultPath)
	if err != nil {
		t.Fatalf("reloading checkpoint: %v", err)
	}
	session2, err := New(resumed, bc)
	if err != nil {
		t.Fatalf("New (session 2): %v", err)
	}
	session2.ResultPath = resultPath

	if err := session2.Deploy(context.Background(), "", false); err != nil {
		t.Fatalf("Deploy (resumed): %v", err)
	}

	if loads.countOf("moduleA") != 1 {
		t.Fatalf("expected moduleA to NOT receive a fresh Load frame on resume, got %d total", loads.countOf("moduleA"))
	}
	if loads.countOf("moduleB") != 1 {
		t.Fatalf("expected moduleB to receive exactly one fresh Load frame on resume, got %d", loads.countOf("moduleB"))
	}
}
