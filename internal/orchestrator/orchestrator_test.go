package orchestrator

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
)

func intPtr(n int) *int { return &n }

func testConfig() *descriptor.Config {
	node := &descriptor.NativeNode{
		Node: descriptor.Node{
			Kind: descriptor.NodeNative, Name: "n0",
			IPAddress: net.ParseIP("127.0.0.1"), ReactivePort: 3000, DeployPort: 3001,
		},
	}
	mLow := &descriptor.NativeModule{Module: descriptor.Module{Name: "low", NodeName: "n0", Priority: intPtr(2)}}
	mHigh := &descriptor.NativeModule{Module: descriptor.Module{Name: "high", NodeName: "n0", Priority: intPtr(1)}}
	mUnprioritized := &descriptor.NativeModule{Module: descriptor.Module{Name: "plain", NodeName: "n0"}}

	conn := &descriptor.Connection{
		ID: 1, Name: "conn1", FromModule: "plain", FromOutput: "o",
		FromIndex: &descriptor.ConnectionIndex{Type: descriptor.ConnIOOutput, Name: "o"},
		ToModule:  "low", ToInput: "i",
		ToIndex:    &descriptor.ConnectionIndex{Type: descriptor.ConnIOInput, Name: "i"},
		Encryption: aead.CipherAESGCM, Key: make([]byte, 16),
	}
	event := &descriptor.PeriodicEvent{ID: 1, Name: "event1", Module: "plain", Entry: "tick", FrequencyMs: 100}

	return &descriptor.Config{
		Path:           "test.json",
		Nodes:          []any{node},
		Modules:        []any{mLow, mHigh, mUnprioritized},
		Connections:    []*descriptor.Connection{conn},
		PeriodicEvents: []*descriptor.PeriodicEvent{event},
		Format:         descriptor.FormatJSON,
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := testConfig()
	bc := buildctx.New(buildctx.ModeDebug, t.TempDir(), "")
	o, err := New(cfg, bc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestPartitionByPriorityOrdersAscendingAndSeparatesRemainder(t *testing.T) {
	o := newTestOrchestrator(t)
	priority, rest := o.partitionByPriority()

	if len(priority) != 2 || priority[0] != "high" || priority[1] != "low" {
		t.Fatalf("expected [high, low], got %v", priority)
	}
	if len(rest) != 1 || rest[0] != "plain" {
		t.Fatalf("expected [plain], got %v", rest)
	}
}

func TestModuleTargetsNamedUnknownFails(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.moduleTargets("nope"); err == nil {
		t.Fatal("expected error for unknown module name")
	}
}

func TestModuleTargetsEmptyReturnsAll(t *testing.T) {
	o := newTestOrchestrator(t)
	targets, err := o.moduleTargets("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("expected 3 module targets, got %d", len(targets))
	}
}

func TestConnectionTargetsByName(t *testing.T) {
	o := newTestOrchestrator(t)
	conns, err := o.connectionTargets("conn1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conns) != 1 || conns[0].Name != "conn1" {
		t.Fatalf("expected [conn1], got %v", conns)
	}
}

func TestEventTargetsUnknownNameFails(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.eventTargets("missing"); err == nil {
		t.Fatal("expected error for unknown event name")
	}
}

func TestPreflightConnectRequiresBothEndpointsAttested(t *testing.T) {
	o := newTestOrchestrator(t)
	conn, _ := o.cfg.GetConnectionByName("conn1")

	if err := o.preflightConnect(conn); err == nil {
		t.Fatal("expected preflight failure before either endpoint is attested")
	}

	fromCommon, _ := o.moduleCommon("plain")
	fromCommon.Attested = true
	if err := o.preflightConnect(conn); err == nil {
		t.Fatal("expected preflight failure with only the source attested")
	}

	toCommon, _ := o.moduleCommon("low")
	toCommon.Attested = true
	if err := o.preflightConnect(conn); err != nil {
		t.Fatalf("expected preflight to pass once both endpoints are attested: %v", err)
	}
}

func TestPreflightConnectDirectOnlyRequiresDestination(t *testing.T) {
	o := newTestOrchestrator(t)
	conn, _ := o.cfg.GetConnectionByName("conn1")
	conn.Direct = true

	if err := o.preflightConnect(conn); err == nil {
		t.Fatal("expected preflight failure before destination is attested")
	}

	toCommon, _ := o.moduleCommon("low")
	toCommon.Attested = true
	if err := o.preflightConnect(conn); err != nil {
		t.Fatalf("expected direct preflight to pass once destination is attested: %v", err)
	}
}

func TestPreflightRegisterRequiresAttestedModule(t *testing.T) {
	o := newTestOrchestrator(t)
	event := o.cfg.PeriodicEvents[0]

	if err := o.preflightRegister(event); err == nil {
		t.Fatal("expected preflight failure before module is attested")
	}

	common, _ := o.moduleCommon("plain")
	common.Attested = true
	if err := o.preflightRegister(event); err != nil {
		t.Fatalf("expected preflight to pass once module is attested: %v", err)
	}
}

func TestDeployNamedAlreadyDeployedFails(t *testing.T) {
	o := newTestOrchestrator(t)
	common, _ := o.moduleCommon("plain")
	common.Deployed = true

	o.ResultPath = filepath.Join(t.TempDir(), "out.json")
	if err := o.Deploy(nil, "plain", false); err == nil {
		t.Fatal("expected error deploying an already-deployed module")
	}
}

func TestCheckpointWritesResultPath(t *testing.T) {
	o := newTestOrchestrator(t)
	dir := t.TempDir()
	o.ResultPath = filepath.Join(dir, "out.json")

	if err := o.checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := os.Stat(o.ResultPath); err != nil {
		t.Fatalf("expected checkpoint file to exist: %v", err)
	}
}

func TestRunConcurrentReturnsFirstError(t *testing.T) {
	sentinel := someError{"boom"}
	err := runConcurrent([]int{1, 2, 3}, func(i int) error {
		if i == 2 {
			return sentinel
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected an error from runConcurrent")
	}
}

type someError struct{ msg string }

func (e someError) Error() string { return e.msg }
