package sancus

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/fakeem"
	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// newFakeEventManager starts a real fakeem.Server instead of hand-rolling a
// single-reply net.Listen fake: the genuine reactive/deploy port split and
// wire codec round trip are exercised exactly as a real Sancus Event
// Manager would be.
func newFakeEventManager(t *testing.T) *fakeem.Server {
	t.Helper()
	srv, err := fakeem.New()
	if err != nil {
		t.Fatalf("starting fake event manager: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func testNode(t *testing.T, srv *fakeem.Server) *Node {
	t.Helper()
	desc := &descriptor.SancusNode{
		Node: descriptor.Node{
			Name:         "n0",
			IPAddress:    net.ParseIP("127.0.0.1"),
			ReactivePort: srv.ReactivePort(),
			DeployPort:   srv.DeployPort(),
			NeedLock:     true,
		},
		VendorID:  0x1234,
		VendorKey: []byte("0123456789abcdef"),
	}
	bc := buildctx.New(buildctx.ModeDebug, t.TempDir(), "")
	return New(desc, wire.NewClient(), bc)
}

func TestAttestRejectsOnMACMismatch(t *testing.T) {
	srv := newFakeEventManager(t)
	srv.OnCommand(wire.CommandCall, func(wire.CommandMessage) wire.ResultMessage {
		return wire.ResultMessage{Code: wire.ResultOk, Payload: make([]byte, 16)}
	})

	n := testNode(t, srv)
	desc := &descriptor.SancusModule{
		Module: descriptor.Module{Name: "m", Key: []byte("0123456789abcdef")},
		ID:     7,
	}
	mod := New(desc)

	if err := n.Attest(context.Background(), mod); err == nil {
		t.Fatal("expected attestation MAC mismatch error for an all-zero response")
	}
}

func TestDeployRejectsZeroModuleID(t *testing.T) {
	srv := newFakeEventManager(t)
	srv.OnLoad(func([]byte) wire.ResultMessage {
		return wire.ResultMessage{Code: wire.ResultOk, Payload: []byte{0, 0}}
	})

	n := testNode(t, srv)
	binPath := filepath.Join(t.TempDir(), "m.elf")
	if err := os.WriteFile(binPath, []byte("not-a-real-elf"), 0o644); err != nil {
		t.Fatalf("writing dummy module binary: %v", err)
	}
	desc := &descriptor.SancusModule{Module: descriptor.Module{Name: "m", Binary: binPath}}
	mod := New(desc)

	if err := n.Deploy(context.Background(), mod); apperrors.CodeOf(err) != apperrors.WireBadResult {
		t.Fatalf("expected deploy to reject sm_id=0 with %s, got %v", apperrors.WireBadResult, err)
	}
}

func TestSetKeyRejectsUnsupportedCipher(t *testing.T) {
	srv := newFakeEventManager(t)

	n := testNode(t, srv)
	desc := &descriptor.SancusModule{
		Module: descriptor.Module{Name: "m", Key: []byte("0123456789abcdef")},
		ID:     3,
	}
	mod := New(desc)
	idx := &descriptor.ConnectionIndex{Type: descriptor.ConnIOInput, Name: "ep", Index: 0}

	err := n.SetKey(context.Background(), mod, 1, idx, aead.CipherAESGCM, make([]byte, 16))
	if err == nil {
		t.Fatal("expected error: sancus only supports spongent encryption")
	}
}

func TestSupportedEncryptionIsSpongentOnly(t *testing.T) {
	mod := New(&descriptor.SancusModule{Module: descriptor.Module{Name: "m"}})
	enc := mod.SupportedEncryption()
	if len(enc) != 1 || enc[0] != aead.CipherSPONGENT {
		t.Fatalf("expected [CipherSPONGENT], got %v", enc)
	}
}

func TestSupportedNodeKindsIsSancusOnly(t *testing.T) {
	mod := New(&descriptor.SancusModule{Module: descriptor.Module{Name: "m"}})
	kinds := mod.SupportedNodeKinds()
	if len(kinds) != 1 || kinds[0] != descriptor.NodeSancus {
		t.Fatalf("expected [NodeSancus], got %v", kinds)
	}
}
