package sgx

import (
	"testing"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
)

func TestSupportedEncryptionIsAESAndSpongent(t *testing.T) {
	mod := New(&descriptor.SgxModule{Module: descriptor.Module{Name: "m"}}, 0)
	enc := mod.SupportedEncryption()
	if len(enc) != 2 || enc[0] != aead.CipherAESGCM || enc[1] != aead.CipherSPONGENT {
		t.Fatalf("expected [CipherAESGCM, CipherSPONGENT], got %v", enc)
	}
}

func TestSupportedNodeKindsIsSGXOnly(t *testing.T) {
	mod := New(&descriptor.SgxModule{Module: descriptor.Module{Name: "m"}}, 0)
	kinds := mod.SupportedNodeKinds()
	if len(kinds) != 1 || kinds[0] != descriptor.NodeSGX {
		t.Fatalf("expected [NodeSGX], got %v", kinds)
	}
}

func TestGetKeyBeforeAttestFails(t *testing.T) {
	mod := New(&descriptor.SgxModule{Module: descriptor.Module{Name: "m"}}, 0)
	if _, err := mod.GetKey(nil); err == nil {
		t.Fatal("expected error requesting key before attestation")
	}
}

func TestAssignModuleIDIncrementsNodeCounter(t *testing.T) {
	node := &Node{Desc: &descriptor.SGXNode{Node: descriptor.Node{Name: "n0", ModuleIDCounter: 1}}}
	m1 := New(&descriptor.SgxModule{Module: descriptor.Module{Name: "a"}}, 0)
	m2 := New(&descriptor.SgxModule{Module: descriptor.Module{Name: "b"}}, 0)

	id1 := node.assignModuleID(m1)
	id2 := node.assignModuleID(m2)
	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected ids 1,2; got %d,%d", id1, id2)
	}
	if m1.ReactivePort != node.Desc.ReactivePort+1 {
		t.Fatalf("expected reactive port offset by module id")
	}
}
