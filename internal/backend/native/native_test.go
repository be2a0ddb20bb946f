package native

import (
	"testing"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
)

func TestSupportedEncryptionIsAESAndSpongent(t *testing.T) {
	mod := New(&descriptor.NativeModule{Module: descriptor.Module{Name: "m"}})
	enc := mod.SupportedEncryption()
	if len(enc) != 2 || enc[0] != aead.CipherAESGCM || enc[1] != aead.CipherSPONGENT {
		t.Fatalf("expected [CipherAESGCM, CipherSPONGENT], got %v", enc)
	}
}

func TestSupportedNodeKindsIsNativeOnly(t *testing.T) {
	mod := New(&descriptor.NativeModule{Module: descriptor.Module{Name: "m"}})
	kinds := mod.SupportedNodeKinds()
	if len(kinds) != 1 || kinds[0] != descriptor.NodeNative {
		t.Fatalf("expected [NodeNative], got %v", kinds)
	}
}

func TestGetKeyBeforeCodegenFails(t *testing.T) {
	mod := New(&descriptor.NativeModule{Module: descriptor.Module{Name: "m"}})
	if _, err := mod.GetKey(nil); err == nil {
		t.Fatal("expected error requesting key before code generation")
	}
}

func TestAssignModuleIDIncrementsNodeCounterAndDefaultsPort(t *testing.T) {
	node := &Node{Desc: &descriptor.NativeNode{Node: descriptor.Node{Name: "n0", ReactivePort: 9000, ModuleIDCounter: 1}}}
	m1 := New(&descriptor.NativeModule{Module: descriptor.Module{Name: "a"}})
	m2 := New(&descriptor.NativeModule{Module: descriptor.Module{Name: "b"}})

	id1 := node.assignModuleID(m1)
	id2 := node.assignModuleID(m2)
	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected ids 1,2; got %d,%d", id1, id2)
	}
	if m1.Desc.Port != 9001 {
		t.Fatalf("expected default port 9001, got %d", m1.Desc.Port)
	}
}
