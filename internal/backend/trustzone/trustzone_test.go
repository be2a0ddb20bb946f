package trustzone

import (
	"testing"

	"github.com/sepidehpouyan/reactive-tools/internal/aead"
	"github.com/sepidehpouyan/reactive-tools/internal/descriptor"
)

func TestUUIDForIDFormatsAsDashedHex(t *testing.T) {
	got := uuidForID(1)
	want := "00000000-0000-0000-0000-000000000001"
	if got != want {
		t.Fatalf("uuidForID(1) = %q, want %q", got, want)
	}
}

func TestNewDerivesUUIDWhenMissing(t *testing.T) {
	desc := &descriptor.TrustZoneModule{Module: descriptor.Module{Name: "m"}, ID: 42}
	New(desc)
	want := uuidForID(42)
	if desc.UUID != want {
		t.Fatalf("expected UUID %q, got %q", want, desc.UUID)
	}
}

func TestIDBytesIsSixteenBytesBigEndian(t *testing.T) {
	mod := New(&descriptor.TrustZoneModule{Module: descriptor.Module{Name: "m"}, ID: 0x0102})
	b := mod.IDBytes()
	if len(b) != 16 {
		t.Fatalf("expected 16 byte id, got %d", len(b))
	}
	if b[14] != 0x01 || b[15] != 0x02 {
		t.Fatalf("expected trailing bytes 0x01 0x02, got %x %x", b[14], b[15])
	}
	for _, v := range b[:14] {
		if v != 0 {
			t.Fatalf("expected leading bytes zero, got %x", b)
		}
	}
}

func TestSupportedEncryptionIsAESAndSpongent(t *testing.T) {
	mod := New(&descriptor.TrustZoneModule{Module: descriptor.Module{Name: "m"}})
	enc := mod.SupportedEncryption()
	if len(enc) != 2 || enc[0] != aead.CipherAESGCM || enc[1] != aead.CipherSPONGENT {
		t.Fatalf("expected [CipherAESGCM, CipherSPONGENT], got %v", enc)
	}
}

func TestSupportedNodeKindsIsTrustZoneOnly(t *testing.T) {
	mod := New(&descriptor.TrustZoneModule{Module: descriptor.Module{Name: "m"}})
	kinds := mod.SupportedNodeKinds()
	if len(kinds) != 1 || kinds[0] != descriptor.NodeTrustZone {
		t.Fatalf("expected [NodeTrustZone], got %v", kinds)
	}
}

func TestGetEntryIDNumericShortCircuits(t *testing.T) {
	mod := New(&descriptor.TrustZoneModule{
		Module:      descriptor.Module{Name: "m"},
		Entrypoints: map[string]int{"tick": 3},
	})
	id, err := mod.GetEntryID(nil, "7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected numeric short circuit to 7, got %d", id)
	}

	id, err = mod.GetEntryID(nil, "tick")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected 3, got %d", id)
	}
}

func TestGetKeyBeforeAttestFails(t *testing.T) {
	mod := New(&descriptor.TrustZoneModule{Module: descriptor.Module{Name: "m"}})
	if _, err := mod.GetKey(nil); err == nil {
		t.Fatal("expected error requesting key with no key configured")
	}
}
