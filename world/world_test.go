package world

import (
	"testing"

	"github.com/0-8-15/beaver/identity"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func updateKeyFor(id *identity.Identity) [32]byte {
	var k [32]byte
	fp := id.Fingerprint()
	copy(k[:], fp.Hash[:32])
	return k
}

// TestWorldReplacementRule exercises the replacement rule: W1 at t=1000,
// W2 at t=2000 with the same type/id/key, signed correctly, should
// replace; mutated timestamp, id, or signature should each fail.
func TestWorldReplacementRule(t *testing.T) {
	signer := testIdentity(t)
	updateKey := updateKeyFor(signer)
	roots := []Root{{Identity: signer}}

	w1, err := Make(TypePlanet, 1, 1000, updateKey, roots, signer)
	if err != nil {
		t.Fatalf("make w1: %v", err)
	}
	w2, err := Make(TypePlanet, 1, 2000, updateKey, roots, signer)
	if err != nil {
		t.Fatalf("make w2: %v", err)
	}

	if err := w1.ShouldBeReplacedBy(w2); err != nil {
		t.Fatalf("expected w2 to replace w1, got %v", err)
	}

	w2BadTimestamp, err := Make(TypePlanet, 1, 500, updateKey, roots, signer)
	if err != nil {
		t.Fatalf("make w2 bad ts: %v", err)
	}
	if err := w1.ShouldBeReplacedBy(w2BadTimestamp); err != ErrNotNewer {
		t.Fatalf("expected ErrNotNewer, got %v", err)
	}

	w2BadID, err := Make(TypePlanet, 2, 2000, updateKey, roots, signer)
	if err != nil {
		t.Fatalf("make w2 bad id: %v", err)
	}
	if err := w1.ShouldBeReplacedBy(w2BadID); err != ErrIDMismatch {
		t.Fatalf("expected ErrIDMismatch, got %v", err)
	}

	w2Corrupt, err := Make(TypePlanet, 1, 2000, updateKey, roots, signer)
	if err != nil {
		t.Fatalf("make w2 corrupt: %v", err)
	}
	w2Corrupt.Signature[0] ^= 0xff
	if err := w1.ShouldBeReplacedBy(w2Corrupt); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	signer := testIdentity(t)
	updateKey := updateKeyFor(signer)
	roots := []Root{{Identity: signer}}

	w, err := Make(TypePlanet, 7, 12345, updateKey, roots, signer)
	if err != nil {
		t.Fatalf("make: %v", err)
	}

	data := w.Serialize(true)
	parsed, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if parsed.ID != w.ID || parsed.Timestamp != w.Timestamp || parsed.Type != w.Type {
		t.Fatal("round-tripped fields mismatch")
	}
}

func TestDeserializeRejectsTamperedSignature(t *testing.T) {
	signer := testIdentity(t)
	updateKey := updateKeyFor(signer)
	roots := []Root{{Identity: signer}}

	w, err := Make(TypePlanet, 7, 12345, updateKey, roots, signer)
	if err != nil {
		t.Fatalf("make: %v", err)
	}
	data := w.Serialize(true)
	data[len(data)-1] ^= 0xff

	if _, err := Deserialize(data); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
