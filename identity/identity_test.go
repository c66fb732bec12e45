package identity

import (
	"bytes"
	"testing"
)

func TestGenerateType0RoundTrip(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !id.LocallyValidate() {
		t.Fatal("freshly generated identity failed local validation")
	}
	if id.Address().IsZero() {
		t.Fatal("address must not be zero")
	}
	if id.Address().IsReserved() {
		t.Fatal("address must not be reserved")
	}

	data := id.Marshal(true)
	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Address() != id.Address() {
		t.Fatalf("address mismatch after round trip")
	}

	msg := []byte("hello beaver")
	sig, err := parsed.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !parsed.Verify(msg, sig) {
		t.Fatal("verify failed for parsed identity's own signature")
	}
	if !id.Verify(msg, sig) {
		t.Fatal("verify failed across original/parsed identity")
	}
}

func TestSignVerifyRejectsTamperedMessage(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("original message")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !id.Verify(msg, sig) {
		t.Fatal("expected valid signature to verify")
	}
	if id.Verify([]byte("tampered message"), sig) {
		t.Fatal("expected tampered message to fail verification")
	}
}

func TestAgreeSymmetric(t *testing.T) {
	a, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	sharedA, err := a.Agree(b)
	if err != nil {
		t.Fatalf("a.Agree(b): %v", err)
	}
	sharedB, err := b.Agree(a)
	if err != nil {
		t.Fatalf("b.Agree(a): %v", err)
	}
	if sharedA != sharedB {
		t.Fatal("agreement is not symmetric")
	}
	if len(sharedA) != 32 {
		t.Fatalf("expected 32-byte shared secret, got %d", len(sharedA))
	}
}

func TestToStringFromStringRoundTrip(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s := id.ToString(true)
	parsed, err := FromString(s)
	if err != nil {
		t.Fatalf("from string: %v", err)
	}
	if parsed.Address() != id.Address() {
		t.Fatal("address mismatch")
	}
	if !bytes.Equal(parsed.PublicBytes(), id.PublicBytes()) {
		t.Fatal("public key mismatch")
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	data := id.Marshal(true)
	if _, err := Unmarshal(data[:len(data)-50]); err == nil {
		t.Fatal("expected error for truncated buffer")
	}
}

func TestGenerateType1RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("type-1 generation repeats full keypair generation until hashcash succeeds; skip in -short")
	}
	id, err := Generate(TypeP384)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !id.LocallyValidate() {
		t.Fatal("freshly generated type-1 identity failed local validation")
	}
	if id.Address().IsReserved() || id.Address().IsZero() {
		t.Fatal("invalid address for type-1 identity")
	}

	data := id.Marshal(true)
	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	msg := []byte("compound identity message")
	sig, err := parsed.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !id.Verify(msg, sig) {
		t.Fatal("verify failed for type-1 signature")
	}
}

func TestAgreeMixedTypesFallsBackToC25519(t *testing.T) {
	if testing.Short() {
		t.Skip("involves type-1 generation; skip in -short")
	}
	a, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := Generate(TypeP384)
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	sharedA, err := a.Agree(b)
	if err != nil {
		t.Fatalf("a.Agree(b): %v", err)
	}
	sharedB, err := b.Agree(a)
	if err != nil {
		t.Fatalf("b.Agree(a): %v", err)
	}
	if sharedA != sharedB {
		t.Fatal("mixed-type agreement not symmetric")
	}
}

func TestFingerprintStableAcrossCalls(t *testing.T) {
	id, err := Generate(TypeC25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	f1 := id.Fingerprint()
	f2 := id.Fingerprint()
	if !f1.Equal(f2) {
		t.Fatal("fingerprint not stable")
	}
}
