package crypto

import (
	"bytes"
	"testing"
)

func TestSalsa2012RoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	var nonce [8]byte
	for i := range nonce {
		nonce[i] = byte(0xaa)
	}

	plaintext := bytes.Repeat([]byte("beaver wire protocol test payload "), 20)

	enc := NewSalsa2012(&key, &nonce)
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)

	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec := NewSalsa2012(&key, &nonce)
	recovered := make([]byte, len(ciphertext))
	dec.XORKeyStream(recovered, ciphertext)

	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestSalsa2012KeystreamBytesIndependentOfConsumption(t *testing.T) {
	var key [32]byte
	var nonce [8]byte
	s := NewSalsa2012(&key, &nonce)
	ks := s.KeystreamBytes(32)

	s2 := NewSalsa2012(&key, &nonce)
	out := make([]byte, 32)
	zero := make([]byte, 32)
	s2.XORKeyStream(out, zero)

	if !bytes.Equal(ks, out) {
		t.Fatal("keystream bytes should equal XOR of zeros")
	}
}

func TestSIVSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i * 3)
	}
	siv, err := NewSIV(&key)
	if err != nil {
		t.Fatalf("NewSIV: %v", err)
	}

	ad := []byte("header-bytes-0-18")
	pt := []byte("the quick brown fox jumps over the lazy dog, many times over")

	ct, tag := siv.Seal(ad, pt)
	recovered, ok := siv.Open(ad, ct, tag)
	if !ok {
		t.Fatal("open failed on valid ciphertext")
	}
	if !bytes.Equal(recovered, pt) {
		t.Fatalf("recovered plaintext mismatch: got %q want %q", recovered, pt)
	}

	// Flipping a ciphertext byte must break verification.
	ct[0] ^= 0x01
	if _, ok := siv.Open(ad, ct, tag); ok {
		t.Fatal("open succeeded after ciphertext tamper")
	}

	// Flipping the AD must also break verification.
	ct[0] ^= 0x01 // restore
	ad2 := append([]byte{}, ad...)
	ad2[0] ^= 0x01
	if _, ok := siv.Open(ad2, ct, tag); ok {
		t.Fatal("open succeeded after AD tamper")
	}
}

func TestDH25519Symmetric(t *testing.T) {
	aPriv, aPub, err := GenerateC25519()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	bPriv, bPub, err := GenerateC25519()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	sharedA, err := DH25519(&aPriv, &bPub)
	if err != nil {
		t.Fatalf("dh a: %v", err)
	}
	sharedB, err := DH25519(&bPriv, &aPub)
	if err != nil {
		t.Fatalf("dh b: %v", err)
	}

	if sharedA != sharedB {
		t.Fatal("agreement not symmetric")
	}
}

func TestMemoryHardHashDeterministic(t *testing.T) {
	pub := []byte("a stand-in public key for hashcash testing, needs no particular structure")
	d1 := MemoryHardHash(pub)
	d2 := MemoryHardHash(pub)
	if d1 != d2 {
		t.Fatal("memory-hard hash not deterministic")
	}
}

func TestCompoundHashcashDeterministic(t *testing.T) {
	pub := bytes.Repeat([]byte{0x42}, 32+97)
	d1, err := CompoundHashcash(pub)
	if err != nil {
		t.Fatalf("compound hashcash: %v", err)
	}
	d2, _ := CompoundHashcash(pub)
	if d1 != d2 {
		t.Fatal("compound hashcash not deterministic")
	}
}
