package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// GenerateC25519 generates a Curve25519 DH keypair, the same way
// ntor.NewHandshake generates its ephemeral keypair.
func GenerateC25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate curve25519 key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("curve25519 basepoint mult: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// DH25519 performs Curve25519 ECDH, identical in shape to ntor's two
// X25519 calls in HandshakeState.Complete.
func DH25519(priv, peerPub *[32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("curve25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// ValidCurve25519Point reports whether pub decodes to a valid Ed25519 curve
// point, reusing filippo.io/edwards25519 the way onion.DecodeOnion
// validates a .onion public key is a real curve point before trusting it.
// This is only meaningful for the sign/verify (Ed25519) public key of a
// type-0 identity, not the Curve25519 DH public key.
func ValidCurve25519Point(pub [32]byte) bool {
	_, err := new(edwards25519.Point).SetBytes(pub[:])
	return err == nil
}

// GenerateEd25519 generates an Ed25519 signing keypair for a type-0 identity.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// GenerateP384 generates a NIST P-384 ECDH keypair for a type-1 identity's
// compound agreement.
func GenerateP384() (*ecdh.PrivateKey, error) {
	return ecdh.P384().GenerateKey(rand.Reader)
}

// DH384 performs P-384 ECDH agreement.
func DH384(priv *ecdh.PrivateKey, peerPub []byte) ([]byte, error) {
	pub, err := ecdh.P384().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("p384 public key: %w", err)
	}
	return priv.ECDH(pub)
}

// GenerateP384Sign generates a P-384 ECDSA signing keypair.
func GenerateP384Sign() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
}

// KDF derives n bytes via HKDF-SHA512 with the given info string, the same
// domain-separation pattern ntor.go uses (HKDF-SHA256 there; the
// compound type-1 agreement here uses SHA-384/512).
func KDF(secret, salt []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha512.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// AgreeCompound mixes a Curve25519 shared secret with a P-384 shared
// secret under SHA-384: when both sides are type 1, concatenate a P-384
// ECDH secret and hash with SHA-384.
func AgreeCompound(c25519Secret [32]byte, p384Secret []byte) [32]byte {
	h := sha512.New384()
	h.Write(c25519Secret[:])
	h.Write(p384Secret)
	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum[:32])
	return out
}
