// Package identity implements long-lived node identities, their hashcash
// -gated address derivation, and sign/verify/agree operations: a
// persistent, self-certifying identity type built from the same
// ephemeral-handshake and relay-descriptor key-agreement primitives used
// elsewhere in this module, but bound to a long-lived keypair instead of
// a per-session one.
package identity

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha512"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	beavercrypto "github.com/0-8-15/beaver/crypto"
)

// Type distinguishes the two identity key-material shapes.
type Type uint8

const (
	// TypeC25519 is the pure Curve25519 DH + Ed25519 signature keypair.
	TypeC25519 Type = 0
	// TypeP384 is the compound Curve25519 + NIST P-384 keypair.
	TypeP384 Type = 1
)

const (
	// AddressLength is the length in bytes of the 40-bit address.
	AddressLength = 5
	// FingerprintHashSize is the length of the identity hash half of a
	// Fingerprint.
	FingerprintHashSize = 48

	reservedAddressPrefix = 0xff

	c25519DHPubLen   = 32
	c25519DHPrivLen  = 32
	ed25519PubLen    = 32
	ed25519PrivLen   = 64 // seed || pub, stdlib ed25519.PrivateKey layout
	p384ECDHPubLen   = 97 // uncompressed SEC1 point
	p384ECDHPrivLen  = 48
	p384ECDSAPubLen  = 97
	p384ECDSAPrivLen = 48

	type0PubLen  = c25519DHPubLen + ed25519PubLen
	type0PrivLen = c25519DHPrivLen + ed25519PrivLen
	type1PubLen  = type0PubLen + p384ECDHPubLen + p384ECDSAPubLen
	type1PrivLen = type0PrivLen + p384ECDHPrivLen + p384ECDSAPrivLen
)

// Address is the low 40 bits of an identity hash.
type Address [AddressLength]byte

// IsZero reports whether the address is the invalid all-zero address.
func (a Address) IsZero() bool { return a == Address{} }

// IsReserved reports whether the address falls in the reserved 0xff prefix
// range.
func (a Address) IsReserved() bool { return a[0] == reservedAddressPrefix }

// Valid reports whether the address is neither zero nor reserved.
func (a Address) Valid() bool { return !a.IsZero() && !a.IsReserved() }

func (a Address) String() string { return strings.ToUpper(hex.EncodeToString(a[:])) }

// Fingerprint is an address concatenated with the full identity hash,
// collision-resistant unlike the address alone.
type Fingerprint struct {
	Address Address
	Hash    [FingerprintHashSize]byte
}

func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Address == o.Address && f.Hash == o.Hash
}

// ErrInvalidIdentity is returned for any crypto mismatch, reserved address,
// or truncated buffer encountered while parsing or validating an identity
//.
type ErrInvalidIdentity struct{ Reason string }

func (e *ErrInvalidIdentity) Error() string { return "invalid identity: " + e.Reason }

func invalid(reason string) error { return &ErrInvalidIdentity{Reason: reason} }

// Identity is a long-lived node identity: a type tag, public key material,
// optional private key material, and the cached address/fingerprint
// derived from the public key.
type Identity struct {
	typ     Type
	pub     []byte
	priv    []byte // nil for public-only identities
	address Address
}

// Type returns the identity's key-material type.
func (id *Identity) Type() Type { return id.typ }

// Address returns the cached 40-bit address.
func (id *Identity) Address() Address { return id.address }

// PublicBytes returns the canonical public key encoding.
func (id *Identity) PublicBytes() []byte { return append([]byte{}, id.pub...) }

// HasPrivate reports whether this Identity carries private key material.
func (id *Identity) HasPrivate() bool { return id.priv != nil }

// Fingerprint returns the address plus the full identity hash.
func (id *Identity) Fingerprint() Fingerprint {
	return Fingerprint{Address: id.address, Hash: beavercrypto.FingerprintHash(id.pub)}
}

// Generate creates a new Identity of the given type, repeating key
// generation until the hashcash condition holds.
// For TypeC25519 this can take noticeable wall-clock time; callers that
// need progress reporting should call Generate from a goroutine.
func Generate(t Type) (*Identity, error) {
	switch t {
	case TypeC25519:
		return generateType0()
	case TypeP384:
		return generateType1()
	default:
		return nil, invalid(fmt.Sprintf("unknown type %d", t))
	}
}

func generateType0() (*Identity, error) {
	for {
		dhPriv, dhPub, err := beavercrypto.GenerateC25519()
		if err != nil {
			return nil, err
		}
		signPub, signPriv, err := beavercrypto.GenerateEd25519()
		if err != nil {
			return nil, err
		}

		pub := make([]byte, 0, type0PubLen)
		pub = append(pub, dhPub[:]...)
		pub = append(pub, signPub...)

		digest := beavercrypto.MemoryHardHash(pub)
		if digest[0] >= 17 {
			continue
		}
		var addr Address
		copy(addr[:], digest[59:64])
		if !addr.Valid() {
			continue
		}

		priv := make([]byte, 0, type0PrivLen)
		priv = append(priv, dhPriv[:]...)
		priv = append(priv, signPriv...)

		return &Identity{typ: TypeC25519, pub: pub, priv: priv, address: addr}, nil
	}
}

func generateType1() (*Identity, error) {
	for {
		dhPriv, dhPub, err := beavercrypto.GenerateC25519()
		if err != nil {
			return nil, err
		}
		signPub, signPriv, err := beavercrypto.GenerateEd25519()
		if err != nil {
			return nil, err
		}
		p384dh, err := beavercrypto.GenerateP384()
		if err != nil {
			return nil, err
		}
		p384sign, err := beavercrypto.GenerateP384Sign()
		if err != nil {
			return nil, err
		}

		pub := make([]byte, 0, type1PubLen)
		pub = append(pub, dhPub[:]...)
		pub = append(pub, signPub...)
		pub = append(pub, p384dh.PublicKey().Bytes()...)
		pub = append(pub, elliptic.Marshal(elliptic.P384(), p384sign.PublicKey.X, p384sign.PublicKey.Y)...)

		hash, err := beavercrypto.CompoundHashcash(pub)
		if err != nil {
			return nil, err
		}
		if hash[47] != 0 {
			continue
		}
		var addr Address
		copy(addr[:], hash[0:5])
		if !addr.Valid() {
			continue
		}

		priv := make([]byte, 0, type1PrivLen)
		priv = append(priv, dhPriv[:]...)
		priv = append(priv, signPriv...)
		priv = append(priv, p384dh.Bytes()...)
		priv = append(priv, p384sign.D.FillBytes(make([]byte, p384ECDSAPrivLen))...)

		return &Identity{typ: TypeP384, pub: pub, priv: priv, address: addr}, nil
	}
}

// LocallyValidate recomputes the hashcash function and compares the
// derived address, rejecting reserved addresses.
func (id *Identity) LocallyValidate() bool {
	if !id.address.Valid() {
		return false
	}
	switch id.typ {
	case TypeC25519:
		if len(id.pub) != type0PubLen {
			return false
		}
		digest := beavercrypto.MemoryHardHash(id.pub)
		if digest[0] >= 17 {
			return false
		}
		var addr Address
		copy(addr[:], digest[59:64])
		return addr == id.address
	case TypeP384:
		if len(id.pub) != type1PubLen {
			return false
		}
		hash, err := beavercrypto.CompoundHashcash(id.pub)
		if err != nil || hash[47] != 0 {
			return false
		}
		var addr Address
		copy(addr[:], hash[0:5])
		return addr == id.address
	default:
		return false
	}
}

func (id *Identity) c25519DHPub() [32]byte {
	var out [32]byte
	copy(out[:], id.pub[0:c25519DHPubLen])
	return out
}

func (id *Identity) c25519DHPriv() [32]byte {
	var out [32]byte
	copy(out[:], id.priv[0:c25519DHPrivLen])
	return out
}

func (id *Identity) ed25519Pub() ed25519.PublicKey {
	return ed25519.PublicKey(id.pub[c25519DHPubLen : c25519DHPubLen+ed25519PubLen])
}

func (id *Identity) ed25519Priv() ed25519.PrivateKey {
	return ed25519.PrivateKey(id.priv[c25519DHPrivLen : c25519DHPrivLen+ed25519PrivLen])
}

func (id *Identity) p384ECDHPub() ([]byte, error) {
	off := type0PubLen
	return id.pub[off : off+p384ECDHPubLen], nil
}

func (id *Identity) p384ECDHPriv() (*ecdh.PrivateKey, error) {
	off := type0PrivLen
	return ecdh.P384().NewPrivateKey(id.priv[off : off+p384ECDHPrivLen])
}

func (id *Identity) p384SignPub() *ecdsa.PublicKey {
	off := type0PubLen + p384ECDHPubLen
	x, y := elliptic.Unmarshal(elliptic.P384(), id.pub[off:off+p384ECDSAPubLen])
	return &ecdsa.PublicKey{Curve: elliptic.P384(), X: x, Y: y}
}

func (id *Identity) p384SignPriv() *ecdsa.PrivateKey {
	off := type0PrivLen + p384ECDHPrivLen
	d := new(big.Int).SetBytes(id.priv[off : off+p384ECDSAPrivLen])
	pub := id.p384SignPub()
	return &ecdsa.PrivateKey{PublicKey: *pub, D: d}
}

// Sign signs msg: Ed25519 for type 0; for type 1 the signed digest is
// SHA-384(msg ∥ c25519_public_key) and the signature is P-384 ECDSA
//.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if !id.HasPrivate() {
		return nil, invalid("sign requires private key")
	}
	switch id.typ {
	case TypeC25519:
		return ed25519.Sign(id.ed25519Priv(), msg), nil
	case TypeP384:
		dhPub := id.c25519DHPub()
		h := sha512.New384()
		h.Write(msg)
		h.Write(dhPub[:])
		digest := h.Sum(nil)
		return ecdsa.SignASN1(nil, id.p384SignPriv(), digest)
	default:
		return nil, invalid("unknown type")
	}
}

// Verify checks sig over msg.
func (id *Identity) Verify(msg, sig []byte) bool {
	switch id.typ {
	case TypeC25519:
		return ed25519.Verify(id.ed25519Pub(), msg, sig)
	case TypeP384:
		dhPub := id.c25519DHPub()
		h := sha512.New384()
		h.Write(msg)
		h.Write(dhPub[:])
		digest := h.Sum(nil)
		return ecdsa.VerifyASN1(id.p384SignPub(), digest, sig)
	default:
		return false
	}
}

// Agree performs key agreement with other, returning a 32-byte shared
// secret. Mixed type-0/type-1 pairs fall
// back to Curve25519-only agreement.
func (id *Identity) Agree(other *Identity) ([32]byte, error) {
	if !id.HasPrivate() {
		return [32]byte{}, invalid("agree requires private key")
	}
	myPriv := id.c25519DHPriv()
	otherPub := other.c25519DHPub()
	c25519Secret, err := beavercrypto.DH25519(&myPriv, &otherPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("curve25519 agree: %w", err)
	}

	if id.typ != TypeP384 || other.typ != TypeP384 {
		return c25519Secret, nil
	}

	myP384Priv, err := id.p384ECDHPriv()
	if err != nil {
		return [32]byte{}, fmt.Errorf("p384 private key: %w", err)
	}
	otherP384Pub, err := other.p384ECDHPub()
	if err != nil {
		return [32]byte{}, fmt.Errorf("p384 public key: %w", err)
	}
	p384Secret, err := beavercrypto.DH384(myP384Priv, otherP384Pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("p384 agree: %w", err)
	}

	return beavercrypto.AgreeCompound(c25519Secret, p384Secret), nil
}

// Marshal serializes the identity as address(5) || type(1) || pub(...) ||
// privLen(1) || priv(...). privLen = 0 means public-only.
func (id *Identity) Marshal(includePrivate bool) []byte {
	out := make([]byte, 0, AddressLength+1+len(id.pub)+1+len(id.priv))
	out = append(out, id.address[:]...)
	out = append(out, byte(id.typ))
	out = append(out, id.pub...)
	if includePrivate && id.priv != nil {
		out = append(out, byte(len(id.priv)))
		out = append(out, id.priv...)
	} else {
		out = append(out, 0)
	}
	return out
}

// Unmarshal parses an identity previously produced by Marshal. For type-1
// identities this re-runs LocallyValidate and rejects on failure.
func Unmarshal(data []byte) (*Identity, error) {
	if len(data) < AddressLength+1+1 {
		return nil, invalid("truncated")
	}
	var addr Address
	copy(addr[:], data[0:AddressLength])
	typ := Type(data[AddressLength])

	var pubLen int
	switch typ {
	case TypeC25519:
		pubLen = type0PubLen
	case TypeP384:
		pubLen = type1PubLen
	default:
		return nil, invalid(fmt.Sprintf("unknown type %d", typ))
	}

	off := AddressLength + 1
	if len(data) < off+pubLen+1 {
		return nil, invalid("truncated public key")
	}
	pub := append([]byte{}, data[off:off+pubLen]...)
	off += pubLen

	privLen := int(data[off])
	off++
	var priv []byte
	if privLen > 0 {
		if len(data) < off+privLen {
			return nil, invalid("truncated private key")
		}
		priv = append([]byte{}, data[off:off+privLen]...)
	}

	id := &Identity{typ: typ, pub: pub, priv: priv, address: addr}
	if typ == TypeP384 && !id.LocallyValidate() {
		return nil, invalid("type-1 identity failed local validation")
	}
	return id, nil
}

// ToString renders "AAAAAAAAAA:type:pub[:priv]" — hex for type 0, base32
// for type 1.
func (id *Identity) ToString(includePrivate bool) string {
	enc := hexOrB32(id.typ)
	parts := []string{id.address.String(), strconv.Itoa(int(id.typ)), enc(id.pub)}
	if includePrivate && id.priv != nil {
		parts = append(parts, enc(id.priv))
	}
	return strings.Join(parts, ":")
}

// FromString parses the ToString format.
func FromString(s string) (*Identity, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return nil, invalid("malformed identity string")
	}
	addrBytes, err := hex.DecodeString(parts[0])
	if err != nil || len(addrBytes) != AddressLength {
		return nil, invalid("malformed address")
	}
	typInt, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, invalid("malformed type")
	}
	typ := Type(typInt)
	dec := hexOrB32Decode(typ)

	pub, err := dec(parts[2])
	if err != nil {
		return nil, invalid("malformed public key")
	}

	var addr Address
	copy(addr[:], addrBytes)
	id := &Identity{typ: typ, pub: pub, address: addr}

	if len(parts) >= 4 {
		priv, err := dec(parts[3])
		if err != nil {
			return nil, invalid("malformed private key")
		}
		id.priv = priv
	}
	return id, nil
}

func hexOrB32(t Type) func([]byte) string {
	if t == TypeC25519 {
		return hex.EncodeToString
	}
	return func(b []byte) string {
		return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	}
}

func hexOrB32Decode(t Type) func(string) ([]byte, error) {
	if t == TypeC25519 {
		return hex.DecodeString
	}
	return func(s string) ([]byte, error) {
		return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	}
}
