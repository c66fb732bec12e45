// Package world implements the signed root/trust-anchor document:
// deterministic serialization for signing, parse-and-verify
// deserialization, and the should_be_replaced_by update rule: a
// deterministically serialized body plus a trailing signature, verified
// against an embedded key, the same signed-document shape used by
// authority key certificates.
package world

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/0-8-15/beaver/endpoint"
	"github.com/0-8-15/beaver/identity"
)

// Type numbers the root document kind.
type Type uint8

const (
	TypeNull   Type = 0
	TypePlanet Type = 1
	TypeMoon   Type = 127
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypePlanet:
		return "PLANET"
	case TypeMoon:
		return "MOON"
	default:
		return "UNKNOWN"
	}
}

// Errors returned by Deserialize and ShouldBeReplacedBy.
var (
	ErrBadSignature = errors.New("world: signature verification failed")
	ErrTypeMismatch = errors.New("world: type mismatch")
	ErrIDMismatch   = errors.New("world: id mismatch")
	ErrNotNewer     = errors.New("world: candidate is not newer")
	ErrTruncated    = errors.New("world: truncated document")
)

// Root is one root server entry: its identity (no private key) and the
// stable endpoints at which it can be reached.
type Root struct {
	Identity        *identity.Identity
	StableEndpoints []endpoint.Endpoint
}

// World is a signed root document.
type World struct {
	Type                   Type
	ID                     uint64
	Timestamp              int64
	UpdatesMustBeSignedBy  [32]byte
	Roots                  []Root
	Signature              []byte
}

// Make builds and signs a new World. signer must hold the private key
// matching UpdatesMustBeSignedBy's role for this document's lineage (the
// document is self-certifying: a deserializer verifies with the listed
// root whose fingerprint hash begins with UpdatesMustBeSignedBy, and
// should_be_replaced_by checks a replacement against the OLD document's key).
func Make(typ Type, id uint64, timestamp int64, updateKey [32]byte, roots []Root, signer *identity.Identity) (*World, error) {
	w := &World{
		Type:                  typ,
		ID:                    id,
		Timestamp:             timestamp,
		UpdatesMustBeSignedBy: updateKey,
		Roots:                 roots,
	}
	body := w.serializeBody()
	sig, err := signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("world: sign: %w", err)
	}
	w.Signature = sig
	return w, nil
}

// serializeBody produces the deterministic pre-signature byte form:
// type(1) id(8) timestamp(8) updates_must_be_signed_by(32)
// num_roots(1) { identity_len(2), identity, num_stable_endpoints(1), endpoints... }.
func (w *World) serializeBody() []byte {
	var buf []byte
	buf = append(buf, byte(w.Type))

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], w.ID)
	buf = append(buf, idBuf[:]...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(w.Timestamp))
	buf = append(buf, tsBuf[:]...)

	buf = append(buf, w.UpdatesMustBeSignedBy[:]...)

	buf = append(buf, byte(len(w.Roots)))
	for _, r := range w.Roots {
		idBytes := r.Identity.Marshal(false)
		var idLen [2]byte
		binary.BigEndian.PutUint16(idLen[:], uint16(len(idBytes)))
		buf = append(buf, idLen[:]...)
		buf = append(buf, idBytes...)

		buf = append(buf, byte(len(r.StableEndpoints)))
		for _, ep := range r.StableEndpoints {
			epBytes, err := ep.Marshal()
			if err != nil {
				// An endpoint that fails to marshal is dropped from the
				// signed form rather than aborting the whole document;
				// callers validate endpoints before calling Make.
				continue
			}
			buf = append(buf, epBytes...)
		}
	}
	return buf
}

// Serialize returns the wire form, optionally including the trailing
// signature.
func (w *World) Serialize(includeSig bool) []byte {
	buf := w.serializeBody()
	if !includeSig {
		return buf
	}
	var sigLen [2]byte
	binary.BigEndian.PutUint16(sigLen[:], uint16(len(w.Signature)))
	buf = append(buf, sigLen[:]...)
	buf = append(buf, w.Signature...)
	return buf
}

// Deserialize parses and verifies a World, checking its signature against
// its own embedded UpdatesMustBeSignedBy field. That field holds the first
// 32 bytes of one listed root's fingerprint hash, and that root's identity
// signing key is used to verify; if no root matches, ErrBadSignature is
// returned.
func Deserialize(data []byte) (*World, error) {
	w, sigStart, err := parseBody(data)
	if err != nil {
		return nil, err
	}
	if sigStart+2 > len(data) {
		return nil, ErrTruncated
	}
	sigLen := int(binary.BigEndian.Uint16(data[sigStart : sigStart+2]))
	if sigStart+2+sigLen > len(data) {
		return nil, ErrTruncated
	}
	w.Signature = append([]byte{}, data[sigStart+2:sigStart+2+sigLen]...)

	if !w.verifySelf() {
		return nil, ErrBadSignature
	}
	return w, nil
}

// verifySelf checks the document's signature using the root findSigner
// selects, rejecting if none matches.
func (w *World) verifySelf() bool {
	signer := w.findSigner()
	if signer == nil {
		return false
	}
	return signer.Verify(w.serializeBody(), w.Signature)
}

// findSigner locates the root whose identity's fingerprint hash begins
// with UpdatesMustBeSignedBy, the convention this document format uses to
// bind the update key to one of its listed roots.
func (w *World) findSigner() *identity.Identity {
	for _, r := range w.Roots {
		fp := r.Identity.Fingerprint()
		if bytes.Equal(fp.Hash[:32], w.UpdatesMustBeSignedBy[:]) {
			return r.Identity
		}
	}
	return nil
}

func parseBody(data []byte) (*World, int, error) {
	if len(data) < 1+8+8+32+1 {
		return nil, 0, ErrTruncated
	}
	w := &World{}
	off := 0
	w.Type = Type(data[off])
	off++
	w.ID = binary.BigEndian.Uint64(data[off:])
	off += 8
	w.Timestamp = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	copy(w.UpdatesMustBeSignedBy[:], data[off:off+32])
	off += 32

	numRoots := int(data[off])
	off++

	for i := 0; i < numRoots; i++ {
		if off+2 > len(data) {
			return nil, 0, ErrTruncated
		}
		idLen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+idLen > len(data) {
			return nil, 0, ErrTruncated
		}
		id, err := identity.Unmarshal(data[off : off+idLen])
		if err != nil {
			return nil, 0, fmt.Errorf("world: root %d identity: %w", i, err)
		}
		off += idLen

		if off >= len(data) {
			return nil, 0, ErrTruncated
		}
		numEndpoints := int(data[off])
		off++

		var endpoints []endpoint.Endpoint
		for j := 0; j < numEndpoints; j++ {
			ep, n, err := endpoint.Unmarshal(data[off:])
			if err != nil {
				return nil, 0, fmt.Errorf("world: root %d endpoint %d: %w", i, j, err)
			}
			endpoints = append(endpoints, ep)
			off += n
		}

		w.Roots = append(w.Roots, Root{Identity: id, StableEndpoints: endpoints})
	}

	return w, off, nil
}

// ShouldBeReplacedBy implements this protocol's update rule: self.type ==
// new.type, self.id == new.id, new.timestamp > self.timestamp, and
// new.signature verifies under self.UpdatesMustBeSignedBy (the OLD
// document's key, so a compromised new key cannot hijack the lineage).
func (w *World) ShouldBeReplacedBy(n *World) error {
	if w.Type != n.Type {
		return ErrTypeMismatch
	}
	if w.ID != n.ID {
		return ErrIDMismatch
	}
	if n.Timestamp <= w.Timestamp {
		return ErrNotNewer
	}
	signer := w.findSigner()
	if signer == nil || !signer.Verify(n.serializeBody(), n.Signature) {
		return ErrBadSignature
	}
	return nil
}
