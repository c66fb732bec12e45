// Package packet implements the fixed-layout wire header, verb
// enumeration, fragmentation, and armor/dearmor cipher-suite dispatch: a
// fixed/variable-length framing layer with accessor methods over a raw
// byte slice, and a per-hop digest-then-encrypt pattern generalized to a
// per-packet-key-mangled set of cipher suites.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/0-8-15/beaver/identity"
)

// Wire-layout constants.
const (
	AddressLength = identity.AddressLength

	offPacketID = 0
	offDest     = 8
	offSource   = 13
	offFlags    = 18
	offMAC      = 19
	offVerbByte = 27
	offPayload  = 28

	// HeaderLen is the fixed authenticated-header length.
	HeaderLen = 27

	// MinPacketLen is the smallest legal packet: header + verb byte with
	// an empty payload.
	MinPacketLen = offPayload

	// FragmentSentinel is the reserved address-prefix byte that appears
	// at offset 13 of a fragment instead of a real source address,
	// distinguishing fragments from full headers.
	FragmentSentinel = 0xff

	flagFragmented = 0x80 // bit 7 of the flags byte
	cipherMask     = 0x38 // bits 5..3
	cipherShift    = 3
	hopsMask       = 0x07 // bits 2..0

	compressedFlagMask = 0x80 // bit 7 of the verb byte
	verbMask           = 0x1f // bits 4..0 of the verb byte

	// MaxHops is the protocol-maximum hop count representable in the
	// 3-bit hops field.
	MaxHops = 7
)

// CipherSuite numbers the packet's authenticated-encryption mode
//.
type CipherSuite uint8

const (
	CipherPoly1305None     CipherSuite = 0
	CipherPoly1305Salsa2012 CipherSuite = 1
	CipherNoneTrustedPath  CipherSuite = 2
	CipherAESGMACSIV       CipherSuite = 3
)

func (c CipherSuite) String() string {
	switch c {
	case CipherPoly1305None:
		return "POLY1305_NONE"
	case CipherPoly1305Salsa2012:
		return "POLY1305_SALSA2012"
	case CipherNoneTrustedPath:
		return "NONE_TRUSTED_PATH"
	case CipherAESGMACSIV:
		return "AES_GMAC_SIV"
	default:
		return "UNKNOWN_CIPHER"
	}
}

// Packet is a wire packet backed by a byte slice, the same "thin methods
// over a raw buffer" shape as cell.Cell.
type Packet []byte

// NewPacket allocates a packet of HeaderLen+1 (header + verb byte) plus
// the given payload length, with a fresh random packet ID.
func NewPacket(dest, source identity.Address, verb Verb, payloadLen int) (Packet, error) {
	p := make(Packet, offPayload+payloadLen)
	id, err := randomPacketID()
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint64(p[offPacketID:], id)
	copy(p[offDest:offDest+AddressLength], dest[:])
	copy(p[offSource:offSource+AddressLength], source[:])
	p[offVerbByte] = byte(verb) & verbMask
	return p, nil
}

func (p Packet) PacketID() uint64 { return binary.BigEndian.Uint64(p[offPacketID:]) }

func (p Packet) Dest() identity.Address {
	var a identity.Address
	copy(a[:], p[offDest:offDest+AddressLength])
	return a
}

func (p Packet) Source() identity.Address {
	var a identity.Address
	copy(a[:], p[offSource:offSource+AddressLength])
	return a
}

func (p Packet) Fragmented() bool { return p[offFlags]&flagFragmented != 0 }

func (p Packet) SetFragmented(v bool) {
	if v {
		p[offFlags] |= flagFragmented
	} else {
		p[offFlags] &^= flagFragmented
	}
}

func (p Packet) Cipher() CipherSuite {
	return CipherSuite((p[offFlags] & cipherMask) >> cipherShift)
}

func (p Packet) SetCipher(c CipherSuite) {
	p[offFlags] = (p[offFlags] &^ cipherMask) | (byte(c)<<cipherShift)&cipherMask
}

func (p Packet) Hops() uint8 { return p[offFlags] & hopsMask }

// SetHops sets the 3-bit hop count; it is the one mutable field under the
// packet MAC.
func (p Packet) SetHops(h uint8) { p[offFlags] = (p[offFlags] &^ hopsMask) | (h & hopsMask) }

// IncrementHops increments the hop count, returning false if it would
// overflow past MaxHops.
func (p Packet) IncrementHops() bool {
	h := p.Hops()
	if h >= MaxHops {
		return false
	}
	p.SetHops(h + 1)
	return true
}

// MAC returns the 8-byte MAC field (or, under CipherNoneTrustedPath, the
// 8-byte trusted-path ID it carries instead).
func (p Packet) MAC() [8]byte {
	var m [8]byte
	copy(m[:], p[offMAC:offMAC+8])
	return m
}

func (p Packet) SetMAC(m [8]byte) { copy(p[offMAC:offMAC+8], m[:]) }

func (p Packet) TrustedPathID() uint64 { return binary.BigEndian.Uint64(p[offMAC:]) }

func (p Packet) SetTrustedPathID(id uint64) { binary.BigEndian.PutUint64(p[offMAC:], id) }

// Compressed reports the compressed-payload bit in the encrypted verb
// byte. Only meaningful after Dearmor.
func (p Packet) Compressed() bool { return p[offVerbByte]&compressedFlagMask != 0 }

func (p Packet) SetCompressed(v bool) {
	if v {
		p[offVerbByte] |= compressedFlagMask
	} else {
		p[offVerbByte] &^= compressedFlagMask
	}
}

// Verb returns the verb once the packet has been dearmored.
func (p Packet) Verb() Verb { return Verb(p[offVerbByte] & verbMask) }

// VerbPayload returns the bytes following the verb byte.
func (p Packet) VerbPayload() []byte { return p[offPayload:] }

// AuthenticatedHeader returns header bytes 0..18, the portion used as
// AES_GMAC_SIV associated data. Armor and Dearmor clear the hops nibble
// in their copy first, since it may still change in transit.
func (p Packet) AuthenticatedHeader() []byte { return p[0:offMAC] }

// String renders a short diagnostic summary, deliberately omitting any
// key material (there is none in a Packet) but also any payload bytes.
func (p Packet) String() string {
	return fmt.Sprintf("packet{id=%016x dest=%s src=%s cipher=%s hops=%d verb=%s len=%d}",
		p.PacketID(), p.Dest(), p.Source(), p.Cipher(), p.Hops(), p.Verb(), len(p))
}
