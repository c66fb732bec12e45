package packet

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	beavercrypto "github.com/0-8-15/beaver/crypto"
	"golang.org/x/crypto/poly1305"
)

// Errors returned by Dearmor. Crypto errors are
// silently droppable by the caller (never logged with detail, never
// replied to) and decode errors are likewise drop-only.
var (
	ErrBadMAC       = errors.New("packet: MAC verification failed")
	ErrTruncated    = errors.New("packet: truncated buffer")
	ErrUnknownCipher = errors.New("packet: unknown cipher suite")
)

func randomPacketID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("packet: random id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// perPacketKey derives the per-packet key by XORing the session key with
// the packet ID, source+destination addresses, the flags byte with the
// hops nibble cleared, and the 16-bit packet length.
// The last 11 bytes of the 32-byte key pass through unchanged, so each
// packet's effective key is a function only of its immutable header
// bytes.
func perPacketKey(sessionKey *[32]byte, p Packet) [32]byte {
	var k [32]byte
	copy(k[:], sessionKey[:])

	binary.BigEndian.PutUint64(k[0:8], binary.BigEndian.Uint64(k[0:8])^p.PacketID())

	var addrs [10]byte
	copy(addrs[0:5], p[offDest:offDest+5])
	copy(addrs[5:10], p[offSource:offSource+5])
	for i := 0; i < 10; i++ {
		k[8+i] ^= addrs[i]
	}

	k[18] ^= p[offFlags] &^ hopsMask

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p)))
	k[19] ^= lenBuf[0]
	k[20] ^= lenBuf[1]

	return k
}

// Armor encrypts and MACs p in place under sessionKey using cipher.
// p must already have its packet ID, dest,
// source, hop count (0) and verb byte set; Armor sets the cipher-suite
// bits and fills in the MAC field (and, for POLY1305_SALSA2012 and
// AES_GMAC_SIV, overwrites the verb byte and payload with ciphertext).
func Armor(p Packet, sessionKey *[32]byte, cipher CipherSuite) error {
	if len(p) < MinPacketLen {
		return ErrTruncated
	}
	p.SetHops(0)
	p.SetCipher(cipher)

	switch cipher {
	case CipherPoly1305Salsa2012, CipherPoly1305None:
		key := perPacketKey(sessionKey, p)
		var nonce [8]byte
		binary.BigEndian.PutUint64(nonce[:], p.PacketID())
		stream := beavercrypto.NewSalsa2012(&key, &nonce)

		var polyKey [32]byte
		copy(polyKey[:], stream.KeystreamBytes(32))

		if cipher == CipherPoly1305Salsa2012 {
			body := p[offVerbByte:]
			stream.XORKeyStream(body, body)
		}

		var tag [16]byte
		poly1305.Sum(&tag, p[offVerbByte:], &polyKey)
		var mac [8]byte
		copy(mac[:], tag[:8])
		p.SetMAC(mac)
		return nil

	case CipherAESGMACSIV:
		siv, err := beavercrypto.NewSIV(sessionKey)
		if err != nil {
			return fmt.Errorf("packet: siv init: %w", err)
		}
		ad := append([]byte{}, p.AuthenticatedHeader()...)
		ad[offFlags] &^= hopsMask
		ciphertext, tag := siv.Seal(ad, p[offVerbByte:])
		copy(p[offVerbByte:], ciphertext)
		p.SetMAC(tag)
		return nil

	case CipherNoneTrustedPath:
		// MAC field already carries the trusted-path ID; nothing to do.
		return nil

	default:
		return ErrUnknownCipher
	}
}

// Dearmor verifies and decrypts p in place, the inverse of Armor
//. It rejects with ErrBadMAC without touching payload state
// if the tag does not match.
func Dearmor(p Packet, sessionKey *[32]byte) error {
	if len(p) < MinPacketLen {
		return ErrTruncated
	}
	cipher := p.Cipher()

	switch cipher {
	case CipherPoly1305Salsa2012, CipherPoly1305None:
		key := perPacketKey(sessionKey, p)
		var nonce [8]byte
		binary.BigEndian.PutUint64(nonce[:], p.PacketID())
		stream := beavercrypto.NewSalsa2012(&key, &nonce)

		var polyKey [32]byte
		copy(polyKey[:], stream.KeystreamBytes(32))

		var tag [16]byte
		poly1305.Sum(&tag, p[offVerbByte:], &polyKey)
		want := p.MAC()
		if subtle.ConstantTimeCompare(tag[:8], want[:]) != 1 {
			return ErrBadMAC
		}

		if cipher == CipherPoly1305Salsa2012 {
			body := p[offVerbByte:]
			stream.XORKeyStream(body, body)
		}
		return nil

	case CipherAESGMACSIV:
		siv, err := beavercrypto.NewSIV(sessionKey)
		if err != nil {
			return fmt.Errorf("packet: siv init: %w", err)
		}
		ad := append([]byte{}, p.AuthenticatedHeader()...)
		ad[offFlags] &^= hopsMask
		plain, ok := siv.Open(ad, p[offVerbByte:], p.MAC())
		if !ok {
			return ErrBadMAC
		}
		copy(p[offVerbByte:], plain)
		return nil

	case CipherNoneTrustedPath:
		// Caller (peer/topology layer) is responsible for verifying the
		// trusted-path ID against its configured set before accepting.
		return nil

	default:
		return ErrUnknownCipher
	}
}
