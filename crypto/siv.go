package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
)

// AES-GMAC-SIV (cipher suite 3, this protocol step 5) computes a synthetic IV
// over the authenticated header bytes and the payload, then uses that IV to
// drive AES-CTR: compute a MAC first, then use it (or a derivation of it)
// to key/IV the cipher, generalized from a running digest to a
// synthetic-IV AEAD built on AES-CMAC. No ready-made AES-SIV package is
// available, so the CMAC subkey derivation and doubling step are
// implemented directly against crypto/aes and crypto/cipher.
type SIV struct {
	block cipher.Block
}

// NewSIV creates an AES-GMAC-SIV instance keyed with a 32-byte key.
func NewSIV(key *[32]byte) (*SIV, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes-siv: %w", err)
	}
	return &SIV{block: block}, nil
}

// cmac computes AES-CMAC (RFC 4493) over msg.
func (s *SIV) cmac(msg []byte) [16]byte {
	var zero, l [16]byte
	s.block.Encrypt(l[:], zero[:])

	k1 := double(l)
	k2 := double(k1)

	n := len(msg)
	var lastBlockComplete bool
	var numBlocks int
	if n == 0 {
		numBlocks = 1
		lastBlockComplete = false
	} else {
		numBlocks = (n + 15) / 16
		lastBlockComplete = n%16 == 0
	}

	var mLast [16]byte
	if lastBlockComplete {
		copy(mLast[:], msg[(numBlocks-1)*16:])
		mLast = xor16(mLast, k1)
	} else {
		tail := msg[(numBlocks-1)*16:]
		copy(mLast[:], tail)
		mLast[len(tail)] = 0x80
		mLast = xor16(mLast, k2)
	}

	var x, y [16]byte
	for i := 0; i < numBlocks-1; i++ {
		var block [16]byte
		copy(block[:], msg[i*16:(i+1)*16])
		y = xor16(x, block)
		s.block.Encrypt(x[:], y[:])
	}
	y = xor16(x, mLast)
	var out [16]byte
	s.block.Encrypt(out[:], y[:])
	return out
}

func double(in [16]byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		b := in[i]
		out[i] = (b << 1) | carry
		carry = b >> 7
	}
	if in[0]&0x80 != 0 {
		out[15] ^= 0x87
	}
	return out
}

func xor16(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Seal computes a 64-bit synthetic IV over (ad, plaintext) — the first 8
// bytes of the full CMAC-chain tag, matching the packet header's 8-byte
// MAC field — zero-extends it to a 16-byte AES-CTR IV, and
// encrypts plaintext under that IV. Both the tag and the IV derive from
// the same 8 bytes, so a receiver holding only the 8-byte wire MAC can
// reconstruct the identical IV.
func (s *SIV) Seal(ad, plaintext []byte) (ciphertext []byte, tag [8]byte) {
	full := s.cmacChain(ad, plaintext)
	copy(tag[:], full[:8])
	ctr := cipher.NewCTR(s.block, s.extendIV(tag))
	out := make([]byte, len(plaintext))
	ctr.XORKeyStream(out, plaintext)
	return out, tag
}

// Open decrypts ciphertext using the IV implied by tag, then verifies tag
// against the recomputed CMAC-chain over (ad, plaintext).
func (s *SIV) Open(ad, ciphertext []byte, tag [8]byte) (plaintext []byte, ok bool) {
	ctr := cipher.NewCTR(s.block, s.extendIV(tag))
	out := make([]byte, len(ciphertext))
	ctr.XORKeyStream(out, ciphertext)
	full := s.cmacChain(ad, out)
	if subtle.ConstantTimeCompare(full[:8], tag[:]) != 1 {
		return nil, false
	}
	return out, true
}

func (s *SIV) extendIV(tag [8]byte) []byte {
	iv := make([]byte, 16)
	copy(iv[:8], tag[:])
	return iv
}

// cmacChain combines two CMAC inputs (associated data, message) the way
// RFC 5297 S2V does: CMAC(AD) XORed with a doubling, then CMAC'd together
// with the message.
func (s *SIV) cmacChain(ad, msg []byte) [16]byte {
	d := s.cmac(make([]byte, 16))
	d = double(d)
	adMac := s.cmac(ad)
	d = xor16(d, adMac)
	combined := make([]byte, 0, len(d)+len(msg))
	combined = append(combined, d[:]...)
	combined = append(combined, msg...)
	return s.cmac(combined)
}
