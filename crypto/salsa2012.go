// Package crypto implements the cipher suite, hashing and key-agreement
// primitives that back the identity and packet-codec layers. It stays close to the standard library wherever the standard
// library already has the primitive (AES, SHA-384/512, P-384 ECDSA), and
// reaches for golang.org/x/crypto where it does not (Curve25519, HKDF,
// Poly1305, BLAKE2s).
package crypto

import "encoding/binary"

// Salsa20/12 is Salsa20 reduced to 12 rounds (6 double-rounds), the variant
// this protocol's POLY1305_SALSA2012 cipher suite names. No package in the
// retrieved corpus exposes a round-reduced Salsa20 core (golang.org/x/crypto's
// salsa20 package is fixed at 20 rounds), so this is a direct, narrowly
// scoped port of the public-domain Salsa20 core function with the round
// count parameterized — the same algorithm shape the original ZeroTier
// source describes in Salsa20.hpp, expressed as idiomatic Go instead of the
// SSE-intrinsic C++ there.
const salsaRounds = 12

var sigma = [4]uint32{0x61707865, 0x3320646e, 0x79622d32, 0x6b206574}

func rotl(x uint32, n uint) uint32 {
	return (x << n) | (x >> (32 - n))
}

// salsa2012Block computes one 64-byte Salsa20/12 keystream block from the
// 32-byte key and 16-byte input (8-byte nonce || 8-byte counter).
func salsa2012Block(out *[64]byte, in *[16]byte, key *[32]byte) {
	var x [16]uint32

	x[0] = sigma[0]
	x[1] = binary.LittleEndian.Uint32(key[0:4])
	x[2] = binary.LittleEndian.Uint32(key[4:8])
	x[3] = binary.LittleEndian.Uint32(key[8:12])
	x[4] = binary.LittleEndian.Uint32(key[12:16])
	x[5] = sigma[1]
	x[6] = binary.LittleEndian.Uint32(in[0:4])
	x[7] = binary.LittleEndian.Uint32(in[4:8])
	x[8] = binary.LittleEndian.Uint32(in[8:12])
	x[9] = binary.LittleEndian.Uint32(in[12:16])
	x[10] = sigma[2]
	x[11] = binary.LittleEndian.Uint32(key[16:20])
	x[12] = binary.LittleEndian.Uint32(key[20:24])
	x[13] = binary.LittleEndian.Uint32(key[24:28])
	x[14] = binary.LittleEndian.Uint32(key[28:32])
	x[15] = sigma[3]

	j := x

	for i := 0; i < salsaRounds; i += 2 {
		// column round
		j[4] ^= rotl(j[0]+j[12], 7)
		j[8] ^= rotl(j[4]+j[0], 9)
		j[12] ^= rotl(j[8]+j[4], 13)
		j[0] ^= rotl(j[12]+j[8], 18)

		j[9] ^= rotl(j[5]+j[1], 7)
		j[13] ^= rotl(j[9]+j[5], 9)
		j[1] ^= rotl(j[13]+j[9], 13)
		j[5] ^= rotl(j[1]+j[13], 18)

		j[14] ^= rotl(j[10]+j[6], 7)
		j[2] ^= rotl(j[14]+j[10], 9)
		j[6] ^= rotl(j[2]+j[14], 13)
		j[10] ^= rotl(j[6]+j[2], 18)

		j[3] ^= rotl(j[15]+j[11], 7)
		j[7] ^= rotl(j[3]+j[15], 9)
		j[11] ^= rotl(j[7]+j[3], 13)
		j[15] ^= rotl(j[11]+j[7], 18)

		// row round
		j[1] ^= rotl(j[0]+j[3], 7)
		j[2] ^= rotl(j[1]+j[0], 9)
		j[3] ^= rotl(j[2]+j[1], 13)
		j[0] ^= rotl(j[3]+j[2], 18)

		j[6] ^= rotl(j[5]+j[4], 7)
		j[7] ^= rotl(j[6]+j[5], 9)
		j[4] ^= rotl(j[7]+j[6], 13)
		j[5] ^= rotl(j[4]+j[7], 18)

		j[11] ^= rotl(j[10]+j[9], 7)
		j[8] ^= rotl(j[11]+j[10], 9)
		j[9] ^= rotl(j[8]+j[11], 13)
		j[10] ^= rotl(j[9]+j[8], 18)

		j[12] ^= rotl(j[15]+j[14], 7)
		j[13] ^= rotl(j[12]+j[15], 9)
		j[14] ^= rotl(j[13]+j[12], 13)
		j[15] ^= rotl(j[14]+j[13], 18)
	}

	for i := range x {
		binary.LittleEndian.PutUint32(out[4*i:], j[i]+x[i])
	}
}

// Salsa2012 is a Salsa20/12 keystream generator keyed with a 32-byte key
// and an 8-byte nonce, matching this protocol's use of the packet ID as nonce.
type Salsa2012 struct {
	key     [32]byte
	nonce   [8]byte
	counter uint64
	block   [64]byte
	off     int
}

// NewSalsa2012 creates a keystream generator. The nonce is the 8-byte
// packet ID.
func NewSalsa2012(key *[32]byte, nonce *[8]byte) *Salsa2012 {
	s := &Salsa2012{key: *key, nonce: *nonce, off: 64}
	return s
}

// XORKeyStream encrypts (or decrypts) src into dst using the running
// keystream. dst and src may overlap exactly.
func (s *Salsa2012) XORKeyStream(dst, src []byte) {
	for i := 0; i < len(src); i++ {
		if s.off == 64 {
			var in [16]byte
			copy(in[0:8], s.nonce[:])
			binary.LittleEndian.PutUint64(in[8:16], s.counter)
			salsa2012Block(&s.block, &in, &s.key)
			s.counter++
			s.off = 0
		}
		dst[i] = src[i] ^ s.block[s.off]
		s.off++
	}
}

// KeystreamBytes returns the next n bytes of keystream without consuming
// any ciphertext; used to derive the Poly1305 one-time key.
func (s *Salsa2012) KeystreamBytes(n int) []byte {
	out := make([]byte, n)
	zero := make([]byte, n)
	s.XORKeyStream(out, zero)
	return out
}
