package crypto

import (
	"crypto/aes"
	"crypto/sha512"
	"encoding/binary"
	"sort"
)

// MemoryHardGenMemSize is the scratch size used by the type-0 hashcash
// function, matching ZT_V0_IDENTITY_GEN_MEMORY in the original
// source (original_source/node/Identity.cpp).
const MemoryHardGenMemSize = 2097152

// MemoryHardHash is the type-0 identity hashcash function: SHA-512 of the
// public key seeds a Salsa20 keystream that fills a 2 MiB scratch buffer
// (sequentially, so it cannot be computed out of order), then the buffer is
// used as a lookup table to permute the running digest, each round driven
// further by the same stream. Ported directly from
// original_source/node/Identity.cpp's _computeMemoryHardHash, replacing
// Salsa20/20 (used there to fill memory, not protected by this protocol's
// named cipher suites) with this package's Salsa2012 generator so the
// whole identity layer depends on one stream-cipher implementation.
//
// Returns the 64-byte digest; digest[0] < 17 is the hashcash condition.
func MemoryHardHash(publicKey []byte) [64]byte {
	digest := sha512.Sum512(publicKey)

	var nonce [8]byte
	copy(nonce[:], digest[32:40])
	var key [32]byte
	copy(key[:], digest[:32])
	s := NewSalsa2012(&key, &nonce)

	genmem := make([]byte, MemoryHardGenMemSize)
	s.XORKeyStream(genmem[0:64], genmem[0:64])
	for i := 64; i < MemoryHardGenMemSize; i += 64 {
		copy(genmem[i:i+64], genmem[i-64:i])
		s.XORKeyStream(genmem[i:i+64], genmem[i:i+64])
	}

	words := MemoryHardGenMemSize / 8
	for i := 0; i < words; {
		idx1 := binary.BigEndian.Uint64(genmem[8*i:]) % 8
		i++
		idx2 := binary.BigEndian.Uint64(genmem[8*i:]) % uint64(words)
		i++

		tmp := binary.BigEndian.Uint64(genmem[8*idx2:])
		binary.BigEndian.PutUint64(genmem[8*idx2:], binary.BigEndian.Uint64(digest[8*idx1:]))
		binary.BigEndian.PutUint64(digest[8*idx1:], tmp)

		s.XORKeyStream(digest[:], digest[:])
	}

	clearBytes(genmem)
	return digest
}

// CompoundHashcash is the type-1 identity hashcash function: a modest-cost
// SHA-384 → AES-256 → sort → AES-256 → SHA-384 chain over the compound
// public key, ported from the P384 case in Identity::generate. It is not
// memory-hard; its cost comes from iteration count, not memory.
func CompoundHashcash(compoundPub []byte) ([48]byte, error) {
	digest := sha512.Sum384(compoundPub)

	block, err := aes.NewCipher(digest[:32])
	if err != nil {
		return [48]byte{}, err
	}

	var d2 [48]byte
	block.Encrypt(d2[0:16], digest[0:16])
	block.Encrypt(d2[16:32], digest[16:32])
	block.Encrypt(d2[32:48], digest[32:48])
	sort.Slice(d2[:], func(i, j int) bool { return d2[i] < d2[j] })

	var out [48]byte
	block.Encrypt(out[0:16], d2[0:16])
	block.Encrypt(out[16:32], d2[16:32])
	block.Encrypt(out[32:48], d2[32:48])

	final := sha512.Sum384(out[:])
	return final, nil
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// FingerprintHash returns the 48-byte identity hash used in a Fingerprint
//, computed as SHA-384 over the identity's canonical public-key
// bytes. This is distinct from the address-derivation hashcash functions
// above: it exists purely for collision-resistant peer lookup.
func FingerprintHash(pubBytes []byte) [48]byte {
	return sha512.Sum384(pubBytes)
}
