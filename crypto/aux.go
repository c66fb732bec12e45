package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// ProbeToken returns a fresh 64-bit pseudo-random tag, used by Topology's
// incoming-probe-token index.
func ProbeToken() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("probe token: %w", err)
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// FastHash128 is a BLAKE2s-based hash used for non-security-critical path
// fingerprints (path.Fingerprint), as opposed to the SHA-384/512
// identity hashes. Grounded on leebo/zerogo's internal/vl1/noise.go, which
// uses BLAKE2s for its Noise handshake hashing; reused here for a cheaper,
// non-adversarial-resistance-critical purpose.
func FastHash128(data []byte) [16]byte {
	full := blake2s.Sum256(data)
	var out [16]byte
	copy(out[:], full[:16])
	return out
}

// AEADTrustedRelay wraps ChaCha20-Poly1305, used by the host-provided
// state_put/state_get persistence hook to encrypt cached World
// documents at rest before handing them to the host's
// storage callback. This is outside the wire protocol itself (which uses
// the cipher suites in armor.go); it is the one place this module reaches
// for an ecosystem AEAD instead of composing one from the suite list,
// because "encrypt this opaque blob for local disk" has nothing to do with
// the packet codec's cipher-suite negotiation.
func AEADTrustedRelay(key *[32]byte) (func(plaintext, nonce []byte) []byte, func(ciphertext, nonce []byte) ([]byte, error), error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("chacha20poly1305: %w", err)
	}
	seal := func(plaintext, nonce []byte) []byte {
		return aead.Seal(nil, nonce, plaintext, nil)
	}
	open := func(ciphertext, nonce []byte) ([]byte, error) {
		pt, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("chacha20poly1305 open: %w", err)
		}
		return pt, nil
	}
	return seal, open, nil
}
