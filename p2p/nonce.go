package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// newNonce draws a random non-zero 64-bit challenge value. Zero is reserved as
// the "no nonce issued" sentinel and must never be returned. Nonces are the
// sole defense against challenge/response spoofing, so they come from
// crypto/rand rather than a seeded PRNG.
func newNonce() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("p2p: generate nonce: %w", err)
		}
		nonce := binary.BigEndian.Uint64(buf[:])
		if nonce != 0 {
			return nonce, nil
		}
	}
}
