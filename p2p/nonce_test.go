package p2p

import "testing"

func TestNewNonceNeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		nonce, err := newNonce()
		if err != nil {
			t.Fatalf("newNonce: %v", err)
		}
		if nonce == 0 {
			t.Fatalf("newNonce returned the reserved zero sentinel")
		}
	}
}

func TestNewNonceVaries(t *testing.T) {
	seen := make(map[uint64]struct{}, 100)
	for i := 0; i < 100; i++ {
		nonce, err := newNonce()
		if err != nil {
			t.Fatalf("newNonce: %v", err)
		}
		seen[nonce] = struct{}{}
	}
	if len(seen) < 100 {
		t.Fatalf("expected 100 distinct nonces, got %d", len(seen))
	}
}
