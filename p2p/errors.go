package p2p

import "errors"

// ErrNonceMismatch indicates a challenge or response carried a nonce that does
// not match the one this handshake issued, or carried the zero sentinel.
var ErrNonceMismatch = errors.New("p2p: nonce verification failed")

// ErrSendFailed indicates a transport-level send did not complete.
var ErrSendFailed = errors.New("p2p: message send failed")

// ErrCancelled indicates the handshake was cancelled by its owner.
var ErrCancelled = errors.New("p2p: handshake cancelled")

// ErrHandshakeInUse indicates an entry point was invoked on a handshake whose
// result slot is already allocated. One handshake runs exactly one round.
var ErrHandshakeInUse = errors.New("p2p: handshake already started")

// IsCancelled reports whether the error originated from an explicit cancel.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
