package p2p

import (
	"context"
	"sync"
	"sync/atomic"
)

// Result is a single-assignment slot holding a handshake's terminal outcome:
// either a verified connection or an error. The first resolution wins; later
// attempts report false and change nothing. Resolution attempts may race from
// message callbacks, send callbacks, and cancellation.
type Result struct {
	state atomic.Int32 // 0 pending, 1 resolved
	done  chan struct{}
	conn  Connection
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// complete resolves the slot with a verified connection. Returns false if the
// slot was already resolved.
func (r *Result) complete(conn Connection) bool {
	if !r.state.CompareAndSwap(0, 1) {
		return false
	}
	r.conn = conn
	close(r.done)
	return true
}

// fail resolves the slot with an error. Returns false if the slot was already
// resolved.
func (r *Result) fail(err error) bool {
	if !r.state.CompareAndSwap(0, 1) {
		return false
	}
	r.err = err
	close(r.done)
	return true
}

// Done is closed once the slot is resolved.
func (r *Result) Done() <-chan struct{} { return r.done }

// Connection returns the verified connection, or nil before resolution or on
// failure.
func (r *Result) Connection() Connection {
	select {
	case <-r.done:
		return r.conn
	default:
		return nil
	}
}

// Err returns the failure, or nil before resolution or on success.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Await blocks until the slot resolves or the context expires.
func (r *Result) Await(ctx context.Context) (Connection, error) {
	select {
	case <-r.done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failedResult(err error) *Result {
	r := newResult()
	r.fail(err)
	return r
}

// SendResult is the future for one asynchronous send. It resolves exactly once
// with the connection the message left on, or with the transport error.
// Callbacks run on the resolving goroutine (an I/O or dial goroutine, not the
// caller's), in registration order.
type SendResult struct {
	mu        sync.Mutex
	resolved  bool
	conn      Connection
	err       error
	callbacks []func(Connection, error)
}

// NewSendResult returns an unresolved send future. Transports create one per
// SendMessage call.
func NewSendResult() *SendResult {
	return &SendResult{}
}

// Complete resolves the future. A second call is a no-op.
func (s *SendResult) Complete(conn Connection, err error) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.conn = conn
	s.err = err
	callbacks := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(conn, err)
	}
}

// OnComplete registers fn to run when the send resolves. If the send already
// resolved, fn runs immediately on the calling goroutine.
func (s *SendResult) OnComplete(fn func(Connection, error)) {
	s.mu.Lock()
	if !s.resolved {
		s.callbacks = append(s.callbacks, fn)
		s.mu.Unlock()
		return
	}
	conn, err := s.conn, s.err
	s.mu.Unlock()
	fn(conn, err)
}
