package p2p

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"overnet/observability/logging"
)

// DefaultSettlingDelay is how long a responder waits after closing the inbound
// connection before dialing the claimed address. The close signaling between
// the two sides has to settle first or the peer may still see stale connection
// state.
const DefaultSettlingDelay = 1000 * time.Millisecond

// Handshake runs one round of mutual, address-verified authentication with
// exactly one peer. It is driven either by RequestAuthentication (we start) or
// RespondToAuthenticationRequest (the peer started); from then on it reacts to
// inbound messages and send callbacks until it resolves its result exactly
// once.
//
// Protocol:
//
//	requester: send AuthenticationRequest to peer
//	responder: close the inbound connection
//	responder: send AuthenticationChallenge on a fresh connection to the
//	           requester's claimed address, proving the address is real
//	requester: verify echoed nonce, send AuthenticationResponse
//	responder: verify echoed nonce, done
//
// Two handshakes are interchangeable for deduplication purposes iff their peer
// addresses are equal; an owning registry uses PeerAddress as the key to avoid
// running concurrent handshakes to the same peer.
type Handshake struct {
	node      NetworkNode
	directory PeerDirectory

	myAddress   Address
	peerAddress Address

	logger  *slog.Logger
	metrics *networkMetrics

	startedAt     time.Time
	settlingDelay time.Duration
	schedule      func(time.Duration, func())

	mu     sync.Mutex
	nonce  uint64
	result *Result

	stopped atomic.Bool
}

// NewHandshake creates a handshake bound to one peer address and registers it
// for inbound messages. The caller must drive it with exactly one entry point
// and should discard it once the result resolves.
func NewHandshake(node NetworkNode, directory PeerDirectory, myAddress, peerAddress Address) *Handshake {
	h := &Handshake{
		node:          node,
		directory:     directory,
		myAddress:     myAddress,
		peerAddress:   peerAddress,
		logger:        componentLogger("handshake").With(logging.MaskField("peer_address", peerAddress.String())),
		metrics:       getNetworkMetrics(),
		startedAt:     time.Now(),
		settlingDelay: DefaultSettlingDelay,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
	node.AddMessageListener(h)
	h.metrics.sessionStarted()
	return h
}

// SetSettlingDelay overrides the responder's post-close delay. Call before the
// handshake is started.
func (h *Handshake) SetSettlingDelay(d time.Duration) {
	if d > 0 {
		h.settlingDelay = d
	}
}

// PeerAddress returns the address this handshake authenticates. It is the
// deduplication key: an owner must never run two live handshakes with the same
// peer address.
func (h *Handshake) PeerAddress() Address { return h.peerAddress }

// Stopped reports whether the handshake reached a terminal state.
func (h *Handshake) Stopped() bool { return h.stopped.Load() }

// RequestAuthentication starts the handshake as the requesting side: issue a
// nonce, send the request, and wait for the responder's challenge. The
// returned result resolves once, with the verified connection or an error.
func (h *Handshake) RequestAuthentication() *Result {
	result, err := h.allocateResult()
	if err != nil {
		h.logger.Warn("requestAuthentication called on a used handshake")
		return failedResult(err)
	}
	nonce, err := newNonce()
	if err != nil {
		h.failed(err)
		return result
	}
	h.setNonce(nonce)

	request := AuthenticationRequest{SenderAddress: h.myAddress, RequesterNonce: nonce}
	h.node.SendMessage(h.peerAddress, request).OnComplete(func(conn Connection, err error) {
		if err != nil {
			h.failed(fmt.Errorf("%w: authentication request to %s: %v", ErrSendFailed, h.peerAddress, err))
			return
		}
		if h.stopped.Load() {
			return
		}
		// Protect the connection from the maintenance sweep while the
		// handshake is pending.
		conn.SetPriority(PriorityAuthRequest)
		h.logger.Debug("authentication request sent", slog.String("uid", conn.UID()))
	})
	return result
}

// RespondToAuthenticationRequest starts the handshake as the responding side.
// The inbound connection is deliberately closed: its network-level source
// proves nothing about the claimed sender address, so the responder
// re-establishes contact on its own terms before issuing a challenge.
func (h *Handshake) RespondToAuthenticationRequest(request AuthenticationRequest, conn Connection) *Result {
	result, err := h.allocateResult()
	if err != nil {
		h.logger.Warn("respondToAuthenticationRequest called on a used handshake")
		return failedResult(err)
	}

	h.logger.Info("closing inbound connection to verify the claimed peer address",
		slog.String("uid", conn.UID()))
	conn.Close(func() {
		h.schedule(h.settlingDelay, func() {
			h.sendChallenge(request)
		})
	})
	return result
}

func (h *Handshake) sendChallenge(request AuthenticationRequest) {
	if h.stopped.Load() {
		h.logger.Warn("handshake stopped before the challenge could be sent")
		return
	}
	nonce, err := newNonce()
	if err != nil {
		h.failed(err)
		return
	}
	h.setNonce(nonce)

	challenge := AuthenticationChallenge{
		SenderAddress:  h.myAddress,
		RequesterNonce: request.RequesterNonce,
		ResponderNonce: nonce,
		ReportedPeers:  h.directory.AuthenticatedAndReportedPeers(),
	}
	h.node.SendMessage(h.peerAddress, challenge).OnComplete(func(conn Connection, err error) {
		if err != nil {
			h.failed(fmt.Errorf("%w: authentication challenge to %s: %v", ErrSendFailed, h.peerAddress, err))
			return
		}
		if h.stopped.Load() {
			return
		}
		conn.SetPriority(PriorityPassive)
		h.logger.Debug("authentication challenge sent", slog.String("uid", conn.UID()))
	})
}

// OnMessage implements MessageListener. The transport delivers every inbound
// message here; anything that is not a protocol message from our peer while we
// are live is dropped without a state change.
func (h *Handshake) OnMessage(msg Message, conn Connection) {
	if h.stopped.Load() {
		h.logger.Warn("message received after handshake shutdown",
			slog.String("type", fmt.Sprintf("%T", msg)))
		return
	}
	if !acceptsAuthMessage(h.peerAddress, msg) {
		return
	}
	switch m := msg.(type) {
	case AuthenticationChallenge:
		h.handleChallenge(m, conn)
	case AuthenticationResponse:
		h.handleResponse(m, conn)
	}
}

// acceptsAuthMessage is the dispatch filter: only the protocol messages, and
// only from the handshake's own peer.
func acceptsAuthMessage(peer Address, msg Message) bool {
	switch msg.(type) {
	case AuthenticationRequest, AuthenticationChallenge, AuthenticationResponse:
		return msg.Sender() == peer
	default:
		return false
	}
}

func (h *Handshake) handleChallenge(challenge AuthenticationChallenge, conn Connection) {
	// Bind the connection to the challenge's sender before replying.
	// Without the binding the response would not find this connection and
	// the transport would dial a duplicate outbound one.
	conn.SetPeerAddress(challenge.SenderAddress)
	conn.SetPriority(PriorityActive)

	issued := h.currentNonce()
	if issued == 0 || issued != challenge.RequesterNonce {
		h.failed(fmt.Errorf("%w: challenge echoed nonce %d, issued %d",
			ErrNonceMismatch, challenge.RequesterNonce, issued))
		return
	}

	h.directory.AddReportedPeers(challenge.ReportedPeers, conn)
	response := AuthenticationResponse{
		SenderAddress:  h.myAddress,
		ResponderNonce: challenge.ResponderNonce,
		ReportedPeers:  h.directory.AuthenticatedAndReportedPeers(),
	}
	h.node.SendMessage(h.peerAddress, response).OnComplete(func(conn Connection, err error) {
		if err != nil {
			h.failed(fmt.Errorf("%w: authentication response to %s: %v", ErrSendFailed, h.peerAddress, err))
			return
		}
		h.logger.Info("peer authenticated",
			slog.String("uid", conn.UID()),
			slog.Duration("took", time.Since(h.startedAt)))
		h.completed(conn)
	})
}

func (h *Handshake) handleResponse(response AuthenticationResponse, conn Connection) {
	issued := h.currentNonce()
	if issued == 0 || issued != response.ResponderNonce {
		h.failed(fmt.Errorf("%w: response echoed nonce %d, issued %d",
			ErrNonceMismatch, response.ResponderNonce, issued))
		return
	}
	h.directory.AddReportedPeers(response.ReportedPeers, conn)
	h.logger.Info("peer authenticated",
		slog.String("uid", conn.UID()),
		slog.Duration("took", time.Since(h.startedAt)))
	h.completed(conn)
}

// Cancel forces the handshake into a failed terminal state. Harmless if the
// handshake already terminated.
func (h *Handshake) Cancel() {
	h.failed(ErrCancelled)
}

func (h *Handshake) allocateResult() (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result != nil {
		return nil, ErrHandshakeInUse
	}
	h.result = newResult()
	return h.result, nil
}

func (h *Handshake) setNonce(nonce uint64) {
	h.mu.Lock()
	h.nonce = nonce
	h.mu.Unlock()
}

func (h *Handshake) currentNonce() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nonce
}

func (h *Handshake) completed(conn Connection) {
	h.shutdown("success")
	h.mu.Lock()
	result := h.result
	h.mu.Unlock()
	if result == nil {
		h.logger.Warn("handshake completed before a result slot was allocated")
		return
	}
	if !result.complete(conn) {
		h.logger.Warn("handshake result already resolved", slog.String("uid", conn.UID()))
	}
}

func (h *Handshake) failed(err error) {
	h.shutdown("failure")
	h.mu.Lock()
	result := h.result
	h.mu.Unlock()
	if result == nil {
		h.logger.Warn("handshake failed before a result slot was allocated",
			slog.Any("error", err))
		return
	}
	if !result.fail(err) {
		h.logger.Warn("handshake result already resolved", slog.Any("error", err))
	}
}

// shutdown is the only path out of the live set: flip the stopped flag and
// deregister from the dispatcher. Only the first invocation has effect; later
// terminal transitions racing in become no-ops.
func (h *Handshake) shutdown(outcome string) {
	if h.stopped.Swap(true) {
		return
	}
	h.node.RemoveMessageListener(h)
	h.metrics.sessionFinished(outcome, time.Since(h.startedAt))
}
