package p2p

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"overnet/observability/logging"
)

// ErrRegistryClosed indicates a handshake was requested on a closed registry.
var ErrRegistryClosed = errors.New("p2p: handshake registry closed")

// authenticationRecorder is implemented by directories that distinguish
// authenticated peers from merely reported ones.
type authenticationRecorder interface {
	MarkAuthenticated(addr Address)
}

// Registry owns the live handshakes. Handshakes are deduplicated by peer
// address, their documented equality key, so at most one round runs per peer
// at a time regardless of which side initiated. The registry also listens for
// inbound AuthenticationRequests and spawns responder handshakes for them.
type Registry struct {
	node      NetworkNode
	directory PeerDirectory
	myAddress Address
	logger    *slog.Logger

	settlingDelay time.Duration

	mu       sync.Mutex
	sessions map[Address]*liveHandshake
	closed   bool
}

type liveHandshake struct {
	handshake *Handshake
	result    *Result
}

// NewRegistry creates a registry bound to this node's overlay address and
// registers it for inbound messages.
func NewRegistry(node NetworkNode, directory PeerDirectory, myAddress Address) *Registry {
	r := &Registry{
		node:          node,
		directory:     directory,
		myAddress:     myAddress,
		logger:        componentLogger("handshake_registry"),
		settlingDelay: DefaultSettlingDelay,
		sessions:      make(map[Address]*liveHandshake),
	}
	node.AddMessageListener(r)
	return r
}

// SetSettlingDelay overrides the responder settling delay applied to
// handshakes this registry spawns.
func (r *Registry) SetSettlingDelay(d time.Duration) {
	if d > 0 {
		r.settlingDelay = d
	}
}

// Authenticate runs (or joins) the handshake with the given peer. If a round
// with that address is already in flight, its result is returned instead of
// starting a second one.
func (r *Registry) Authenticate(peer Address) *Result {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return failedResult(ErrRegistryClosed)
	}
	if live, ok := r.sessions[peer]; ok {
		r.mu.Unlock()
		return live.result
	}
	h := NewHandshake(r.node, r.directory, r.myAddress, peer)
	h.SetSettlingDelay(r.settlingDelay)
	result := h.RequestAuthentication()
	r.sessions[peer] = &liveHandshake{handshake: h, result: result}
	r.mu.Unlock()

	go r.watch(peer, h, result)
	return result
}

// OnMessage implements MessageListener. The registry reacts only to
// AuthenticationRequests; challenges and responses belong to the handshake
// that issued them.
func (r *Registry) OnMessage(msg Message, conn Connection) {
	request, ok := msg.(AuthenticationRequest)
	if !ok {
		return
	}
	peer := request.SenderAddress
	if _, err := ParseAddress(peer.String()); err != nil {
		r.logger.Warn("authentication request with undialable sender address dropped",
			slog.Any("error", err))
		return
	}
	if peer == r.myAddress {
		r.logger.Warn("authentication request from own address dropped")
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.sessions[peer]; ok {
		r.mu.Unlock()
		r.logger.Warn("authentication request while a handshake is already in flight",
			logging.MaskField("peer_address", peer.String()))
		return
	}
	h := NewHandshake(r.node, r.directory, r.myAddress, peer)
	h.SetSettlingDelay(r.settlingDelay)
	result := h.RespondToAuthenticationRequest(request, conn)
	r.sessions[peer] = &liveHandshake{handshake: h, result: result}
	r.mu.Unlock()

	go r.watch(peer, h, result)
}

func (r *Registry) watch(peer Address, h *Handshake, result *Result) {
	<-result.Done()
	if err := result.Err(); err != nil {
		r.logger.Info("handshake failed",
			logging.MaskField("peer_address", peer.String()),
			slog.Any("error", err))
	} else {
		if recorder, ok := r.directory.(authenticationRecorder); ok {
			recorder.MarkAuthenticated(peer)
		}
		r.logger.Info("handshake completed",
			logging.MaskField("peer_address", peer.String()))
	}
	r.remove(peer, h)
}

func (r *Registry) remove(peer Address, h *Handshake) {
	r.mu.Lock()
	if live, ok := r.sessions[peer]; ok && live.handshake == h {
		delete(r.sessions, peer)
	}
	r.mu.Unlock()
}

// LiveCount returns the number of handshakes currently in flight.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close cancels every live handshake and stops accepting new work.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	live := make([]*liveHandshake, 0, len(r.sessions))
	for _, session := range r.sessions {
		live = append(live, session)
	}
	r.mu.Unlock()

	r.node.RemoveMessageListener(r)
	for _, session := range live {
		session.handshake.Cancel()
	}
}
