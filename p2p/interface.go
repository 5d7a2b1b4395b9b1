package p2p

// ConnectionPriority tags a connection with the reason it exists. Connection
// maintenance uses the tag to decide what may be reclaimed.
type ConnectionPriority int32

const (
	// PriorityPassive marks a connection this side accepted.
	PriorityPassive ConnectionPriority = iota
	// PriorityActive marks a connection this side dialed.
	PriorityActive
	// PriorityAuthRequest protects a connection carrying an in-flight
	// handshake from the maintenance sweep.
	PriorityAuthRequest
)

func (p ConnectionPriority) String() string {
	switch p {
	case PriorityPassive:
		return "passive"
	case PriorityActive:
		return "active"
	case PriorityAuthRequest:
		return "auth_request"
	default:
		return "unknown"
	}
}

// Connection is a live transport link to one peer. The peer address binding
// and the priority tag are mutable; everything else about the link belongs to
// the transport.
type Connection interface {
	// UID returns the connection's stable identity.
	UID() string
	// PeerAddress returns the overlay address currently bound to the link.
	// For an accepted connection this starts out as the socket's remote
	// endpoint, which is not necessarily the peer's dialable address.
	PeerAddress() Address
	// SetPeerAddress rebinds the link to the given overlay address so
	// subsequent sends to that address reuse this connection.
	SetPeerAddress(addr Address)
	Priority() ConnectionPriority
	SetPriority(priority ConnectionPriority)
	// Close tears the link down and invokes onComplete once teardown has
	// finished. onComplete may be nil. Closing twice is safe.
	Close(onComplete func())
}

// MessageListener receives every inbound message on every connection. There is
// no per-peer demultiplexing; listeners filter by sender address themselves.
type MessageListener interface {
	OnMessage(msg Message, conn Connection)
}

// NetworkNode is the transport surface the handshake core drives: asynchronous
// sends that resolve to the connection used (or an error), and a global
// listener registry.
type NetworkNode interface {
	SendMessage(addr Address, msg Message) *SendResult
	AddMessageListener(listener MessageListener)
	RemoveMessageListener(listener MessageListener)
}

// PeerDirectory stores the locally known peer set. Handshakes attach its
// snapshot to outgoing messages and merge gossiped peers back in.
type PeerDirectory interface {
	AuthenticatedAndReportedPeers() []Address
	AddReportedPeers(peers []Address, source Connection)
}
