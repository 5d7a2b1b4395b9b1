package p2p

import (
	"sync"
	"testing"
	"time"
)

// fakeConn is a Connection double that records mutations. Close completes
// synchronously unless manualClose is set, in which case the test fires the
// recorded callback itself.
type fakeConn struct {
	uid         string
	manualClose bool

	mu            sync.Mutex
	peerAddr      Address
	priority      ConnectionPriority
	closed        bool
	closeCallback func()
}

func (c *fakeConn) UID() string { return c.uid }

func (c *fakeConn) PeerAddress() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

func (c *fakeConn) SetPeerAddress(addr Address) {
	c.mu.Lock()
	c.peerAddr = addr
	c.mu.Unlock()
}

func (c *fakeConn) Priority() ConnectionPriority {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

func (c *fakeConn) SetPriority(priority ConnectionPriority) {
	c.mu.Lock()
	c.priority = priority
	c.mu.Unlock()
}

func (c *fakeConn) Close(onComplete func()) {
	c.mu.Lock()
	c.closed = true
	c.closeCallback = onComplete
	manual := c.manualClose
	c.mu.Unlock()
	if !manual && onComplete != nil {
		onComplete()
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) finishClose(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	callback := c.closeCallback
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		t.Fatalf("finishClose called but connection was never closed")
	}
	if callback != nil {
		callback()
	}
}

type sentMessage struct {
	addr   Address
	msg    Message
	result *SendResult
}

// fakeNode is a NetworkNode double: it records sends and leaves their
// resolution to the test.
type fakeNode struct {
	mu        sync.Mutex
	listeners []MessageListener
	sent      []sentMessage
}

func (n *fakeNode) SendMessage(addr Address, msg Message) *SendResult {
	result := NewSendResult()
	n.mu.Lock()
	n.sent = append(n.sent, sentMessage{addr: addr, msg: msg, result: result})
	n.mu.Unlock()
	return result
}

func (n *fakeNode) AddMessageListener(listener MessageListener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()
}

func (n *fakeNode) RemoveMessageListener(listener MessageListener) {
	n.mu.Lock()
	for i, l := range n.listeners {
		if l == listener {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
}

func (n *fakeNode) deliver(msg Message, conn Connection) {
	n.mu.Lock()
	listeners := make([]MessageListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()
	for _, listener := range listeners {
		listener.OnMessage(msg, conn)
	}
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNode) sentAt(t *testing.T, i int) sentMessage {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.sent) {
		t.Fatalf("expected at least %d sends, got %d", i+1, len(n.sent))
	}
	return n.sent[i]
}

func (n *fakeNode) listenerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// fakeDirectory is an in-memory PeerDirectory double.
type fakeDirectory struct {
	mu            sync.Mutex
	known         []Address
	reported      []Address
	authenticated []Address
}

func (d *fakeDirectory) AuthenticatedAndReportedPeers() []Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Address{}, d.known...)
}

func (d *fakeDirectory) AddReportedPeers(peers []Address, source Connection) {
	d.mu.Lock()
	d.reported = append(d.reported, peers...)
	d.mu.Unlock()
}

func (d *fakeDirectory) MarkAuthenticated(addr Address) {
	d.mu.Lock()
	d.authenticated = append(d.authenticated, addr)
	d.mu.Unlock()
}

func (d *fakeDirectory) reportedPeers() []Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Address{}, d.reported...)
}

func (d *fakeDirectory) authenticatedPeers() []Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Address{}, d.authenticated...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
