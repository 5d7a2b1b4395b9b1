package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"overnet/observability/logging"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 90 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultMaxFrame     = 1 << 20
	outboundQueueSize   = 64

	defaultMaxConnections = 64
)

var errQueueFull = errors.New("p2p: connection outbound queue full")

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// NodeConfig encapsulates runtime settings for the transport node.
type NodeConfig struct {
	// ListenAddress is the TCP endpoint to accept peers on.
	ListenAddress string
	// Address is the dialable overlay address this node advertises as its
	// own in protocol messages.
	Address        Address
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
	MaxFrameBytes  int
	MaxConnections int
}

// Node is the TCP transport: it accepts and dials connections, frames
// messages, resolves asynchronous sends, and fans every inbound message out to
// all registered listeners. It implements NetworkNode.
type Node struct {
	cfg     NodeConfig
	logger  *slog.Logger
	metrics *networkMetrics
	dialFn  dialFunc
	now     func() time.Time

	mu     sync.RWMutex
	conns  map[string]*netConn
	byAddr map[Address]*netConn

	listenerMu sync.RWMutex
	listeners  []MessageListener

	ln          net.Listener
	quit        chan struct{}
	closeOnce   sync.Once
	connMgr     *connManager
	connMgrOnce sync.Once
}

// NewNode creates a transport node. Zero config fields get defaults.
func NewNode(cfg NodeConfig) *Node {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrame
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	return &Node{
		cfg:     cfg,
		logger:  componentLogger("p2p_node"),
		metrics: getNetworkMetrics(),
		dialFn:  defaultDialer,
		now:     time.Now,
		conns:   make(map[string]*netConn),
		byAddr:  make(map[Address]*netConn),
		quit:    make(chan struct{}),
	}
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// Start begins listening for inbound peers. It returns once the listener is
// bound; accepting runs in the background until Close.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("p2p: listen on %s: %w", n.cfg.ListenAddress, err)
	}
	n.ln = ln
	if n.cfg.Address == "" {
		n.cfg.Address = Address(ln.Addr().String())
	}
	n.logger.Info("node listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		logging.MaskField("node_address", n.cfg.Address.String()))
	go n.acceptLoop(ln)
	return nil
}

func (n *Node) acceptLoop(ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-n.quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			n.logger.Warn("accept failed", slog.Any("error", err))
			return
		}
		n.handleInbound(raw)
	}
}

func (n *Node) handleInbound(raw net.Conn) {
	// The socket's remote endpoint is only a placeholder binding; a
	// handshake rebinds the connection to the peer's claimed overlay
	// address once it is verified.
	conn := newNetConn(n, raw, Address(raw.RemoteAddr().String()), true)
	if adopted := n.adopt(conn); adopted != conn {
		_ = raw.Close()
		return
	}
	conn.start()
}

// Address returns the overlay address this node advertises.
func (n *Node) Address() Address { return n.cfg.Address }

// ListenAddress returns the bound listener endpoint, useful when listening on
// an ephemeral port.
func (n *Node) ListenAddress() string {
	if n.ln == nil {
		return n.cfg.ListenAddress
	}
	return n.ln.Addr().String()
}

// AddMessageListener implements NetworkNode.
func (n *Node) AddMessageListener(listener MessageListener) {
	if listener == nil {
		return
	}
	n.listenerMu.Lock()
	n.listeners = append(n.listeners, listener)
	n.listenerMu.Unlock()
}

// RemoveMessageListener implements NetworkNode.
func (n *Node) RemoveMessageListener(listener MessageListener) {
	n.listenerMu.Lock()
	for i, l := range n.listeners {
		if l == listener {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			break
		}
	}
	n.listenerMu.Unlock()
}

func (n *Node) dispatch(msg Message, conn Connection) {
	n.listenerMu.RLock()
	listeners := make([]MessageListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.listenerMu.RUnlock()
	for _, listener := range listeners {
		listener.OnMessage(msg, conn)
	}
}

// SendMessage implements NetworkNode. An existing connection bound to the
// address is reused; otherwise a fresh outbound connection is dialed. The
// returned future resolves with the connection the message left on, or with
// the transport error.
func (n *Node) SendMessage(addr Address, msg Message) *SendResult {
	result := NewSendResult()
	data, err := encodeMessage(msg)
	if err != nil {
		result.Complete(nil, err)
		return result
	}
	if conn := n.connectionTo(addr); conn != nil {
		conn.enqueue(outboundFrame{data: data, result: result})
		return result
	}
	go n.dialAndSend(addr, data, result)
	return result
}

func (n *Node) dialAndSend(addr Address, data []byte, result *SendResult) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DialTimeout)
	defer cancel()
	raw, err := n.dialFn(ctx, addr.String())
	if err != nil {
		n.metrics.recordSendFailure()
		result.Complete(nil, fmt.Errorf("p2p: dial %s: %w", addr, err))
		return
	}
	conn := n.adopt(newNetConn(n, raw, addr, false))
	if conn.raw != raw {
		// Lost the race against a concurrent dial to the same address.
		_ = raw.Close()
	} else {
		conn.start()
	}
	conn.enqueue(outboundFrame{data: data, result: result})
}

// adopt registers the connection, or returns the one already bound to the
// same address when a concurrent dial won.
func (n *Node) adopt(conn *netConn) *netConn {
	addr := conn.PeerAddress()
	n.mu.Lock()
	if existing, ok := n.byAddr[addr]; ok && existing != conn {
		n.mu.Unlock()
		return existing
	}
	n.conns[conn.uid] = conn
	n.byAddr[addr] = conn
	n.mu.Unlock()
	n.metrics.connectionOpened()
	return conn
}

func (n *Node) deregister(conn *netConn) {
	addr := conn.PeerAddress()
	n.mu.Lock()
	if current, ok := n.conns[conn.uid]; ok && current == conn {
		delete(n.conns, conn.uid)
	}
	if current, ok := n.byAddr[addr]; ok && current == conn {
		delete(n.byAddr, addr)
	}
	n.mu.Unlock()
}

func (n *Node) rebind(conn *netConn, old, updated Address) {
	n.mu.Lock()
	if current, ok := n.byAddr[old]; ok && current == conn {
		delete(n.byAddr, old)
	}
	n.byAddr[updated] = conn
	n.mu.Unlock()
}

func (n *Node) connectionTo(addr Address) *netConn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.byAddr[addr]
}

func (n *Node) snapshotConns() []*netConn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*netConn, 0, len(n.conns))
	for _, conn := range n.conns {
		out = append(out, conn)
	}
	return out
}

// ConnectionCount returns the number of open connections.
func (n *Node) ConnectionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// StartMaintenance launches the periodic sweep that enforces the connection
// cap. Connections tagged PriorityAuthRequest are never reclaimed.
func (n *Node) StartMaintenance() {
	n.connMgrOnce.Do(func() {
		n.connMgr = newConnManager(n)
		n.connMgr.start()
	})
}

// Close shuts the node down: stop accepting, stop maintenance, and tear down
// every connection. Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.quit)
		if n.ln != nil {
			_ = n.ln.Close()
		}
		if n.connMgr != nil {
			n.connMgr.stop()
		}
		for _, conn := range n.snapshotConns() {
			conn.Close(nil)
		}
	})
	return nil
}
