package p2p

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"overnet/observability/logging"
)

type outboundFrame struct {
	data   []byte
	result *SendResult
}

// netConn is the transport's connection: a TCP link with newline-delimited
// JSON envelope frames, a write queue, a mutable overlay-address binding, and
// a priority tag for the maintenance sweep.
type netConn struct {
	uid           string
	raw           net.Conn
	reader        *bufio.Reader
	node          *Node
	outbound      chan outboundFrame
	inbound       bool
	establishedAt time.Time

	priority atomic.Int32

	mu             sync.Mutex
	peerAddr       Address
	torndown       bool
	closeCallbacks []func()

	closeOnce sync.Once
	closed    chan struct{}
}

func newNetConn(node *Node, raw net.Conn, peerAddr Address, inbound bool) *netConn {
	c := &netConn{
		uid:           uuid.NewString(),
		raw:           raw,
		reader:        bufio.NewReader(raw),
		node:          node,
		outbound:      make(chan outboundFrame, outboundQueueSize),
		inbound:       inbound,
		establishedAt: node.now(),
		peerAddr:      peerAddr,
		closed:        make(chan struct{}),
	}
	if inbound {
		c.priority.Store(int32(PriorityPassive))
	} else {
		c.priority.Store(int32(PriorityActive))
	}
	return c
}

func (c *netConn) start() {
	go c.readLoop()
	go c.writeLoop()
}

// UID implements Connection.
func (c *netConn) UID() string { return c.uid }

// PeerAddress implements Connection.
func (c *netConn) PeerAddress() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

// SetPeerAddress implements Connection. Rebinding also updates the node's
// address index so subsequent sends to the new address reuse this connection
// instead of dialing a duplicate.
func (c *netConn) SetPeerAddress(addr Address) {
	c.mu.Lock()
	old := c.peerAddr
	c.peerAddr = addr
	c.mu.Unlock()
	if old != addr {
		c.node.rebind(c, old, addr)
	}
}

// Priority implements Connection.
func (c *netConn) Priority() ConnectionPriority {
	return ConnectionPriority(c.priority.Load())
}

// SetPriority implements Connection.
func (c *netConn) SetPriority(priority ConnectionPriority) {
	c.priority.Store(int32(priority))
}

// Close implements Connection. The first call starts teardown; every call's
// onComplete still runs once teardown has finished.
func (c *netConn) Close(onComplete func()) {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		if onComplete != nil {
			go onComplete()
		}
		return
	}
	if onComplete != nil {
		c.closeCallbacks = append(c.closeCallbacks, onComplete)
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.closed)
		go c.teardown()
	})
}

func (c *netConn) teardown() {
	_ = c.raw.Close()
	c.node.deregister(c)

	// Fail whatever was still queued; the frames never reached the wire.
	for {
		select {
		case frame := <-c.outbound:
			frame.result.Complete(nil, fmt.Errorf("p2p: connection %s closed before send", c.uid))
		default:
			c.finishTeardown()
			return
		}
	}
}

func (c *netConn) finishTeardown() {
	c.mu.Lock()
	c.torndown = true
	callbacks := c.closeCallbacks
	c.closeCallbacks = nil
	c.mu.Unlock()

	c.node.metrics.connectionClosed()
	for _, fn := range callbacks {
		fn()
	}
}

func (c *netConn) terminate(err error) {
	if err != nil {
		c.node.logger.Info("connection closed",
			slog.String("uid", c.uid),
			logging.MaskField("peer_address", c.PeerAddress().String()),
			slog.Any("error", err))
	}
	c.Close(nil)
}

func (c *netConn) enqueue(frame outboundFrame) {
	select {
	case <-c.closed:
		frame.result.Complete(nil, fmt.Errorf("p2p: connection %s closed", c.uid))
		return
	default:
	}
	select {
	case c.outbound <- frame:
	case <-c.closed:
		frame.result.Complete(nil, fmt.Errorf("p2p: connection %s closed", c.uid))
	default:
		frame.result.Complete(nil, errQueueFull)
	}
}

func (c *netConn) readLoop() {
	maxFrame := c.node.cfg.MaxFrameBytes
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		if err := c.raw.SetReadDeadline(c.node.now().Add(c.node.cfg.ReadTimeout)); err != nil {
			c.terminate(fmt.Errorf("set read deadline: %w", err))
			return
		}
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.terminate(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		if len(line) > maxFrame {
			c.terminate(fmt.Errorf("frame of %d bytes exceeds limit %d", len(line), maxFrame))
			return
		}
		msg, err := decodeMessage(line)
		if err != nil {
			c.terminate(err)
			return
		}
		c.node.dispatch(msg, c)
	}
}

func (c *netConn) writeLoop() {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.writeFrame(frame.data); err != nil {
				frame.result.Complete(nil, fmt.Errorf("p2p: write frame: %w", err))
				c.node.metrics.recordSendFailure()
				c.terminate(err)
				return
			}
			frame.result.Complete(c, nil)
		case <-c.closed:
			return
		}
	}
}

func (c *netConn) writeFrame(data []byte) error {
	if err := c.raw.SetWriteDeadline(c.node.now().Add(c.node.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.raw.Write(append(data, '\n'))
	return err
}
