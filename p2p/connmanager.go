package p2p

import (
	"log/slog"
	"sort"
	"time"
)

const defaultSweepInterval = 3 * time.Second

// connManager periodically prunes connections above the configured cap.
// Victims are chosen by priority class: passive links go first, then active
// ones, oldest first within a class. Connections tagged PriorityAuthRequest
// carry a handshake in flight and are never reclaimed.
type connManager struct {
	node          *Node
	logger        *slog.Logger
	maxConns      int
	checkInterval time.Duration
	now           func() time.Time
	quit          chan struct{}
}

func newConnManager(node *Node) *connManager {
	mgr := &connManager{
		node:          node,
		logger:        componentLogger("conn_manager"),
		maxConns:      node.cfg.MaxConnections,
		checkInterval: defaultSweepInterval,
		now:           node.now,
		quit:          make(chan struct{}),
	}
	if mgr.maxConns <= 0 {
		mgr.maxConns = defaultMaxConnections
	}
	return mgr
}

func (m *connManager) start() {
	go m.run()
}

func (m *connManager) stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
}

func (m *connManager) run() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.enforceLimits()
		case <-m.quit:
			return
		}
	}
}

func (m *connManager) enforceLimits() {
	conns := m.node.snapshotConns()
	if len(conns) <= m.maxConns {
		return
	}
	victims := selectVictims(conns, len(conns)-m.maxConns)
	for _, victim := range victims {
		m.logger.Info("pruning connection",
			slog.String("uid", victim.uid),
			slog.String("priority", victim.Priority().String()))
		victim.Close(nil)
	}
}

// selectVictims returns up to excess connections eligible for pruning,
// cheapest first. AUTH_REQUEST connections are exempt.
func selectVictims(conns []*netConn, excess int) []*netConn {
	if excess <= 0 {
		return nil
	}
	eligible := make([]*netConn, 0, len(conns))
	for _, conn := range conns {
		if conn.Priority() == PriorityAuthRequest {
			continue
		}
		eligible = append(eligible, conn)
	}
	sort.Slice(eligible, func(i, j int) bool {
		pi, pj := eligible[i].Priority(), eligible[j].Priority()
		if pi != pj {
			return pi < pj
		}
		return eligible[i].establishedAt.Before(eligible[j].establishedAt)
	})
	if len(eligible) > excess {
		eligible = eligible[:excess]
	}
	return eligible
}
