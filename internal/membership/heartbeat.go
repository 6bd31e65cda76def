package membership

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/transport"
)

type heartbeatRequest struct {
	Member Member `json:"member"`
}

// heartbeatResponse carries the receiver's own entry plus what the receiver
// believes about the sender, so a suspected sender can refute directly.
type heartbeatResponse struct {
	Member      Member `json:"member"`
	Incarnation uint64 `json:"incarnation"`
	Suspect     bool   `json:"suspect,omitempty"`
}

// heartbeatAll pings every live peer concurrently.
func (m *Manager) heartbeatAll(ctx context.Context) {
	self := m.Self()
	if self.Status != StatusActive {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m.Peers() {
		g.Go(func() error {
			m.heartbeat(gctx, self, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) heartbeat(ctx context.Context, self, peer Member) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
	defer cancel()
	resp, err := transport.Call[heartbeatRequest, heartbeatResponse](ctx, m.transport, peer.Addr, m.self,
		transport.KindHeartbeat, heartbeatRequest{Member: self})
	if err != nil {
		m.logger.Debug("heartbeat failed",
			zap.String("node", m.self),
			zap.String("peer", peer.ID),
			zap.Error(err))
		return
	}
	m.emit(m.observe(resp.Member))
	if resp.Suspect {
		m.mu.Lock()
		refute := m.refuteLocked(Member{ID: m.self, Status: StatusSuspected, Incarnation: resp.Incarnation})
		m.mu.Unlock()
		if refute != nil {
			m.Broadcast(*refute, false)
		}
	}
}

// observe records direct evidence that a member is alive.
func (m *Manager) observe(u Member) []Event {
	now := m.now()
	var events []Event

	m.mu.Lock()
	cur, ok := m.members[u.ID]
	if !ok || u.ID == m.self {
		m.mu.Unlock()
		return nil
	}
	cur.LastHeartbeat = now
	if u.Capacity.CPU > 0 {
		cur.Capacity = u.Capacity
	}
	if u.Addr != "" {
		cur.Addr = u.Addr
	}
	if len(u.PublicKey) > 0 {
		cur.PublicKey = append([]byte(nil), u.PublicKey...)
	}
	if len(u.Validates) > 0 {
		cur.Validates = append([]cluster.TaskType(nil), u.Validates...)
	}
	if u.Incarnation > cur.Incarnation {
		revived := cur.Status == StatusSuspected && u.Status == StatusActive
		cur.Incarnation = u.Incarnation
		if revived {
			cur.Status = StatusActive
			events = append(events, Event{Type: EventAlive, Member: cur.clone()})
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.logEvent(ev)
	}
	return events
}

func (m *Manager) handleHeartbeat(req heartbeatRequest) (heartbeatResponse, error) {
	m.mu.RLock()
	cur, ok := m.members[req.Member.ID]
	var known Member
	if ok {
		known = cur.clone()
	}
	m.mu.RUnlock()
	if !ok {
		return heartbeatResponse{}, ErrNotMember
	}

	suspect := known.Status == StatusSuspected && req.Member.Incarnation <= known.Incarnation
	m.emit(m.observe(req.Member))
	return heartbeatResponse{
		Member:      m.Self(),
		Suspect:     suspect,
		Incarnation: known.Incarnation,
	}, nil
}
