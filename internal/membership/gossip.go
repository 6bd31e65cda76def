package membership

import (
	"context"
	"math/rand"
	"sync"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hive/internal/transport"
)

type gossipMessage struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
	Update Member `json:"update"`
	TTL    int    `json:"ttl"`
	Joined bool   `json:"joined,omitempty"`
}

// dedupWindow remembers the most recent message ids, oldest evicted first.
type dedupWindow struct {
	order *queue.Queue
	seen  map[string]struct{}
	limit int
	mu    sync.Mutex
}

func newDedupWindow(limit int) *dedupWindow {
	if limit <= 0 {
		limit = 1024
	}
	return &dedupWindow{order: queue.New(), seen: make(map[string]struct{}), limit: limit}
}

// add records id and reports whether it was new.
func (d *dedupWindow) add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	d.order.Enqueue(id)
	for d.order.Len() > d.limit {
		delete(d.seen, d.order.Dequeue().(string))
	}
	return true
}

// Broadcast gossips update to a random subset of active peers.
func (m *Manager) Broadcast(update Member, joined bool) {
	msg := gossipMessage{
		ID:     uuid.NewString(),
		Origin: m.self,
		Update: update,
		TTL:    m.cfg.GossipTTL,
		Joined: joined,
	}
	m.dedup.add(msg.ID)
	m.forward(msg, "")
}

func (m *Manager) forward(msg gossipMessage, exclude string) {
	var targets []Member
	for _, p := range m.Active() {
		if p.ID == m.self || p.ID == exclude || p.ID == msg.Update.ID {
			continue
		}
		targets = append(targets, p)
	}
	rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	// Admissions go to everyone; a member that misses one rejects the
	// newcomer's heartbeats.
	if n := m.cfg.GossipFanout; !msg.Joined && n > 0 && len(targets) > n {
		targets = targets[:n]
	}
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	for _, p := range targets {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
			defer cancel()
			_, err := transport.Call[gossipMessage, struct{}](ctx, m.transport, p.Addr, m.self, transport.KindGossip, msg)
			if err != nil {
				m.logger.Debug("gossip send failed",
					zap.String("node", m.self),
					zap.String("peer", p.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// handleGossip applies a received update once and forwards it while its
// TTL lasts.
func (m *Manager) handleGossip(from string, msg gossipMessage) {
	if !m.dedup.add(msg.ID) {
		return
	}
	events := m.apply(msg.Update, msg.Joined)
	if msg.TTL > 1 {
		msg.TTL--
		go m.forward(msg, from)
	}
	m.emit(events)
}
