package membership

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/transport"
)

var (
	// ErrNotMember is returned for nodes outside the current view.
	ErrNotMember = errors.New("not a member")
	// ErrUnknownJoinRequest is returned by JoinStatus for unknown ids.
	ErrUnknownJoinRequest = errors.New("unknown join request")
	// ErrJoinRejected is returned by JoinCluster when the cluster votes no.
	ErrJoinRejected = errors.New("join rejected")
)

// joinRetention is how long a decided join vote stays queryable.
const joinRetention = time.Minute

// Blacklist reports nodes that must never be admitted.
type Blacklist interface {
	IsBlacklisted(nodeID string) bool
}

// record is a member plus detector state that never leaves this node.
type record struct {
	Member
	leftAt time.Time
}

// Manager maintains this node's view of cluster membership.
//
// It runs two loops: a heartbeat loop that pings every live peer and a
// detection loop that moves silent peers to suspected and then failed.
// State changes spread by gossip and are merged with SWIM incarnation
// precedence, so a falsely suspected node can refute by gossiping a higher
// incarnation.
//
// Thread Safety:
// All methods are safe for concurrent use. No lock is held while sending
// RPCs or invoking the event handler.
type Manager struct {
	self       string
	members    map[string]*record
	tombstones map[string]uint64
	joins      map[string]*joinState

	transport transport.Transport
	blacklist Blacklist
	onEvent   func(Event)
	now       func() time.Time
	logger    *zap.Logger
	dedup     *dedupWindow
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBlacklist makes join votes reject blacklisted nodes.
func WithBlacklist(b Blacklist) Option {
	return func(m *Manager) { m.blacklist = b }
}

// WithEventHandler receives every membership change. It runs on the
// goroutine that caused the change, after locks are released.
func WithEventHandler(fn func(Event)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// New creates a manager whose view initially holds only self.
//
// Example:
//
//	mgr := membership.New(self, tr, membership.DefaultConfig(),
//	    membership.WithEventHandler(func(ev membership.Event) {
//	        if ev.Type == membership.EventFailed {
//	            sched.NodeFailed(ev.Member.ID)
//	        }
//	    }))
//	mgr.Register(mux)
//	go mgr.Run(ctx)
func New(self Member, tr transport.Transport, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		self:       self.ID,
		members:    make(map[string]*record),
		tombstones: make(map[string]uint64),
		joins:      make(map[string]*joinState),
		transport:  tr,
		now:        time.Now,
		logger:     zap.NewNop(),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dedup = newDedupWindow(cfg.DedupWindow)

	now := m.now()
	self.Status = StatusActive
	if self.JoinedAt.IsZero() {
		self.JoinedAt = now
	}
	self.LastHeartbeat = now
	m.members[self.ID] = &record{Member: self.clone()}
	return m
}

// Bootstrap adds statically configured peers as active members at
// incarnation zero.
func (m *Manager) Bootstrap(peers []cluster.NodeInfo) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range peers {
		if p.ID == m.self || p.ID == "" {
			continue
		}
		if _, ok := m.members[p.ID]; ok {
			continue
		}
		m.members[p.ID] = &record{Member: Member{
			ID:            p.ID,
			Addr:          p.Addr,
			Status:        StatusActive,
			JoinedAt:      now,
			LastHeartbeat: now,
		}}
	}
}

// Self returns this node's member entry.
func (m *Manager) Self() Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.members[m.self]; ok {
		return r.clone()
	}
	return Member{ID: m.self, Status: StatusFailed}
}

// LocalIncarnation returns this node's incarnation number.
func (m *Manager) LocalIncarnation() uint64 {
	return m.Self().Incarnation
}

// SetCapacity updates the capacity advertised in heartbeats.
func (m *Manager) SetCapacity(c cluster.Capacity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.members[m.self]; ok {
		r.Capacity = c
	}
}

// Get returns the member with id.
func (m *Manager) Get(id string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.members[id]
	if !ok {
		return Member{}, false
	}
	return r.clone(), true
}

// Members returns the whole view sorted by id.
func (m *Manager) Members() []Member {
	return m.filter(func(*record) bool { return true })
}

// Active returns active members, self included.
func (m *Manager) Active() []Member {
	return m.filter(func(r *record) bool { return r.Status == StatusActive })
}

// Voters returns the members that count toward a consensus majority:
// active and suspected, self included.
func (m *Manager) Voters() []Member {
	return m.filter(func(r *record) bool {
		return r.Status == StatusActive || r.Status == StatusSuspected
	})
}

// Peers returns every member other than self that is not leaving.
func (m *Manager) Peers() []Member {
	return m.filter(func(r *record) bool {
		return r.ID != m.self && (r.Status == StatusActive || r.Status == StatusSuspected)
	})
}

func (m *Manager) filter(keep func(*record) bool) []Member {
	m.mu.RLock()
	out := make([]Member, 0, len(m.members))
	for _, r := range m.members {
		if keep(r) {
			out = append(out, r.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run drives the heartbeat and detection loops until ctx is cancelled or
// Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(gctx, m.heartbeatAll) })
	g.Go(func() error { return m.loop(gctx, func(context.Context) { m.Detect(m.now()) }) })

	m.logger.Info("membership started",
		zap.String("node", m.self),
		zap.Duration("heartbeat", m.cfg.HeartbeatInterval),
		zap.Duration("suspicion", m.cfg.SuspicionTimeout),
		zap.Duration("failure", m.cfg.FailureTimeout))
	return g.Wait()
}

func (m *Manager) loop(ctx context.Context, fn func(context.Context)) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		}
	}
}

// Stop cancels the loops and any in-flight gossip or join votes.
func (m *Manager) Stop() {
	m.cancel()
}

// Detect applies the failure detector at time now. Run calls it every
// heartbeat interval.
func (m *Manager) Detect(now time.Time) {
	var events []Event
	var gossip []Member

	m.mu.Lock()
	for id, r := range m.members {
		if id == m.self {
			if r.Status == StatusLeaving && now.Sub(r.leftAt) >= m.cfg.LeaveGrace {
				delete(m.members, id)
				events = append(events, Event{Type: EventRemoved, Member: r.clone()})
			}
			continue
		}
		silence := now.Sub(r.LastHeartbeat)
		switch r.Status {
		case StatusActive:
			if silence > m.cfg.SuspicionTimeout {
				r.Status = StatusSuspected
				events = append(events, Event{Type: EventSuspected, Member: r.clone()})
				gossip = append(gossip, r.clone())
			}
		case StatusSuspected:
			if silence > m.cfg.FailureTimeout {
				r.Status = StatusFailed
				m.removeLocked(id)
				events = append(events, Event{Type: EventFailed, Member: r.clone()})
				gossip = append(gossip, r.clone())
			}
		case StatusLeaving:
			if now.Sub(r.leftAt) >= m.cfg.LeaveGrace {
				delete(m.members, id)
				events = append(events, Event{Type: EventRemoved, Member: r.clone()})
			}
		}
	}
	for id, st := range m.joins {
		if st.Status != JoinPending && now.Sub(st.createdAt) > joinRetention {
			delete(m.joins, id)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.logEvent(ev)
	}
	for _, u := range gossip {
		m.Broadcast(u, false)
	}
	m.emit(events)
}

// removeLocked drops id and remembers its incarnation so stale gossip
// cannot resurrect it.
func (m *Manager) removeLocked(id string) {
	if r, ok := m.members[id]; ok {
		m.tombstones[id] = r.Incarnation
		delete(m.members, id)
	}
}

// RequestLeave marks nodeID as leaving and gossips it. The member is
// removed after the leave grace period.
func (m *Manager) RequestLeave(nodeID string) error {
	m.mu.Lock()
	r, ok := m.members[nodeID]
	if !ok {
		m.mu.Unlock()
		return ErrNotMember
	}
	if r.Status == StatusLeaving {
		m.mu.Unlock()
		return nil
	}
	r.Status = StatusLeaving
	r.leftAt = m.now()
	ev := Event{Type: EventLeaving, Member: r.clone()}
	update := r.clone()
	m.mu.Unlock()

	m.logEvent(ev)
	m.Broadcast(update, false)
	m.emit([]Event{ev})
	return nil
}

// apply merges one membership update and reports what changed. joined
// admits a previously unknown member.
func (m *Manager) apply(u Member, joined bool) []Event {
	now := m.now()
	var events []Event
	var refute *Member

	m.mu.Lock()
	if u.ID == m.self {
		refute = m.refuteLocked(u)
		m.mu.Unlock()
		if refute != nil {
			m.Broadcast(*refute, false)
		}
		return nil
	}

	cur, ok := m.members[u.ID]
	switch {
	case !ok && joined && u.Status == StatusActive:
		delete(m.tombstones, u.ID)
		u.LastHeartbeat = now
		if u.JoinedAt.IsZero() {
			u.JoinedAt = now
		}
		m.members[u.ID] = &record{Member: u.clone()}
		events = append(events, Event{Type: EventJoined, Member: u.clone()})
	case !ok:
	case supersedes(u, cur.Member):
		prev := cur.Status
		cur.Status = u.Status
		cur.Incarnation = u.Incarnation
		if u.Capacity.CPU > 0 {
			cur.Capacity = u.Capacity
		}
		if len(u.Validates) > 0 {
			cur.Validates = append([]cluster.TaskType(nil), u.Validates...)
		}
		switch u.Status {
		case StatusActive:
			cur.LastHeartbeat = now
			if prev == StatusSuspected {
				events = append(events, Event{Type: EventAlive, Member: cur.clone()})
			}
		case StatusSuspected:
			events = append(events, Event{Type: EventSuspected, Member: cur.clone()})
		case StatusLeaving:
			cur.leftAt = now
			events = append(events, Event{Type: EventLeaving, Member: cur.clone()})
		case StatusFailed:
			m.removeLocked(u.ID)
			events = append(events, Event{Type: EventFailed, Member: cur.clone()})
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.logEvent(ev)
	}
	return events
}

// refuteLocked answers a rumour about this node. Suspicion is refuted by
// bumping the incarnation past the rumour's; a failure verdict is final.
func (m *Manager) refuteLocked(u Member) *Member {
	self, ok := m.members[m.self]
	if !ok || self.Status == StatusLeaving {
		return nil
	}
	switch u.Status {
	case StatusSuspected:
		if u.Incarnation < self.Incarnation {
			return nil
		}
		self.Incarnation = u.Incarnation + 1
		m.logger.Info("refuting suspicion",
			zap.String("node", m.self),
			zap.Uint64("incarnation", self.Incarnation))
		out := self.clone()
		return &out
	case StatusFailed:
		if u.Incarnation >= self.Incarnation {
			m.logger.Error("cluster declared this node failed; rejoin required", zap.String("node", m.self))
		}
	}
	return nil
}

func (m *Manager) emit(events []Event) {
	if m.onEvent == nil {
		return
	}
	for _, ev := range events {
		m.onEvent(ev)
	}
}

func (m *Manager) logEvent(ev Event) {
	fields := []zap.Field{
		zap.String("node", m.self),
		zap.String("member", ev.Member.ID),
		zap.Uint64("incarnation", ev.Member.Incarnation),
	}
	switch ev.Type {
	case EventFailed, EventSuspected:
		m.logger.Warn("member "+string(ev.Type), fields...)
	default:
		m.logger.Info("member "+string(ev.Type), fields...)
	}
}
