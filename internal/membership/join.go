package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/identity"
	"github.com/dreamware/hive/internal/transport"
)

// JoinStatus is the outcome of a join vote.
type JoinStatus string

const (
	JoinPending  JoinStatus = "pending"
	JoinApproved JoinStatus = "approved"
	JoinRejected JoinStatus = "rejected"
)

// JoinRequest asks the cluster to admit Node.
type JoinRequest struct {
	Node  Member             `json:"node"`
	Proof identity.JoinProof `json:"proof"`
}

// JoinState tracks one join vote. Members is the view handed to the
// newcomer once approved.
type JoinState struct {
	RequestID   string     `json:"request_id"`
	NodeID      string     `json:"node_id"`
	Status      JoinStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Members     []Member   `json:"members,omitempty"`
	Yes         int        `json:"yes"`
	No          int        `json:"no"`
	Outstanding int        `json:"outstanding"`
}

type joinState struct {
	JoinState
	createdAt time.Time
}

type joinVoteRequest struct {
	RequestID string             `json:"request_id"`
	Node      Member             `json:"node"`
	Proof     identity.JoinProof `json:"proof"`
}

type joinVoteResponse struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

type joinResponse struct {
	RequestID string `json:"request_id"`
}

type joinStatusRequest struct {
	RequestID string `json:"request_id"`
}

// RequestJoin starts a vote among the active members on admitting req.Node
// and returns the request id to poll with JoinStatus. The vote passes on a
// strict majority of yes votes and fails as soon as a majority is out of
// reach. Voters that have not answered by the join vote timeout count as no.
func (m *Manager) RequestJoin(ctx context.Context, req JoinRequest) (string, error) {
	if req.Node.ID == "" || req.Node.Addr == "" {
		return "", fmt.Errorf("join request: missing node id or address")
	}
	id := uuid.NewString()
	voters := m.Active()

	m.mu.Lock()
	m.joins[id] = &joinState{
		JoinState: JoinState{
			RequestID:   id,
			NodeID:      req.Node.ID,
			Status:      JoinPending,
			Outstanding: len(voters),
		},
		createdAt: m.now(),
	}
	m.mu.Unlock()

	m.logger.Info("join requested",
		zap.String("node", m.self),
		zap.String("candidate", req.Node.ID),
		zap.String("request", id),
		zap.Int("voters", len(voters)))

	go m.collectVotes(id, req, voters)
	return id, nil
}

type ballot struct {
	reason  string
	approve bool
}

func (m *Manager) collectVotes(id string, req JoinRequest, voters []Member) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.JoinVoteTimeout)
	defer cancel()

	results := make(chan ballot, len(voters))
	vreq := joinVoteRequest{RequestID: id, Node: req.Node, Proof: req.Proof}
	for _, v := range voters {
		go func() {
			if v.ID == m.self {
				ok, reason := m.vote(vreq)
				results <- ballot{approve: ok, reason: reason}
				return
			}
			resp, err := transport.Call[joinVoteRequest, joinVoteResponse](ctx, m.transport, v.Addr, m.self, transport.KindJoinVote, vreq)
			if err != nil {
				results <- ballot{reason: err.Error()}
				return
			}
			results <- ballot{approve: resp.Approve, reason: resp.Reason}
		}()
	}

	n := len(voters)
	yes, no, outstanding := 0, 0, n
	reason := ""
	decided := func() (JoinStatus, bool) {
		switch {
		case 2*yes > n:
			return JoinApproved, true
		case 2*(yes+outstanding) <= n:
			return JoinRejected, true
		}
		return JoinPending, false
	}
	status, done := decided()
	for !done {
		select {
		case b := <-results:
			outstanding--
			if b.approve {
				yes++
			} else {
				no++
				if reason == "" {
					reason = b.reason
				}
			}
		case <-ctx.Done():
			outstanding = 0
			if reason == "" {
				reason = "vote timed out"
			}
		}
		m.mu.Lock()
		if st, ok := m.joins[id]; ok {
			st.Yes, st.No, st.Outstanding = yes, no, outstanding
		}
		m.mu.Unlock()
		status, done = decided()
	}

	var members []Member
	if status == JoinApproved {
		members = m.admit(req.Node)
		reason = ""
	}

	m.mu.Lock()
	if st, ok := m.joins[id]; ok {
		st.Status = status
		st.Reason = reason
		st.Members = members
	}
	m.mu.Unlock()

	m.logger.Info("join decided",
		zap.String("node", m.self),
		zap.String("candidate", req.Node.ID),
		zap.String("request", id),
		zap.String("status", string(status)),
		zap.Int("yes", yes),
		zap.Int("no", no),
		zap.String("reason", reason))
}

// vote checks a join candidate against this node's view.
func (m *Manager) vote(req joinVoteRequest) (bool, string) {
	if err := req.Proof.Verify(m.now()); err != nil {
		return false, err.Error()
	}
	if req.Proof.NodeID != req.Node.ID || req.Proof.Addr != req.Node.Addr {
		return false, "proof does not match node"
	}
	if m.blacklist != nil && m.blacklist.IsBlacklisted(req.Node.ID) {
		return false, "node is blacklisted"
	}
	if cur, ok := m.Get(req.Node.ID); ok && (cur.Status == StatusActive || cur.Status == StatusSuspected) {
		return false, "node id already in use"
	}
	return true, ""
}

// admit adds an approved node, announces it and returns the view to hand
// to the newcomer.
func (m *Manager) admit(node Member) []Member {
	now := m.now()
	m.mu.Lock()
	inc := uint64(0)
	if prev, ok := m.tombstones[node.ID]; ok {
		inc = prev + 1
	}
	if cur, ok := m.members[node.ID]; ok && cur.Incarnation >= inc {
		// A leaving entry still inside its grace period.
		inc = cur.Incarnation + 1
		delete(m.members, node.ID)
	}
	m.mu.Unlock()

	node.Status = StatusActive
	node.Incarnation = inc
	node.JoinedAt = now
	node.LastHeartbeat = now
	events := m.apply(node, true)
	m.Broadcast(node, true)
	m.emit(events)
	return m.Members()
}

// JoinStatus returns the state of a join vote.
func (m *Manager) JoinStatus(id string) (JoinState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.joins[id]
	if !ok {
		return JoinState{}, ErrUnknownJoinRequest
	}
	out := st.JoinState
	out.Members = make([]Member, len(st.Members))
	for i, mem := range st.Members {
		out.Members[i] = mem.clone()
	}
	return out, nil
}

// JoinCluster asks each seed in turn to admit this node, waits for the vote
// and adopts the returned view.
func (m *Manager) JoinCluster(ctx context.Context, seeds []string, proof identity.JoinProof) error {
	self := m.Self()
	req := JoinRequest{Node: self, Proof: proof}
	var errs []error
	for _, seed := range seeds {
		err := m.joinVia(ctx, seed, req)
		if err == nil || errors.Is(err, ErrJoinRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("join via seed failed",
			zap.String("node", m.self),
			zap.String("seed", seed),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", seed, err))
	}
	if len(errs) == 0 {
		return fmt.Errorf("join: no seeds")
	}
	return fmt.Errorf("join: %w", errors.Join(errs...))
}

func (m *Manager) joinVia(ctx context.Context, seed string, req JoinRequest) error {
	resp, err := transport.Call[JoinRequest, joinResponse](ctx, m.transport, seed, m.self, transport.KindJoin, req)
	if err != nil {
		return err
	}
	poll := m.cfg.HeartbeatInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		st, err := transport.Call[joinStatusRequest, JoinState](ctx, m.transport, seed, m.self,
			transport.KindJoinStatus, joinStatusRequest{RequestID: resp.RequestID})
		if err != nil {
			return err
		}
		switch st.Status {
		case JoinApproved:
			m.adopt(st.Members)
			m.logger.Info("joined cluster",
				zap.String("node", m.self),
				zap.String("seed", seed),
				zap.Int("members", len(st.Members)))
			return nil
		case JoinRejected:
			return fmt.Errorf("%w: %s", ErrJoinRejected, st.Reason)
		}
	}
}

// adopt replaces the view with an admitted snapshot.
func (m *Manager) adopt(view []Member) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range view {
		if mem.ID == m.self {
			if r, ok := m.members[m.self]; ok && mem.Incarnation > r.Incarnation {
				r.Incarnation = mem.Incarnation
			}
			continue
		}
		if mem.Status == StatusFailed {
			continue
		}
		mem.LastHeartbeat = now
		m.members[mem.ID] = &record{Member: mem.clone(), leftAt: now}
		delete(m.tombstones, mem.ID)
	}
}
