package consensus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/transport"
)

// AppendRequest replicates entries and doubles as the leader heartbeat.
type AppendRequest struct {
	LeaderID     string  `json:"leader_id"`
	Entries      []Entry `json:"entries,omitempty"`
	Term         uint64  `json:"term"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	LeaderCommit uint64  `json:"leader_commit"`
}

// AppendResponse reports whether the follower's log matched. On mismatch
// ConflictIndex is where the leader should retry from.
type AppendResponse struct {
	Term          uint64 `json:"term"`
	MatchIndex    uint64 `json:"match_index"`
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
	Success       bool   `json:"success"`
}

type outbound struct {
	peer cluster.NodeInfo
	req  AppendRequest
}

// replicate sends each follower the entries it is missing, or an empty
// heartbeat when it is current. A peer with a request in flight is skipped.
func (r *Raft) replicate() {
	r.mu.Lock()
	if r.role != RoleLeader {
		r.mu.Unlock()
		return
	}
	last := r.lastIndexLocked()
	var out []outbound
	for _, v := range r.voters() {
		if v.ID == r.id || r.inflight[v.ID] {
			continue
		}
		next, ok := r.nextIndex[v.ID]
		if !ok || next == 0 {
			next = last + 1
			r.nextIndex[v.ID] = next
		}
		prev := next - 1
		end := last
		if end-prev > maxBatch {
			end = prev + maxBatch
		}
		entries := make([]Entry, end-prev)
		copy(entries, r.log[next:end+1])
		r.inflight[v.ID] = true
		out = append(out, outbound{peer: v, req: AppendRequest{
			LeaderID:     r.id,
			Entries:      entries,
			Term:         r.term,
			PrevLogIndex: prev,
			PrevLogTerm:  r.log[prev].Term,
			LeaderCommit: r.commitIndex,
		}})
	}
	r.advanceCommitLocked()
	r.mu.Unlock()

	for _, o := range out {
		go r.sendAppend(o.peer, o.req)
	}
}

func (r *Raft) sendAppend(peer cluster.NodeInfo, req AppendRequest) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RPCTimeout)
	defer cancel()
	resp, err := transport.Call[AppendRequest, AppendResponse](ctx, r.transport, peer.Addr, r.id, transport.KindAppendEntries, req)

	now := r.now()
	r.mu.Lock()
	delete(r.inflight, peer.ID)
	if err != nil {
		r.mu.Unlock()
		r.logger.Debug("append failed",
			zap.String("node", r.id),
			zap.String("peer", peer.ID),
			zap.Error(err))
		return
	}
	if resp.Term > r.term {
		lost := r.stepDownLocked(resp.Term, now)
		r.mu.Unlock()
		if lost {
			r.logger.Info("stepping down for newer term",
				zap.String("node", r.id),
				zap.String("peer", peer.ID),
				zap.Uint64("term", resp.Term))
			r.notifyLeadership(false, resp.Term)
		}
		return
	}
	if r.role != RoleLeader || r.term != req.Term {
		r.mu.Unlock()
		return
	}
	r.lastAck[peer.ID] = now
	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > r.matchIndex[peer.ID] {
			r.matchIndex[peer.ID] = match
		}
		r.nextIndex[peer.ID] = r.matchIndex[peer.ID] + 1
		r.advanceCommitLocked()
	} else {
		next := r.nextIndex[peer.ID] - 1
		if resp.ConflictIndex > 0 && resp.ConflictIndex < next {
			next = resp.ConflictIndex
		}
		if next < 1 {
			next = 1
		}
		r.nextIndex[peer.ID] = next
	}
	behind := r.nextIndex[peer.ID] <= r.lastIndexLocked()
	r.mu.Unlock()

	if behind {
		r.kickReplication()
	}
}

// advanceCommitLocked commits the highest current-term entry stored on a
// strict majority of the voter set.
func (r *Raft) advanceCommitLocked() {
	voters := r.voters()
	if len(voters) == 0 {
		return
	}
	for n := r.lastIndexLocked(); n > r.commitIndex; n-- {
		if r.log[n].Term != r.term {
			break
		}
		count := 0
		for _, v := range voters {
			if v.ID == r.id || r.matchIndex[v.ID] >= n {
				count++
			}
		}
		if 2*count > len(voters) {
			r.commitIndex = n
			r.signalCommit()
			return
		}
	}
}

// hasQuorumLocked reports whether a majority of voters acknowledged the
// leader within the maximum election timeout.
func (r *Raft) hasQuorumLocked(now time.Time) bool {
	window := r.cfg.ElectionTimeoutMax
	if now.Sub(r.leaderSince) < window {
		return true
	}
	voters := r.voters()
	count := 0
	for _, v := range voters {
		if v.ID == r.id {
			count++
			continue
		}
		if at, ok := r.lastAck[v.ID]; ok && now.Sub(at) < window {
			count++
		}
	}
	return 2*count > len(voters)
}

func (r *Raft) handleAppend(req AppendRequest) AppendResponse {
	now := r.now()
	r.mu.Lock()
	if req.Term < r.term {
		resp := AppendResponse{Term: r.term}
		r.mu.Unlock()
		return resp
	}
	lost := false
	if req.Term > r.term || r.role != RoleFollower {
		lost = r.stepDownLocked(req.Term, now)
	}
	r.leaderID = req.LeaderID
	r.resetElectionLocked(now)
	resp := r.appendLocked(req)
	r.mu.Unlock()

	if lost {
		r.notifyLeadership(false, req.Term)
	}
	return resp
}

func (r *Raft) appendLocked(req AppendRequest) AppendResponse {
	resp := AppendResponse{Term: r.term}
	last := r.lastIndexLocked()
	if req.PrevLogIndex > last {
		resp.ConflictIndex = last + 1
		return resp
	}
	if t := r.log[req.PrevLogIndex].Term; t != req.PrevLogTerm {
		i := req.PrevLogIndex
		for i > 1 && r.log[i-1].Term == t {
			i--
		}
		resp.ConflictIndex = i
		return resp
	}

	for i, e := range req.Entries {
		idx := req.PrevLogIndex + 1 + uint64(i)
		if idx <= r.lastIndexLocked() {
			if r.log[idx].Term == e.Term {
				continue
			}
			r.log = r.log[:idx]
		}
		r.log = append(r.log, e)
	}

	match := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > r.commitIndex {
		commit := req.LeaderCommit
		if match < commit {
			commit = match
		}
		if commit > r.commitIndex {
			r.commitIndex = commit
			r.signalCommit()
		}
	}
	resp.Success = true
	resp.MatchIndex = match
	return resp
}
