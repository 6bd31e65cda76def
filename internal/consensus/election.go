package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/transport"
)

// VoteRequest asks a peer for its vote.
type VoteRequest struct {
	CandidateID  string `json:"candidate_id"`
	Term         uint64 `json:"term"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse carries the peer's term and decision.
type VoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

func (r *Raft) startElection() {
	now := r.now()
	r.mu.Lock()
	if r.role == RoleLeader {
		r.mu.Unlock()
		return
	}
	r.role = RoleCandidate
	r.term++
	r.votedFor = r.id
	r.leaderID = ""
	r.resetElectionLocked(now)
	req := VoteRequest{
		CandidateID:  r.id,
		Term:         r.term,
		LastLogIndex: r.lastIndexLocked(),
		LastLogTerm:  r.lastTermLocked(),
	}
	voters := r.voters()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Elections.Inc()
		r.metrics.Term.Set(float64(req.Term))
	}
	r.logger.Info("starting election",
		zap.String("node", r.id),
		zap.Uint64("term", req.Term),
		zap.Int("voters", len(voters)))

	granted := 1
	results := make(chan bool, len(voters))
	asked := 0
	for _, v := range voters {
		if v.ID == r.id {
			continue
		}
		asked++
		go func() {
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RPCTimeout)
			defer cancel()
			resp, err := transport.Call[VoteRequest, VoteResponse](ctx, r.transport, v.Addr, r.id, transport.KindRequestVote, req)
			if err != nil {
				results <- false
				return
			}
			r.observeTerm(resp.Term)
			results <- resp.Granted && resp.Term == req.Term
		}()
	}

	go func() {
		need := len(voters)/2 + 1
		for i := 0; i < asked && granted < need; i++ {
			if <-results {
				granted++
			}
		}
		if granted >= need {
			r.becomeLeader(req.Term)
			return
		}
		r.logger.Debug("election lost",
			zap.String("node", r.id),
			zap.Uint64("term", req.Term),
			zap.Int("granted", granted),
			zap.Int("needed", need))
	}()
}

func (r *Raft) becomeLeader(term uint64) {
	now := r.now()
	r.mu.Lock()
	if r.role != RoleCandidate || r.term != term {
		r.mu.Unlock()
		return
	}
	r.role = RoleLeader
	r.leaderID = r.id
	r.leaderSince = now
	r.nextHeartbeat = now
	last := r.lastIndexLocked()
	clear(r.nextIndex)
	clear(r.matchIndex)
	clear(r.lastAck)
	for _, v := range r.voters() {
		if v.ID != r.id {
			r.nextIndex[v.ID] = last + 1
		}
	}
	r.log = append(r.log, Entry{Index: last + 1, Term: term})
	r.leaderStart = last + 1
	r.advanceCommitLocked()
	r.mu.Unlock()

	r.logger.Info("became leader", zap.String("node", r.id), zap.Uint64("term", term))
	r.notifyLeadership(true, term)
	r.kickReplication()
}

// handleVote grants a vote when the candidate's term is current, this node
// has not voted for someone else in that term and the candidate's log is at
// least as up to date.
func (r *Raft) handleVote(req VoteRequest) VoteResponse {
	now := r.now()
	r.mu.Lock()
	var lost bool
	if req.Term > r.term {
		lost = r.stepDownLocked(req.Term, now)
	}
	resp := VoteResponse{Term: r.term}
	if req.Term == r.term && (r.votedFor == "" || r.votedFor == req.CandidateID) {
		lastTerm := r.lastTermLocked()
		upToDate := req.LastLogTerm > lastTerm ||
			(req.LastLogTerm == lastTerm && req.LastLogIndex >= r.lastIndexLocked())
		if upToDate {
			r.votedFor = req.CandidateID
			r.resetElectionLocked(now)
			resp.Granted = true
		}
	}
	r.mu.Unlock()

	if lost {
		r.notifyLeadership(false, req.Term)
	}
	r.logger.Debug("vote requested",
		zap.String("node", r.id),
		zap.String("candidate", req.CandidateID),
		zap.Uint64("term", req.Term),
		zap.Bool("granted", resp.Granted))
	return resp
}
