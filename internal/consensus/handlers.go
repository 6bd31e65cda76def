package consensus

import (
	"context"

	"github.com/dreamware/hive/internal/transport"
)

// Register installs the vote and append handlers on mux.
func (r *Raft) Register(mux *transport.Mux) {
	transport.Handle(mux, transport.KindRequestVote, func(_ context.Context, _ string, req VoteRequest) (VoteResponse, error) {
		return r.handleVote(req), nil
	})
	transport.Handle(mux, transport.KindAppendEntries, func(_ context.Context, _ string, req AppendRequest) (AppendResponse, error) {
		return r.handleAppend(req), nil
	})
}

func init() {
	transport.RegisterError("not_leader", ErrNotLeader)
}
