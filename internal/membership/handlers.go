package membership

import (
	"context"

	"github.com/dreamware/hive/internal/transport"
)

type leaveRequest struct {
	NodeID string `json:"node_id"`
}

// Register installs the membership RPC handlers on mux.
func (m *Manager) Register(mux *transport.Mux) {
	transport.Handle(mux, transport.KindHeartbeat, func(_ context.Context, _ string, req heartbeatRequest) (heartbeatResponse, error) {
		return m.handleHeartbeat(req)
	})
	transport.Handle(mux, transport.KindGossip, func(_ context.Context, from string, msg gossipMessage) (struct{}, error) {
		m.handleGossip(from, msg)
		return struct{}{}, nil
	})
	transport.Handle(mux, transport.KindJoin, func(ctx context.Context, _ string, req JoinRequest) (joinResponse, error) {
		id, err := m.RequestJoin(ctx, req)
		return joinResponse{RequestID: id}, err
	})
	transport.Handle(mux, transport.KindJoinVote, func(_ context.Context, _ string, req joinVoteRequest) (joinVoteResponse, error) {
		ok, reason := m.vote(req)
		return joinVoteResponse{Approve: ok, Reason: reason}, nil
	})
	transport.Handle(mux, transport.KindJoinStatus, func(_ context.Context, _ string, req joinStatusRequest) (JoinState, error) {
		return m.JoinStatus(req.RequestID)
	})
	transport.Handle(mux, transport.KindLeave, func(_ context.Context, _ string, req leaveRequest) (struct{}, error) {
		return struct{}{}, m.RequestLeave(req.NodeID)
	})
}

func init() {
	transport.RegisterError("not_member", ErrNotMember)
	transport.RegisterError("unknown_join_request", ErrUnknownJoinRequest)
	transport.RegisterError("join_rejected", ErrJoinRejected)
}
