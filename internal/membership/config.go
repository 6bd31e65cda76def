package membership

import "time"

// Config tunes the failure detector, gossip and join protocol.
type Config struct {
	HeartbeatInterval time.Duration
	SuspicionTimeout  time.Duration
	FailureTimeout    time.Duration
	JoinVoteTimeout   time.Duration
	LeaveGrace        time.Duration
	RPCTimeout        time.Duration
	GossipFanout      int
	GossipTTL         int
	DedupWindow       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 200 * time.Millisecond,
		SuspicionTimeout:  time.Second,
		FailureTimeout:    3 * time.Second,
		JoinVoteTimeout:   2 * time.Second,
		LeaveGrace:        5 * time.Second,
		RPCTimeout:        200 * time.Millisecond,
		GossipFanout:      3,
		GossipTTL:         3,
		DedupWindow:       1024,
	}
}
