package membership

import (
	"time"

	"github.com/dreamware/hive/internal/cluster"
)

// Status is a member's liveness as seen by the failure detector.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspected Status = "suspected"
	StatusFailed    Status = "failed"
	StatusLeaving   Status = "leaving"
)

// Member is one node's entry in the membership view.
type Member struct {
	JoinedAt      time.Time        `json:"joined_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	ID            string           `json:"id"`
	Addr          string           `json:"addr"`
	Status        Status           `json:"status"`
	PublicKey     []byte           `json:"public_key,omitempty"`
	Capacity      cluster.Capacity `json:"capacity"`
	Incarnation   uint64           `json:"incarnation"`
	// Validates lists the task types the member reviews; empty means all.
	Validates []cluster.TaskType `json:"validates,omitempty"`
}

// Info returns the addressing subset of the member.
func (m Member) Info() cluster.NodeInfo {
	return cluster.NodeInfo{ID: m.ID, Addr: m.Addr}
}

// Node converts the member into the scheduler's node model. Reputation is
// left for the caller to fill in.
func (m Member) Node() cluster.Node {
	status := cluster.NodeInactive
	switch m.Status {
	case StatusActive:
		status = cluster.NodeActive
	case StatusSuspected:
		status = cluster.NodeSuspected
	}
	return cluster.Node{
		ID:            m.ID,
		Addr:          m.Addr,
		Status:        status,
		PublicKey:     append([]byte(nil), m.PublicKey...),
		Capacity:      m.Capacity,
		LastHeartbeat: m.LastHeartbeat,
		JoinedAt:      m.JoinedAt,
	}
}

func (m Member) clone() Member {
	m.PublicKey = append([]byte(nil), m.PublicKey...)
	if m.Validates != nil {
		m.Validates = append([]cluster.TaskType(nil), m.Validates...)
	}
	return m
}

// supersedes reports whether update replaces current under SWIM precedence:
//
//	alive(i)         beats alive(j), suspect(j)  iff i >  j
//	suspect(i)       beats alive(j)              iff i >= j
//	suspect(i)       beats suspect(j)            iff i >  j
//	leaving(i)       beats alive(j), suspect(j)  iff i >= j
//	failed(i)        beats anything not failed   iff i >= j
func supersedes(update, current Member) bool {
	i, j := update.Incarnation, current.Incarnation
	live := current.Status == StatusActive || current.Status == StatusSuspected
	switch update.Status {
	case StatusActive:
		return live && i > j
	case StatusSuspected:
		switch current.Status {
		case StatusActive:
			return i >= j
		case StatusSuspected:
			return i > j
		}
	case StatusLeaving:
		return live && i >= j
	case StatusFailed:
		return current.Status != StatusFailed && i >= j
	}
	return false
}

// EventType classifies membership changes.
type EventType string

const (
	EventJoined    EventType = "joined"
	EventSuspected EventType = "suspected"
	EventAlive     EventType = "alive"
	EventFailed    EventType = "failed"
	EventLeaving   EventType = "leaving"
	EventRemoved   EventType = "removed"
)

// Event is delivered to the event handler after the membership lock is released.
type Event struct {
	Type   EventType
	Member Member
}
