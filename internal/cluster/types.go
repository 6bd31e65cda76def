package cluster

import (
	"time"
)

// NodeStatus is the scheduling status of a cluster member.
type NodeStatus string

const (
	// NodeActive nodes receive new work.
	NodeActive NodeStatus = "active"
	// NodeInactive nodes are known but not currently schedulable (leaving, draining).
	NodeInactive NodeStatus = "inactive"
	// NodeSuspected nodes missed heartbeats but are not yet declared failed.
	NodeSuspected NodeStatus = "suspected"
	// NodeBlacklisted nodes are permanently excluded from selection.
	NodeBlacklisted NodeStatus = "blacklisted"
)

// Capacity describes the resources a node advertises to the cluster.
// CPU is expressed in abstract units (100 per core), Memory in megabytes and
// Bandwidth in megabits per second. CurrentLoad is the utilisation in [0,1].
type Capacity struct {
	CPU         float64 `json:"cpu" yaml:"cpu"`
	Memory      float64 `json:"memory" yaml:"memory"`
	Bandwidth   float64 `json:"bandwidth" yaml:"bandwidth"`
	CurrentLoad float64 `json:"current_load" yaml:"current_load"`
}

// AvailableCPU returns the CPU units not consumed by the current load.
func (c Capacity) AvailableCPU() float64 {
	return c.CPU * (1 - clamp01(c.CurrentLoad))
}

// AvailableMemory returns the memory not consumed by the current load.
func (c Capacity) AvailableMemory() float64 {
	return c.Memory * (1 - clamp01(c.CurrentLoad))
}

// Available is a single scalar used to order nodes by free capacity.
// CPU and memory are normalised against their totals so neither unit dominates.
func (c Capacity) Available() float64 {
	return c.AvailableCPU() + c.AvailableMemory()/1024
}

// LoadShare returns the fraction of this node a task with the given
// requirements occupies, or fallback when the task declares no minimums.
func (c Capacity) LoadShare(req Requirements, fallback float64) float64 {
	share := 0.0
	if req.MinCPU > 0 && c.CPU > 0 {
		share = req.MinCPU / c.CPU
	}
	if req.MinMemory > 0 && c.Memory > 0 {
		if m := req.MinMemory / c.Memory; m > share {
			share = m
		}
	}
	if share == 0 {
		return fallback
	}
	return share
}

// Fits reports whether the free capacity satisfies the task minimums.
func (c Capacity) Fits(req Requirements) bool {
	return c.AvailableCPU() >= req.MinCPU && c.AvailableMemory() >= req.MinMemory
}

// Node is a snapshot of a cluster member as seen by the scheduler.
// Values are copied across component boundaries; nothing holds a pointer
// into another component's store.
type Node struct {
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	JoinedAt      time.Time  `json:"joined_at"`
	ID            string     `json:"id"`
	Addr          string     `json:"addr"`
	Status        NodeStatus `json:"status"`
	PublicKey     []byte     `json:"public_key,omitempty"`
	Capacity      Capacity   `json:"capacity"`
	Reputation    float64    `json:"reputation"`
}

// Schedulable reports whether the node may receive new assignments.
func (n Node) Schedulable() bool {
	return n.Status == NodeActive
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	if n.PublicKey != nil {
		out.PublicKey = append([]byte(nil), n.PublicKey...)
	}
	return out
}

// NodeInfo is the addressing subset of a Node carried in RPC payloads.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
