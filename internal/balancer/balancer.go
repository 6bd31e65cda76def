// Package balancer picks a single node for a single task. The scheduler uses
// it for tasks that come back after a failure, where partitioning a whole
// batch again would be wasteful.
package balancer

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/hive/internal/cluster"
)

// ErrUnknownStrategy is returned by New for unrecognised names.
var ErrUnknownStrategy = errors.New("unknown balancing strategy")

// Strategy names.
const (
	RoundRobin         = "round_robin"
	WeightedRoundRobin = "weighted_round_robin"
	LeastConnections   = "least_connections"
	ResponseTime       = "response_time"
	Adaptive           = "adaptive"
)

// MaxLoad is the load at or above which a node is never selected.
const MaxLoad = 0.9

// responseAlpha weights the newest sample in the rolling response time.
const responseAlpha = 0.2

// Blacklist reports whether a node must be excluded.
type Blacklist interface {
	IsBlacklisted(nodeID string) bool
}

// Balancer selects nodes with one strategy and tracks the connection counts
// and response times the stateful strategies need.
type Balancer struct {
	blacklist Blacklist
	rng       *rand.Rand
	conns     map[string]int
	latency   map[string]time.Duration
	strategy  string
	next      int
	mu        sync.Mutex
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithBlacklist excludes nodes the given source reports as blacklisted.
func WithBlacklist(b Blacklist) Option {
	return func(bal *Balancer) { bal.blacklist = b }
}

// WithRand fixes the random source used by weighted round robin.
func WithRand(r *rand.Rand) Option {
	return func(bal *Balancer) { bal.rng = r }
}

// New returns a balancer using strategy.
func New(strategy string, opts ...Option) (*Balancer, error) {
	switch strategy {
	case RoundRobin, WeightedRoundRobin, LeastConnections, ResponseTime, Adaptive:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	b := &Balancer{
		strategy: strategy,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		conns:    make(map[string]int),
		latency:  make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Strategy returns the configured strategy name.
func (b *Balancer) Strategy() string { return b.strategy }

// Eligible filters nodes down to those that may take task: active, not
// blacklisted, enough free cpu and memory, load below MaxLoad and
// reputation at least the task's trust floor. The result is sorted by id.
func (b *Balancer) Eligible(nodes []cluster.Node, task cluster.Task) []cluster.Node {
	out := make([]cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if !n.Schedulable() {
			continue
		}
		if b.blacklist != nil && b.blacklist.IsBlacklisted(n.ID) {
			continue
		}
		if n.Capacity.CurrentLoad >= MaxLoad || !n.Capacity.Fits(task.Requirements) {
			continue
		}
		if n.Reputation < task.Requirements.TrustFloor() {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectNode returns the node task should run on, or nil when no node is
// eligible. Least-connections and adaptive selections count as an open
// connection until Release is called for the node.
func (b *Balancer) SelectNode(nodes []cluster.Node, task cluster.Task) *cluster.Node {
	eligible := b.Eligible(nodes, task)
	if len(eligible) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var picked cluster.Node
	switch b.strategy {
	case RoundRobin:
		picked = eligible[b.next%len(eligible)]
		b.next++
	case WeightedRoundRobin:
		picked = b.weightedLocked(eligible)
	case LeastConnections:
		picked = b.leastConnectionsLocked(eligible)
	case ResponseTime:
		picked = b.fastestLocked(eligible)
	case Adaptive:
		picked = b.adaptiveLocked(eligible)
	}
	b.conns[picked.ID]++
	out := picked.Clone()
	return &out
}

// Release closes one connection opened by SelectNode.
func (b *Balancer) Release(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[nodeID] > 0 {
		b.conns[nodeID]--
	}
	if b.conns[nodeID] == 0 {
		delete(b.conns, nodeID)
	}
}

// Connections returns the open connection count for nodeID.
func (b *Balancer) Connections(nodeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[nodeID]
}

// RecordResponseTime folds d into nodeID's rolling average.
func (b *Balancer) RecordResponseTime(nodeID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.latency[nodeID]
	if !ok {
		b.latency[nodeID] = d
		return
	}
	b.latency[nodeID] = time.Duration(responseAlpha*float64(d) + (1-responseAlpha)*float64(prev))
}

// ResponseTime returns nodeID's rolling average and whether one exists.
func (b *Balancer) ResponseTime(nodeID string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.latency[nodeID]
	return d, ok
}

// Forget drops all state kept for nodeID.
func (b *Balancer) Forget(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, nodeID)
	delete(b.latency, nodeID)
}

func weight(n cluster.Node) float64 {
	return (1-n.Capacity.CurrentLoad)*100 + n.Reputation*10
}

func (b *Balancer) weightedLocked(nodes []cluster.Node) cluster.Node {
	total := 0.0
	for _, n := range nodes {
		total += weight(n)
	}
	draw := b.rng.Float64() * total
	for _, n := range nodes {
		draw -= weight(n)
		if draw < 0 {
			return n
		}
	}
	return nodes[len(nodes)-1]
}

func (b *Balancer) leastConnectionsLocked(nodes []cluster.Node) cluster.Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if b.conns[n.ID] < b.conns[best.ID] {
			best = n
		}
	}
	return best
}

// fastestLocked prefers nodes without samples (so they get measured), then
// the lowest average.
func (b *Balancer) fastestLocked(nodes []cluster.Node) cluster.Node {
	best := nodes[0]
	bestD, bestOK := b.latency[best.ID]
	for _, n := range nodes[1:] {
		d, ok := b.latency[n.ID]
		switch {
		case !bestOK:
		case !ok:
			best, bestD, bestOK = n, d, ok
		case d < bestD:
			best, bestD, bestOK = n, d, ok
		}
	}
	return best
}

// adaptiveLocked blends the three signals into one score per node:
//
//	0.4 * weight/maxWeight + 0.3 * (1 - conns/maxConns) + 0.3 * (1 - rt/maxRT)
//
// Nodes without a response sample score as fast as the fastest node.
func (b *Balancer) adaptiveLocked(nodes []cluster.Node) cluster.Node {
	maxW, maxC, maxRT := 0.0, 0, time.Duration(0)
	for _, n := range nodes {
		if w := weight(n); w > maxW {
			maxW = w
		}
		if c := b.conns[n.ID]; c > maxC {
			maxC = c
		}
		if d := b.latency[n.ID]; d > maxRT {
			maxRT = d
		}
	}

	best, bestScore := nodes[0], -1.0
	for _, n := range nodes {
		score := 0.0
		if maxW > 0 {
			score += 0.4 * weight(n) / maxW
		}
		if maxC > 0 {
			score += 0.3 * (1 - float64(b.conns[n.ID])/float64(maxC))
		} else {
			score += 0.3
		}
		if maxRT > 0 {
			score += 0.3 * (1 - float64(b.latency[n.ID])/float64(maxRT))
		} else {
			score += 0.3
		}
		if score > bestScore {
			best, bestScore = n, score
		}
	}
	return best
}
