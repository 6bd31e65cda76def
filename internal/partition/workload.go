package partition

import (
	"sort"

	"github.com/dreamware/hive/internal/cluster"
)

const (
	// MaxLoad is the projected load no placement may exceed.
	MaxLoad = 0.8
	// DefaultTaskLoad is the load share of a task declaring no minimums.
	DefaultTaskLoad = 0.05
)

// WorkloadStrategy packs tasks onto nodes by capacity.
//
// Nodes are visited in ascending order of available capacity and tasks in
// descending priority. A task goes to the first node that
//   - has the free cpu and memory it asks for,
//   - is under MaxLoad now and stays at or under it after placement,
//   - has at least the task's minimum trust level as reputation.
//
// The node's projected load grows with every placement in the pass. Tasks
// that fit nowhere are returned in Result.Unplaced.
type WorkloadStrategy struct {
	DefaultTaskLoad float64
}

func (WorkloadStrategy) Name() string { return WorkloadAware }

func (s WorkloadStrategy) Partition(tasks []cluster.Task, nodes []cluster.Node) Result {
	fallback := s.DefaultTaskLoad
	if fallback <= 0 {
		fallback = DefaultTaskLoad
	}

	candidates := make([]cluster.Node, len(nodes))
	copy(candidates, nodes)
	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := candidates[i].Capacity.Available(), candidates[j].Capacity.Available()
		if ai != aj {
			return ai < aj
		}
		return candidates[i].ID < candidates[j].ID
	})

	res := Result{Assignments: make(map[string][]cluster.Task)}
	for _, t := range sortByPriority(tasks) {
		placed := false
		for i := range candidates {
			n := &candidates[i]
			share := n.Capacity.LoadShare(t.Requirements, fallback)
			if !fits(*n, t, share) {
				continue
			}
			n.Capacity.CurrentLoad += share
			res.Assignments[n.ID] = append(res.Assignments[n.ID], t)
			placed = true
			break
		}
		if !placed {
			res.Unplaced = append(res.Unplaced, t)
		}
	}
	return res
}

func fits(n cluster.Node, t cluster.Task, share float64) bool {
	c := n.Capacity
	if c.CurrentLoad >= MaxLoad || c.CurrentLoad+share > MaxLoad+1e-9 {
		return false
	}
	if !c.Fits(t.Requirements) {
		return false
	}
	return n.Reputation >= t.Requirements.TrustFloor()
}
