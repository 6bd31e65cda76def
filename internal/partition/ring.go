package partition

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/hive/internal/cluster"
)

// DefaultVirtualNodes is the number of ring points per physical node.
const DefaultVirtualNodes = 150

type point struct {
	hash uint64
	node string
}

// Ring is a consistent-hash ring. Each node contributes vnodes points at
// xxhash("<id>#<i>"); a key is owned by the first point at or after its
// hash, wrapping to the start.
type Ring struct {
	points []point
}

// NewRing builds a ring over nodeIDs.
func NewRing(nodeIDs []string, vnodes int) *Ring {
	if vnodes < 1 {
		vnodes = 1
	}
	r := &Ring{points: make([]point, 0, len(nodeIDs)*vnodes)}
	for _, id := range nodeIDs {
		for i := 0; i < vnodes; i++ {
			r.points = append(r.points, point{
				hash: xxhash.Sum64String(id + "#" + strconv.Itoa(i)),
				node: id,
			})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].node < r.points[j].node
	})
	return r
}

// Owner returns the node owning key, or "" for an empty ring.
func (r *Ring) Owner(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].node
}

// ConsistentHashStrategy places tasks with a Ring so that membership changes
// only move the tasks owned by the joining or leaving node.
type ConsistentHashStrategy struct {
	VirtualNodes int
}

// NewConsistentHashStrategy returns a strategy with vnodes points per node.
func NewConsistentHashStrategy(vnodes int) ConsistentHashStrategy {
	return ConsistentHashStrategy{VirtualNodes: vnodes}
}

func (ConsistentHashStrategy) Name() string { return ConsistentHash }

func (s ConsistentHashStrategy) Partition(tasks []cluster.Task, nodes []cluster.Node) Result {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	ring := NewRing(ids, s.VirtualNodes)

	res := Result{Assignments: make(map[string][]cluster.Task)}
	for _, t := range tasks {
		owner := ring.Owner(t.ID)
		res.Assignments[owner] = append(res.Assignments[owner], t)
	}
	return res
}
