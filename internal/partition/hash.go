package partition

import (
	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/hive/internal/cluster"
)

// HashStrategy places each task on nodes[xxhash(id) mod len(nodes)].
// Adding or removing a node remaps most tasks.
type HashStrategy struct{}

func (HashStrategy) Name() string { return Hash }

func (HashStrategy) Partition(tasks []cluster.Task, nodes []cluster.Node) Result {
	res := Result{Assignments: make(map[string][]cluster.Task)}
	n := uint64(len(nodes))
	for _, t := range tasks {
		owner := nodes[xxhash.Sum64String(t.ID)%n].ID
		res.Assignments[owner] = append(res.Assignments[owner], t)
	}
	return res
}

// RangeStrategy sorts tasks by priority and hands out contiguous chunks of
// ceil(tasks/nodes), so the highest priority work lands on the first nodes.
type RangeStrategy struct{}

func (RangeStrategy) Name() string { return Range }

func (RangeStrategy) Partition(tasks []cluster.Task, nodes []cluster.Node) Result {
	res := Result{Assignments: make(map[string][]cluster.Task)}
	sorted := sortByPriority(tasks)
	chunk := (len(sorted) + len(nodes) - 1) / len(nodes)
	for i, t := range sorted {
		owner := nodes[i/chunk].ID
		res.Assignments[owner] = append(res.Assignments[owner], t)
	}
	return res
}
