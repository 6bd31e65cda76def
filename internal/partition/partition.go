package partition

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dreamware/hive/internal/cluster"
)

// ErrUnknownStrategy is returned by New for unrecognised strategy names.
var ErrUnknownStrategy = errors.New("unknown partition strategy")

// Strategy names.
const (
	Hash           = "hash"
	Range          = "range"
	ConsistentHash = "consistent_hash"
	WorkloadAware  = "workload_aware"
)

// Result maps node ids to the tasks placed on them. Unplaced holds tasks
// no node could take; only the workload-aware strategy leaves any.
type Result struct {
	Assignments map[string][]cluster.Task
	Unplaced    []cluster.Task
}

// Placed returns the number of tasks placed on some node.
func (r Result) Placed() int {
	n := 0
	for _, tasks := range r.Assignments {
		n += len(tasks)
	}
	return n
}

// Strategy distributes tasks over a set of schedulable nodes. Implementations
// may assume nodes is non-empty and sorted by id.
type Strategy interface {
	Name() string
	Partition(tasks []cluster.Task, nodes []cluster.Node) Result
}

// New returns the strategy registered under name.
//
// Parameters:
//   - name: one of Hash, Range, ConsistentHash, WorkloadAware
//
// Returns:
//   - The strategy, or ErrUnknownStrategy
//
// Example:
//
//	s, err := partition.New(partition.WorkloadAware)
//	if err != nil {
//	    return err
//	}
//	res := partition.Partition(pending, members, s)
func New(name string) (Strategy, error) {
	switch name {
	case Hash:
		return HashStrategy{}, nil
	case Range:
		return RangeStrategy{}, nil
	case ConsistentHash:
		return NewConsistentHashStrategy(DefaultVirtualNodes), nil
	case WorkloadAware:
		return WorkloadStrategy{DefaultTaskLoad: DefaultTaskLoad}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Partition places tasks on the schedulable subset of nodes using strategy.
// With no schedulable node every task comes back unplaced. Node and task
// slices are not modified.
func Partition(tasks []cluster.Task, nodes []cluster.Node, strategy Strategy) Result {
	eligible := make([]cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Schedulable() {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return Result{
			Assignments: map[string][]cluster.Task{},
			Unplaced:    append([]cluster.Task(nil), tasks...),
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	if len(tasks) == 0 {
		return Result{Assignments: map[string][]cluster.Task{}}
	}
	return strategy.Partition(tasks, eligible)
}

// sortByPriority orders tasks by priority descending, then submission
// time, then id, so every node computes the same order.
func sortByPriority(tasks []cluster.Task) []cluster.Task {
	out := append([]cluster.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
