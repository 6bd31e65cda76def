// Package partition divides a batch of pending tasks across the schedulable
// nodes of the cluster.
//
// # Strategies
//
// Four strategies implement Strategy and are selected by name through New:
//
//	hash             xxhash(task id) mod |nodes| over id-sorted nodes
//	range            priority-sorted tasks in chunks of ceil(n/|nodes|)
//	consistent_hash  150 virtual nodes per node on an xxhash ring
//	workload_aware   capacity-aware first fit, projected load <= 0.8
//
// Only workload_aware looks at task requirements. The other three are
// placement-only and leave admission (capacity, trust) to the caller.
//
// # Determinism
//
// Every strategy sorts its inputs before deciding, so two nodes given the
// same tasks and the same membership compute the same result. The leader is
// the only node that acts on it, but followers taking over after a failover
// continue with identical placement.
//
// # Example
//
//	s, _ := partition.New(partition.ConsistentHash)
//	res := partition.Partition(pending, nodes, s)
//	for nodeID, tasks := range res.Assignments {
//	    ...
//	}
package partition
