// Package assignment implements the work assignment protocol: the registry of
// task-to-node bindings that the scheduler drives through their lifecycle.
//
// # Overview
//
// Every time the leader places a task it creates an Assignment naming the
// executing node, the deadline, and (when BFT validation is required) the
// reserved validators. The assignment then moves through a fixed table of
// statuses:
//
//	assigned → in_progress → completed
//	assigned → in_progress → validating → validated | rejected
//	assigned | in_progress → failed | timeout
//	assigned → cancelled
//
// Registry.UpdateStatus is the only mutator and rejects anything else with
// ErrInvalidTransition.
//
// # Projected Load
//
// Each assignment carries the share of its node's capacity it reserves.
// ProjectedLoad sums the shares of a node's active assignments; the
// scheduler adds it to the node's advertised load before partitioning, so a
// single pass never overcommits a node that already has queued work.
//
// # Journal
//
// Every transition is written to a storage.Store under
//
//	assignment/<id>/<seq>
//
// With a BoltStore the journal survives restarts and keeps the history of
// superseded assignments that the in-memory registry has dropped. Journal
// write failures are logged and never block scheduling.
//
// # Thread Safety
//
// Registry is safe for concurrent use. All returned assignments are deep
// copies.
package assignment
