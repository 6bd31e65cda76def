// Package consensus elects a cluster leader and replicates an in-memory
// command log using the Raft protocol.
//
// Every node starts as a follower. A follower that hears nothing from a
// leader for a randomized election timeout becomes a candidate, increments
// its term and asks the voter set for votes. A strict majority of the
// current voter set, supplied by the membership layer, makes it leader.
//
//	follower ──timeout──► candidate ──majority──► leader
//	    ▲                     │                     │
//	    └────newer term───────┴─────newer term──────┘
//	    └──────────────lost contact with majority───┘
//
// The leader appends a no-op on election, then replicates proposals with
// AppendEntries (which doubles as the heartbeat). An entry from the
// leader's own term commits once a majority stores it; committed entries
// are handed to the ApplyFunc in index order on every node. A leader that
// cannot reach a majority for a full election timeout steps down, so a
// minority partition never keeps a leader.
//
// The log is not persisted. A restarted node rejoins with an empty log and
// is brought up to date by the leader.
package consensus
