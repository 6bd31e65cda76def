// Package membership maintains each node's view of who is in the cluster.
//
// # Overview
//
// Membership is decentralized. Every node runs a Manager that heartbeats
// its peers, detects silent ones and spreads what it learns by gossip. No
// node is authoritative; views converge because updates are merged with
// SWIM incarnation precedence.
//
// # Member Lifecycle
//
//	       join vote
//	──────────────────────► active ◄─────────────┐
//	                         │  │                │ refute (incarnation+1)
//	       silence > suspicion  │                │
//	                         ▼  │             suspected
//	                   suspected┘                │
//	                         │                   │
//	       silence > failure │                   │
//	                         ▼                   │
//	                       failed ──► removed    │
//	                                             │
//	leave request ──► leaving ──► removed after grace
//
// Failed and removed members leave a tombstone holding their last
// incarnation. Alive gossip about a tombstoned or unknown id is ignored;
// only an admission announced by the node that ran the join vote brings it
// back.
//
// # Precedence
//
//	alive(i)    beats alive(j), suspect(j)  iff i >  j
//	suspect(i)  beats alive(j)              iff i >= j
//	suspect(i)  beats suspect(j)            iff i >  j
//	leaving(i)  beats alive(j), suspect(j)  iff i >= j
//	failed(i)   beats anything not failed   iff i >= j
//
// Only the subject of an update can raise its own incarnation. A node that
// hears it is suspected (by gossip or in a heartbeat reply) answers with
// alive at incarnation+1. A failure verdict about itself is final: the node
// must rejoin.
//
// # Join Protocol
//
//  1. The newcomer signs an identity.JoinProof and sends it to a seed.
//  2. The seed asks every active member, itself included, to vote.
//  3. Each voter checks the proof, the blacklist and that the id is free.
//  4. More than half yes approves; once half can no longer be exceeded the
//     request is rejected. Voters silent at the vote timeout count as no.
//  5. The seed admits the node, announces it to every active peer and
//     hands the newcomer a snapshot of the view.
//
// The newcomer polls JoinStatus until the vote is decided.
//
// # Gossip
//
// Updates travel in messages with a random id and a TTL. Each node applies
// a message once (a bounded FIFO of recent ids) and forwards it to
// GossipFanout random active peers while TTL remains.
//
// # Thread Safety
//
// Manager methods are safe for concurrent use. Event handlers run after the
// internal lock is released and may call back into the Manager.
package membership
