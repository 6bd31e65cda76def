// Package node assembles a hive cluster member from its components and
// serves the public HTTP API.
//
// New wires, in dependency order:
//
//	identity ─► membership ─► consensus ─► scheduler
//	                 ▲             │            │
//	               trust ◄─────────┴── apply ───┘
//
// Membership owns the voter set consensus elects over, consensus applies
// committed commands to the scheduler, and the scheduler is the only writer
// of trust scores. All peer traffic goes through one transport.Mux, served
// at /rpc/{kind}.
//
// Run bootstraps from configured peers or joins through a seed, and only
// then starts consensus, so a joining node cannot elect itself leader of a
// cluster of one.
package node
