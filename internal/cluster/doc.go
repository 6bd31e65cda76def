// Package cluster holds the data model shared by every hive component: cluster
// members and their advertised capacity, tasks and their lifecycle, and the
// JSON-over-HTTP helpers nodes use to talk to each other.
//
// # Overview
//
// Hive is a leaderless-until-elected cluster. Any member can accept work, the
// elected leader decides placement, and every member executes what it is
// assigned. The types here are the vocabulary those components exchange.
// They are plain values: components copy them across boundaries with Clone
// rather than sharing pointers into each other's stores.
//
// # Capacity Model
//
// Nodes advertise CPU (100 units per core), memory (MB), bandwidth (Mbit/s)
// and a current load in [0,1]:
//
//	free cpu    = cpu    * (1 - load)
//	free memory = memory * (1 - load)
//	load share  = max(minCPU/cpu, minMemory/memory)
//
// The load share is what one task adds to a node's projected load when the
// scheduler places it there.
//
// # Task Lifecycle
//
//	pending ──► assigned ──► executing ──► validating ──► completed
//	   ▲           │             │              │
//	   └───────────┴─────────────┘              └──────► failed
//	     (reassignment after failure/timeout)
//
// Tasks may be cancelled only while pending or assigned. ValidTaskTransition
// encodes the table above and is checked on every state change.
//
// # Communication
//
// PostJSON and GetJSON wrap a shared http.Client with a 5 second timeout.
// Non-2xx responses are returned as *StatusError so callers can map status
// codes back to domain errors.
package cluster
