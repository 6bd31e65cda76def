// Package metrics defines the Prometheus collectors exported by a hive node
// and the host capacity probe that feeds heartbeats.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hive"

// Metrics holds one node's collectors on a private registry, so several
// nodes can run in one process (as they do in tests).
type Metrics struct {
	Registry *prometheus.Registry

	Term      prometheus.Gauge
	IsLeader  prometheus.Gauge
	Elections prometheus.Counter

	Members *prometheus.GaugeVec

	TasksSubmitted prometheus.Counter
	TasksFinished  *prometheus.CounterVec
	Assignments    prometheus.Counter
	Reassignments  prometheus.Counter
	Validations    *prometheus.CounterVec
	Blacklisted    prometheus.Counter

	RPCDuration  *prometheus.HistogramVec
	RPCErrors    *prometheus.CounterVec
	TickDuration prometheus.Histogram
}

// New registers the collectors, labelled with the node id.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node": nodeID}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "term",
			Help: "Current consensus term.", ConstLabels: labels,
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "is_leader",
			Help: "1 while this node is the leader.", ConstLabels: labels,
		}),
		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "elections_total",
			Help: "Elections started by this node.", ConstLabels: labels,
		}),
		Members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "membership", Name: "members",
			Help: "Members by status.", ConstLabels: labels,
		}, []string{"status"}),
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tasks_submitted_total",
			Help: "Tasks accepted into the replicated log.", ConstLabels: labels,
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tasks_finished_total",
			Help: "Tasks reaching a terminal state.", ConstLabels: labels,
		}, []string{"status"}),
		Assignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "assignments_total",
			Help: "Assignments applied.", ConstLabels: labels,
		}),
		Reassignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "requeues_total",
			Help: "Tasks returned to pending after failure or timeout.", ConstLabels: labels,
		}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validation", Name: "resolved_total",
			Help: "Validation tasks by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		Blacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trust", Name: "blacklisted_total",
			Help: "Nodes blacklisted.", ConstLabels: labels,
		}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "duration_seconds",
			Help: "Outgoing RPC latency.", ConstLabels: labels,
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"kind"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "errors_total",
			Help: "Outgoing RPCs that failed.", ConstLabels: labels,
		}, []string{"kind"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_seconds",
			Help: "Leader scheduling pass latency.", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.Registry.MustRegister(
		m.Term, m.IsLeader, m.Elections, m.Members,
		m.TasksSubmitted, m.TasksFinished, m.Assignments, m.Reassignments,
		m.Validations, m.Blacklisted,
		m.RPCDuration, m.RPCErrors, m.TickDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// SetLeader records leadership and term.
func (m *Metrics) SetLeader(leader bool, term uint64) {
	m.Term.Set(float64(term))
	if leader {
		m.IsLeader.Set(1)
	} else {
		m.IsLeader.Set(0)
	}
}
