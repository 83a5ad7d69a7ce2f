package raft

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the gauge-per-concern style of the example pack's
// Raft metrics (role, peer count, log/applied index), scoped to one
// Node instance instead of package-level globals so a process running
// more than one Node (tests, multi-tenant embedding) doesn't collide on
// registration.
type Metrics struct {
	IsLeader     prometheus.Gauge
	Term         prometheus.Gauge
	PeersTotal   prometheus.Gauge
	LogIndex     prometheus.Gauge
	AppliedIndex prometheus.Gauge
	RPCFailures  *prometheus.CounterVec
	Partitioned  prometheus.Gauge
}

// NewMetrics builds a Metrics set and registers it with reg. Passing a
// fresh prometheus.NewRegistry() per Node keeps tests from colliding on
// the default global registry's metric names.
func NewMetrics(reg prometheus.Registerer, node NodeID) *Metrics {
	labels := prometheus.Labels{"node": string(node)}
	m := &Metrics{
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "collectionstore_raft_is_leader",
			Help:        "Whether this node is the Raft leader (1 = leader, 0 = follower)",
			ConstLabels: labels,
		}),
		Term: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "collectionstore_raft_term",
			Help:        "Current Raft term observed by this node",
			ConstLabels: labels,
		}),
		PeersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "collectionstore_raft_peers_total",
			Help:        "Total number of Raft peers in the cluster, excluding self",
			ConstLabels: labels,
		}),
		LogIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "collectionstore_raft_log_index",
			Help:        "Index of the last entry in this node's replicated log",
			ConstLabels: labels,
		}),
		AppliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "collectionstore_raft_applied_index",
			Help:        "Index of the last log entry applied to the state machine",
			ConstLabels: labels,
		}),
		RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "collectionstore_raft_rpc_failures_total",
			Help:        "Total RPC failures by peer and RPC kind",
			ConstLabels: labels,
		}, []string{"peer", "rpc"}),
		Partitioned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "collectionstore_raft_partitioned",
			Help:        "Whether this node currently judges itself partitioned from quorum (1 = partitioned)",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.IsLeader, m.Term, m.PeersTotal, m.LogIndex, m.AppliedIndex, m.RPCFailures, m.Partitioned)
	}
	return m
}
