// Package metrics exposes Prometheus instrumentation for quorum outcomes,
// anti-entropy throughput, and vnode status.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts client requests by kind (get/set) and outcome.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sucredb",
		Name:      "requests_total",
		Help:      "Client requests processed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// SyncRecordsTotal counts key/DCC records exchanged by anti-entropy
	// sessions, by direction and session kind.
	SyncRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sucredb",
		Name:      "sync_records_total",
		Help:      "Records exchanged by sync/bootstrap sessions.",
	}, []string{"kind", "direction"})

	// VNodeStatus reports the current status of each local vnode as a
	// gauge set to 1 for the active status (0 for the others), so a single
	// query can show the status distribution across the partition set.
	VNodeStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sucredb",
		Name:      "vnode_status",
		Help:      "1 if the vnode is currently in this status, else 0.",
	}, []string{"vnode", "status"})

	// ActiveSessions tracks in-flight sync/bootstrap sessions per vnode.
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sucredb",
		Name:      "active_sync_sessions",
		Help:      "Number of sync/bootstrap sessions currently open for a vnode.",
	}, []string{"vnode", "kind"})
)

func init() {
	prometheus.MustRegister(RequestsTotal, SyncRecordsTotal, VNodeStatus, ActiveSessions)
}
