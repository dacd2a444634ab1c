// Package metrics exposes the proxy's otherwise-silent bookkeeping —
// credit accounting, Tx drain activity, Rx recombination outcomes — as
// Prometheus collectors, the way ghjramos-aistore, marmos91-dittofs and
// runZeroInc-sockstats in the example pack all instrument their hot
// paths with github.com/prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the proxy's core packages report
// through. A nil *Registry is valid everywhere it is accepted: callers
// that don't want metrics simply don't build one.
type Registry struct {
	CreditsReserved       *prometheus.CounterVec
	CreditsReclaimed      *prometheus.CounterVec
	TxPacketsDrained      prometheus.Counter
	RxPDUsRecombined      prometheus.Counter
	RxPDUsDropped         prometheus.Counter
	PendingConnections    prometheus.Gauge
	PendingConfigurations prometheus.Gauge
}

// NewRegistry builds and registers the proxy's collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		CreditsReserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btproxy",
			Name:      "credits_reserved_total",
			Help:      "ACL send credits reserved from the controller, by transport.",
		}, []string{"transport"}),
		CreditsReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btproxy",
			Name:      "credits_reclaimed_total",
			Help:      "ACL send credits reclaimed via NumberOfCompletedPackets, by transport.",
		}, []string{"transport"}),
		TxPacketsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btproxy",
			Name:      "tx_packets_drained_total",
			Help:      "ACL packets dispatched by the channel manager's drain loop.",
		}),
		RxPDUsRecombined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btproxy",
			Name:      "rx_pdus_recombined_total",
			Help:      "L2CAP PDUs assembled from more than one ACL fragment.",
		}),
		RxPDUsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btproxy",
			Name:      "rx_pdus_dropped_total",
			Help:      "L2CAP PDUs dropped during recombination (malformed or overflowed).",
		}),
		PendingConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btproxy",
			Name:      "pending_connections",
			Help:      "Pending L2CAP CONNECTION_REQ exchanges awaiting a response.",
		}),
		PendingConfigurations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btproxy",
			Name:      "pending_configurations",
			Help:      "Pending L2CAP CONFIGURATION_REQ exchanges awaiting a response.",
		}),
	}
	reg.MustRegister(
		r.CreditsReserved,
		r.CreditsReclaimed,
		r.TxPacketsDrained,
		r.RxPDUsRecombined,
		r.RxPDUsDropped,
		r.PendingConnections,
		r.PendingConfigurations,
	)
	return r
}
