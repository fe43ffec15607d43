package discover

import "github.com/prometheus/client_golang/prometheus"

var (
	ingressPacketsMeter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overmesh",
		Subsystem: "discover",
		Name:      "ingress_packets_total",
		Help:      "Valid discovery packets handled, by packet type.",
	}, []string{"type"})

	ingressDroppedMeter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overmesh",
		Subsystem: "discover",
		Name:      "ingress_dropped_total",
		Help:      "Discovery packets discarded, by reason.",
	}, []string{"reason"})

	egressPacketsMeter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overmesh",
		Subsystem: "discover",
		Name:      "egress_packets_total",
		Help:      "Discovery packets sent, by packet type.",
	}, []string{"type"})

	bucketEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "overmesh",
		Subsystem: "discover",
		Name:      "bucket_entries",
		Help:      "Number of nodes currently held in buckets.",
	})

	evictionResultsMeter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overmesh",
		Subsystem: "discover",
		Name:      "evictions_total",
		Help:      "Resolved eviction probes, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ingressPacketsMeter,
		ingressDroppedMeter,
		egressPacketsMeter,
		bucketEntriesGauge,
		evictionResultsMeter,
	)
}
