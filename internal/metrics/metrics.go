// Package metrics implements Prometheus metrics for the dissection
// pipeline and call storage, following the teacher's promauto-vec style
// (internal/metrics/metrics.go) renamed from the capture-agent fleet
// domain to sipwatch's single-process analyzer domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets seen by the dispatch loop, per source.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipwatch_packets_total",
			Help: "Total number of packets ingested",
		},
		[]string{"source"},
	)

	// DissectErrorsTotal counts dissector errors by protocol.
	DissectErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipwatch_dissect_errors_total",
			Help: "Total number of dissector errors",
		},
		[]string{"proto"},
	)

	// DissectLatencySeconds measures per-packet dispatch latency.
	DissectLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sipwatch_dissect_latency_seconds",
			Help:    "Latency of one packet's full dissector-tree dispatch",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20),
		},
	)

	// ReassemblyActiveFragments tracks in-flight IP fragment datagrams.
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sipwatch_reassembly_active_fragments",
			Help: "Number of in-flight IP fragment datagrams awaiting reassembly",
		},
	)

	// ReassemblyActiveFlows tracks in-flight TCP reassembly flows.
	ReassemblyActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sipwatch_reassembly_active_flows",
			Help: "Number of in-flight TCP flows awaiting reassembly",
		},
	)

	// CallsTotal tracks the current number of Calls held in storage.
	CallsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sipwatch_calls_total",
			Help: "Current number of calls held in storage",
		},
	)

	// CallsEvictedTotal counts calls dropped by capacity eviction.
	CallsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sipwatch_calls_evicted_total",
			Help: "Total number of calls evicted by capacity limit",
		},
	)

	// StreamsActive tracks the current number of bound RTP/RTCP streams.
	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sipwatch_streams_active",
			Help: "Current number of active RTP/RTCP streams",
		},
		[]string{"kind"},
	)

	// HEPPacketsTotal counts decoded HEP packets received, by version.
	HEPPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipwatch_hep_packets_total",
			Help: "Total number of decoded HEP packets received",
		},
		[]string{"version"},
	)

	// HEPDecodeErrorsTotal counts rejected/malformed HEP packets received.
	HEPDecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sipwatch_hep_decode_errors_total",
			Help: "Total number of HEP packets rejected on decode",
		},
	)
)
