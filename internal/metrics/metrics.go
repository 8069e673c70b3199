// Package metrics declares the ambient Prometheus counters and gauges
// exposed by a zrs process. These are plain exposition of internal
// activity — not the nagios-style alerting probe spec.md §1 places out of
// scope.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Primary holds the counters and gauges owned by PrimaryListener/Producer.
type Primary struct {
	ConnectedSecondaries prometheus.Gauge
	TransactionsStreamed *prometheus.CounterVec
	BytesStreamed        *prometheus.CounterVec
	BlobBlocksStreamed   *prometheus.CounterVec
	PauseEvents          *prometheus.CounterVec
	ReplicationLag       *prometheus.GaugeVec
	HandshakeFailures    *prometheus.CounterVec
}

// NewPrimary registers and returns the primary-side metrics on reg.
func NewPrimary(reg prometheus.Registerer) *Primary {
	var m = &Primary{
		ConnectedSecondaries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zrs", Subsystem: "primary", Name: "connected_secondaries",
			Help: "Number of secondary connections currently accepted.",
		}),
		TransactionsStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "primary", Name: "transactions_streamed_total",
			Help: "Transactions emitted to a secondary connection.",
		}, []string{"remote_addr"}),
		BytesStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "primary", Name: "bytes_streamed_total",
			Help: "Framed message payload bytes written to a secondary connection.",
		}, []string{"remote_addr"}),
		BlobBlocksStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "primary", Name: "blob_blocks_streamed_total",
			Help: "Blob blocks written to a secondary connection.",
		}, []string{"remote_addr"}),
		PauseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "primary", Name: "pause_events_total",
			Help: "Times a Producer was paused by backpressure.",
		}, []string{"remote_addr"}),
		ReplicationLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zrs", Subsystem: "primary", Name: "replication_lag_seconds",
			Help: "Wall-clock delta between a transaction's commit and the moment its C message was emitted.",
		}, []string{"remote_addr"}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "primary", Name: "handshake_failures_total",
			Help: "Connections dropped during handshake, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.ConnectedSecondaries, m.TransactionsStreamed, m.BytesStreamed,
		m.BlobBlocksStreamed, m.PauseEvents, m.ReplicationLag, m.HandshakeFailures,
	)
	return m
}

// Secondary holds the counters and gauges owned by SecondaryClient.
type Secondary struct {
	Reconnects         prometheus.Counter
	TransactionsApplied prometheus.Counter
	ChecksumFailures    prometheus.Counter
	BytesReceived       prometheus.Counter
	LastTransactionTime prometheus.Gauge
}

// NewSecondary registers and returns the secondary-side metrics on reg.
func NewSecondary(reg prometheus.Registerer) *Secondary {
	var m = &Secondary{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "secondary", Name: "reconnects_total",
			Help: "Times the secondary has (re)connected to its primary.",
		}),
		TransactionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "secondary", Name: "transactions_applied_total",
			Help: "Transactions committed to the local store.",
		}),
		ChecksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "secondary", Name: "checksum_failures_total",
			Help: "Connections dropped due to an MD5 mismatch at a C message.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zrs", Subsystem: "secondary", Name: "bytes_received_total",
			Help: "Framed message payload bytes read from the primary connection.",
		}),
		LastTransactionTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zrs", Subsystem: "secondary", Name: "last_transaction_approx_unix_seconds",
			Help: "ApproxTime of the local store's current lastTransaction.",
		}),
	}
	reg.MustRegister(m.Reconnects, m.TransactionsApplied, m.ChecksumFailures, m.BytesReceived, m.LastTransactionTime)
	return m
}
