// Package metrics holds the daemon's Prometheus collectors, exposed through
// the admin endpoint's /metrics handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PacketsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goslingd_packets_received_total",
		Help: "DHCP packets received, by message type.",
	}, []string{"type"})

	RepliesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goslingd_replies_sent_total",
		Help: "DHCP replies sent, by message type.",
	}, []string{"type"})

	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goslingd_packets_dropped_total",
		Help: "Inbound packets dropped without a reply, by reason.",
	}, []string{"reason"})

	PoolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goslingd_pool_exhausted_total",
		Help: "Discovers dropped because no pool address was available.",
	})

	PersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goslingd_lease_persist_errors_total",
		Help: "Failed writes of the lease file.",
	})
)

func init() {
	prometheus.MustRegister(
		PacketsReceived,
		RepliesSent,
		PacketsDropped,
		PoolExhausted,
		PersistErrors,
	)
}
