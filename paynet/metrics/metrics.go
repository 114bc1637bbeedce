package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Channels            *prometheus.GaugeVec
	ChannelsDeposit     *prometheus.GaugeVec
	ChannelsSpent       *prometheus.GaugeVec
	Payments            *prometheus.CounterVec
	PaymentsVolume      *prometheus.CounterVec
	ArchivedPayments    prometheus.Counter
	PersistenceFailures prometheus.Counter
)

var Registered = false

func RegisterMetrics(namespace string) {
	if Registered {
		return
	}
	Registered = true

	Channels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "channels",
			Namespace: namespace,
			Subsystem: "payments",
			Help:      "Channels count by state.",
		},
		[]string{"network", "state"},
	)

	ChannelsDeposit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "channels_deposit",
			Namespace: namespace,
			Subsystem: "payments",
			Help:      "Locked deposit of not settled channels.",
		},
		[]string{"network"},
	)

	ChannelsSpent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "channels_spent",
			Namespace: namespace,
			Subsystem: "payments",
			Help:      "Spent amount of not settled channels.",
		},
		[]string{"network"},
	)

	Payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "payments_total",
			Namespace: namespace,
			Subsystem: "payments",
			Help:      "Signed payments count.",
		},
		[]string{"network"},
	)

	PaymentsVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "payments_volume",
			Namespace: namespace,
			Subsystem: "payments",
			Help:      "Signed payments amount in smallest token units.",
		},
		[]string{"network"},
	)

	ArchivedPayments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "archived_payments_total",
			Namespace: namespace,
			Subsystem: "payments",
			Help:      "Payments moved to cold storage.",
		},
	)

	PersistenceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "persistence_failures_total",
			Namespace: namespace,
			Subsystem: "payments",
			Help:      "Failed snapshot saves.",
		},
	)

	prometheus.MustRegister(Channels)
	prometheus.MustRegister(ChannelsDeposit)
	prometheus.MustRegister(ChannelsSpent)
	prometheus.MustRegister(Payments)
	prometheus.MustRegister(PaymentsVolume)
	prometheus.MustRegister(ArchivedPayments)
	prometheus.MustRegister(PersistenceFailures)
}
