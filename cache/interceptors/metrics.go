package interceptors

import "github.com/prometheus/client_golang/prometheus"

var (
	commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytree",
			Subsystem: "cache",
			Name:      "commands_total",
			Help:      "Counter of commands handled by the chain.",
		}, []string{"type", "result"})

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytree",
			Subsystem: "cache",
			Name:      "command_duration_seconds",
			Help:      "Bucketed histogram of command processing time.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		}, []string{"type"})

	txCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytree",
			Subsystem: "txn",
			Name:      "completions_total",
			Help:      "Counter of completed transactions.",
		}, []string{"scheme", "result"})

	silencedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytree",
			Subsystem: "cache",
			Name:      "silenced_failures_total",
			Help:      "Counter of failures suppressed by FailSilently.",
		})
)

func init() {
	prometheus.MustRegister(commandCounter)
	prometheus.MustRegister(commandDuration)
	prometheus.MustRegister(txCounter)
	prometheus.MustRegister(silencedCounter)
}
