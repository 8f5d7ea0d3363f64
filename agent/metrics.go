package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tavern_completions_total",
			Help: "Completion requests by result (ok or error).",
		},
		[]string{"result"},
	)
	completionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tavern_completion_seconds",
			Help:    "Completion backend latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	chunkedRepliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tavern_chunked_replies_total",
			Help: "Replies that were split across several messages.",
		},
	)
)

func init() {
	prometheus.MustRegister(completionsTotal)
	prometheus.MustRegister(completionSeconds)
	prometheus.MustRegister(chunkedRepliesTotal)
}
