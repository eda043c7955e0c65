package xrpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repocar_http_requests_total",
		Help: "getRepo requests to PDSs by status code.",
	}, []string{"status_code"})

	httpRequestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repocar_http_request_duration_seconds",
		Help:    "Time to first byte of getRepo responses.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repocar_fetches_total",
		Help: "Repo fetch and decode attempts by result category.",
	}, []string{"result"})
)
