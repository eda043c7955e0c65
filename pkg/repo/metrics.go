package repo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decode pass metrics.
var (
	decodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repocar_decodes_total",
		Help: "Decode passes by result (success or the fatal error kind).",
	}, []string{"result"})

	decodeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repocar_decode_duration_seconds",
		Help:    "Wall time per decode pass, including callbacks.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	blocksReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repocar_blocks_read_total",
		Help: "Verified blocks read from archives.",
	})

	blockBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repocar_block_bytes_total",
		Help: "Payload bytes of verified blocks.",
	})

	recordsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repocar_records_emitted_total",
		Help: "Records delivered to callbacks, typed or generic.",
	}, []string{"type"})

	softFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repocar_soft_failures_total",
		Help: "Per-record and per-node failures collected without aborting the pass.",
	}, []string{"kind"})

	repoRecords = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repocar_repo_records",
		Help:    "Records per decoded repo.",
		Buckets: []float64{0, 10, 50, 100, 500, 1000, 5000, 10000, 50000},
	})
)
