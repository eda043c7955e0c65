package repoarchive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	archiveBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repocar_archive_bytes_written_total",
		Help: "Bytes of repo blocks written to .rca segments.",
	})

	archiveReposWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repocar_archive_repos_written_total",
		Help: "Repos written to .rca segments.",
	})
)
