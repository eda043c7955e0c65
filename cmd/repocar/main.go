package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jazware/repocar/pkg/records"
	"github.com/jazware/repocar/pkg/repo"
	"github.com/jazware/repocar/telemetry"
	"github.com/jazware/repocar/version"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "repocar",
		Usage:   "decode and verify ATProto repo archives",
		Version: version.String(),
		Flags: []cli.Flag{
			telemetry.CLIFlagDebug,
			telemetry.CLIFlagMetricsListenAddress,
			telemetry.CLIFlagServiceName,
			telemetry.CLIFlagTracingSampleRatio,
		},
		Commands: []*cli.Command{
			decodeCommand(),
			fetchCommand(),
			archiveCommand(),
			inspectCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		os.Exit(1)
	}
}

// setup starts logging, metrics and tracing for a command. The returned
// func flushes traces and must be called before exit.
func setup(cctx *cli.Context, command string) (*slog.Logger, func(), error) {
	logger := telemetry.StartLogger(cctx)
	logger.Debug("starting repocar",
		"command", command,
		"version", version.Version,
		"commit", version.GitCommit)

	telemetry.StartMetrics(cctx)

	shutdown, err := telemetry.StartTracing(cctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start tracing: %w", err)
	}
	return logger, func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}, nil
}

func decoderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "strict",
			Usage:   "treat malformed nodes and undecodable records as fatal",
			EnvVars: []string{"STRICT"},
		},
		&cli.IntFlag{
			Name:    "max-soft-failures",
			Usage:   "soft failures to retain per archive, -1 for no limit",
			Value:   repo.DefaultMaxSoftFailures,
			EnvVars: []string{"MAX_SOFT_FAILURES"},
		},
		&cli.StringFlag{
			Name:    "max-block-size",
			Usage:   "largest accepted archive block (e.g. 4MB)",
			Value:   "4MB",
			EnvVars: []string{"MAX_BLOCK_SIZE"},
		},
		&cli.StringSliceFlag{
			Name:    "collection",
			Usage:   "only emit records of this collection (repeatable)",
			EnvVars: []string{"COLLECTIONS"},
		},
		&cli.BoolFlag{
			Name:  "generic",
			Usage: "skip typed app.bsky decoding and emit every record as generic data",
		},
	}
}

func newDecoder(cctx *cli.Context, logger *slog.Logger) (*repo.Decoder, error) {
	maxBlock, err := parseSize(cctx.String("max-block-size"))
	if err != nil {
		return nil, fmt.Errorf("invalid max-block-size: %w", err)
	}

	registry := records.DefaultRegistry()
	if cctx.Bool("generic") {
		registry = nil
	}

	return repo.NewDecoder(
		repo.WithRegistry(registry),
		repo.WithStrict(cctx.Bool("strict")),
		repo.WithMaxSoftFailures(cctx.Int("max-soft-failures")),
		repo.WithMaxBlockSize(int(maxBlock)),
		repo.WithCollections(cctx.StringSlice("collection")...),
		repo.WithLogger(logger.With("component", "repo")),
	)
}

// logResult writes the per-archive summary and, at debug level, each
// retained soft failure.
func logResult(logger *slog.Logger, source string, res *repo.Result) {
	if res == nil {
		return
	}
	for _, f := range res.SoftFailures {
		logger.Debug("soft failure", "source", source, "kind", f.Kind.String(), "error", f.Error())
	}
	logger.Info("decoded archive",
		"source", source,
		"roots", len(res.Roots),
		"blocks", res.Blocks,
		"bytes", res.Bytes,
		"records", res.Records,
		"typed", res.Typed,
		"soft_failures", res.Failures(),
		"dropped_failures", res.DroppedFailures,
	)
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "TB")
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	var val float64
	if _, err := fmt.Sscanf(s, "%f", &val); err != nil {
		return 0, fmt.Errorf("invalid size: %s", s)
	}
	if val <= 0 {
		return 0, fmt.Errorf("size must be positive: %s", s)
	}
	return int64(val * float64(multiplier)), nil
}
