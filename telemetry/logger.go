package telemetry

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

var CLIFlagDebug = &cli.BoolFlag{
	Name:    "debug",
	Usage:   "enable debug logging",
	Value:   false,
	EnvVars: []string{"DEBUG"},
}

// StartLogger installs a JSON slog handler on stderr as the default logger
// and returns it.
func StartLogger(cctx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cctx.Bool("debug") {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: cctx.Bool("debug"),
	}))
	slog.SetDefault(logger)

	return logger
}
