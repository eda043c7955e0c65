package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jazware/repocar/pkg/car"
	"github.com/jazware/repocar/pkg/repo"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "decode repo archives and print their records as JSON lines",
		ArgsUsage: "<file.car|->...",
		Flags: append(decoderFlags(),
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "archives to decode in parallel",
				Value:   4,
				EnvVars: []string{"CONCURRENCY"},
			},
		),
		Action: runDecode,
	}
}

func runDecode(cctx *cli.Context) error {
	paths := cctx.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("at least one archive path (or - for stdin) required")
	}

	logger, shutdown, err := setup(cctx, "decode")
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dec, err := newDecoder(cctx, logger)
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	out := newLineWriter(os.Stdout)
	defer out.Flush()

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cctx.Int("concurrency"), 1))

	for _, path := range paths {
		g.Go(func() error {
			err := decodeFile(gctx, logger, dec, out, path)
			if err == nil {
				return nil
			}
			// Output and cancellation failures stop every decode; a bad
			// archive only fails itself.
			var oerr *outputError
			if errors.As(err, &oerr) || gctx.Err() != nil {
				return err
			}
			failed.Add(1)
			logger.Warn("failed to decode archive", "source", path, "kind", kindLabel(err), "error", err)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d archives failed to decode", n, len(paths))
	}
	return nil
}

// outputError marks failures writing decoded records.
type outputError struct {
	err error
}

func (e *outputError) Error() string { return "writing output: " + e.err.Error() }
func (e *outputError) Unwrap() error { return e.err }

func kindLabel(err error) string {
	if k := car.KindOf(err); k != 0 {
		return k.String()
	}
	return "other"
}

func decodeFile(ctx context.Context, logger *slog.Logger, dec *repo.Decoder, out *lineWriter, path string) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer f.Close()
		r = f
	}

	start := time.Now()
	res, err := dec.Decode(ctx, r, func(rec *repo.Record) error {
		if err := out.Write(path, "", rec); err != nil {
			return &outputError{err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logResult(logger, path, res)
	logger.Debug("archive decode time", "source", path, "duration", time.Since(start))
	return nil
}
