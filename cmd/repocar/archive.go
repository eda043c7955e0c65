package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jazware/repocar/pkg/repo"
	"github.com/jazware/repocar/pkg/repoarchive"
	"github.com/jazware/repocar/pkg/xrpc"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/semaphore"
)

func archiveCommand() *cli.Command {
	flags := append(decoderFlags(), clientFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    "output-dir",
			Usage:   "directory to write .rca segment files",
			Value:   "./data/rca",
			EnvVars: []string{"OUTPUT_DIR"},
		},
		&cli.StringFlag{
			Name:    "segment-size",
			Usage:   "target segment file size (e.g. 2GB, 500MB)",
			Value:   "2GB",
			EnvVars: []string{"SEGMENT_SIZE"},
		},
		&cli.IntFlag{
			Name:    "zstd-level",
			Usage:   "zstd compression level (1-19)",
			Value:   repoarchive.DefaultZstdLevel,
			EnvVars: []string{"ZSTD_LEVEL"},
		},
		&cli.StringSliceFlag{
			Name:  "did",
			Usage: "fetch this DID from its PDS and archive it (repeatable)",
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "repos to decode in parallel",
			Value:   4,
			EnvVars: []string{"CONCURRENCY"},
		},
	)
	return &cli.Command{
		Name:      "archive",
		Usage:     "decode repo archives or live repos into .rca segment files",
		ArgsUsage: "<file.car>...",
		Flags:     flags,
		Action:    runArchive,
	}
}

func runArchive(cctx *cli.Context) error {
	paths := cctx.Args().Slice()
	dids := cctx.StringSlice("did")
	if len(paths) == 0 && len(dids) == 0 {
		return fmt.Errorf("at least one archive path or --did required")
	}

	logger, shutdown, err := setup(cctx, "archive")
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	segmentSize, err := parseSize(cctx.String("segment-size"))
	if err != nil {
		return fmt.Errorf("invalid segment-size: %w", err)
	}
	dec, err := newDecoder(cctx, logger)
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}
	var client *xrpc.Client
	if len(dids) > 0 {
		if client, err = newClient(cctx); err != nil {
			return err
		}
	}

	writer, err := repoarchive.NewSegmentWriter(cctx.String("output-dir"),
		repoarchive.WithSegmentSize(segmentSize),
		repoarchive.WithZstdLevel(cctx.Int("zstd-level")),
	)
	if err != nil {
		return fmt.Errorf("creating segment writer: %w", err)
	}

	a := &archiver{logger: logger, dec: dec, client: client, writer: writer}
	sem := semaphore.NewWeighted(int64(max(cctx.Int("concurrency"), 1)))
	jobs := make([]func(context.Context) error, 0, len(paths)+len(dids))
	for _, path := range paths {
		jobs = append(jobs, func(ctx context.Context) error { return a.archiveFile(ctx, path) })
	}
	for _, did := range dids {
		jobs = append(jobs, func(ctx context.Context) error { return a.archiveDID(ctx, did) })
	}

	errs := make(chan error, len(jobs))
	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs <- err
			break
		}
		go func() {
			defer sem.Release(1)
			errs <- job(ctx)
		}()
	}
	// Wait for in-flight jobs.
	if err := sem.Acquire(context.Background(), int64(max(cctx.Int("concurrency"), 1))); err != nil {
		return err
	}
	close(errs)

	var failed int
	for err := range errs {
		if err != nil {
			failed++
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing segment writer: %w", err)
	}
	logger.Info("archive complete",
		"repos", writer.TotalRepos(),
		"bytes", writer.BytesWritten(),
		"segments", writer.SegmentNum(),
		"failed", failed,
	)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repos failed to archive", failed, len(jobs))
	}
	return nil
}

type archiver struct {
	logger *slog.Logger
	dec    *repo.Decoder
	client *xrpc.Client
	writer *repoarchive.SegmentWriter
}

func (a *archiver) archiveFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		a.logger.Warn("failed to open archive", "source", path, "error", err)
		return err
	}
	defer f.Close()

	ar := repoarchive.NewArchivedRepo("")
	res, err := a.dec.Decode(ctx, f, ar.Add)
	if err != nil {
		a.logger.Warn("failed to decode archive", "source", path, "kind", kindLabel(err), "error", err)
		return err
	}
	return a.write(ctx, path, ar, res)
}

func (a *archiver) archiveDID(ctx context.Context, did string) error {
	pds, err := a.client.ResolvePDS(ctx, did)
	if err != nil {
		a.logger.Warn("failed to resolve PDS", "did", did, "error", err)
		return err
	}

	ar := repoarchive.NewArchivedRepo(pds)
	ar.DID = did
	res, err := a.client.DecodeRepo(ctx, pds, did, a.dec, ar.Add)
	if err != nil {
		a.logger.Warn("failed to fetch repo", "did", did, "pds", pds, "kind", kindLabel(err), "error", err)
		return err
	}
	return a.write(ctx, did, ar, res)
}

func (a *archiver) write(ctx context.Context, source string, ar *repoarchive.ArchivedRepo, res *repo.Result) error {
	if len(res.Commits) == 0 {
		a.logger.Warn("archive has no commit, skipping", "source", source)
		return fmt.Errorf("%s: no commit", source)
	}
	// Records from every root are merged under the first commit.
	ar.SetCommit(res.Commits[0])

	if err := a.writer.WriteRepo(ctx, ar); err != nil {
		if errors.Is(err, repoarchive.ErrDuplicateDID) {
			a.logger.Warn("skipping repo already in this segment", "source", source, "did", ar.DID)
			return nil
		}
		a.logger.Error("failed to write repo", "source", source, "error", err)
		return err
	}
	logResult(a.logger, source, res)
	return nil
}
