package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jazware/repocar/pkg/repo"
	"github.com/jazware/repocar/pkg/xrpc"
	"github.com/urfave/cli/v2"
)

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:    "pds-rps",
			Usage:   "getRepo requests per second, 0 to disable limiting",
			Value:   10,
			EnvVars: []string{"PDS_RPS"},
		},
		&cli.StringFlag{
			Name:    "max-repo-size",
			Usage:   "largest repo archive to download (e.g. 512MB)",
			Value:   "512MB",
			EnvVars: []string{"MAX_REPO_SIZE"},
		},
	}
}

func newClient(cctx *cli.Context) (*xrpc.Client, error) {
	maxRepo, err := parseSize(cctx.String("max-repo-size"))
	if err != nil {
		return nil, fmt.Errorf("invalid max-repo-size: %w", err)
	}
	return xrpc.NewClient(
		xrpc.WithRateLimit(cctx.Float64("pds-rps"), 1),
		xrpc.WithMaxRepoSize(maxRepo),
	), nil
}

func fetchCommand() *cli.Command {
	flags := append(decoderFlags(), clientFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:     "did",
			Usage:    "DID of the repo to fetch",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "pds",
			Usage: "PDS base URL, skips DID resolution when set",
		},
	)
	return &cli.Command{
		Name:   "fetch",
		Usage:  "fetch a live repo from its PDS and print its records as JSON lines",
		Flags:  flags,
		Action: runFetch,
	}
}

func runFetch(cctx *cli.Context) error {
	logger, shutdown, err := setup(cctx, "fetch")
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
	client, err := newClient(cctx)
	if err != nil {
		return err
	}

	did := cctx.String("did")
	pds := cctx.String("pds")
	if pds == "" {
		if pds, err = client.ResolvePDS(ctx, did); err != nil {
			return fmt.Errorf("resolving PDS: %w", err)
		}
	}
	logger.Info("fetching repo", "did", did, "pds", pds)

	out := newLineWriter(os.Stdout)
	res, err := client.DecodeRepo(ctx, pds, did, dec, func(rec *repo.Record) error {
		return out.Write("", did, rec)
	})
	if ferr := out.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("flushing output: %w", ferr)
	}
	if err != nil {
		return fmt.Errorf("fetching %s: %w", did, err)
	}

	logResult(logger, did, res)
	return nil
}
