package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/goccy/go-json"
	"github.com/jazware/repocar/pkg/repo"
	"github.com/jazware/repocar/pkg/xrpc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("repocar")

func serveCommand() *cli.Command {
	flags := append(decoderFlags(), clientFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    "listen-address",
			Usage:   "listen address for HTTP server",
			Value:   "0.0.0.0:8080",
			EnvVars: []string{"LISTEN_ADDRESS"},
		},
	)
	return &cli.Command{
		Name:   "serve",
		Usage:  "serve decoded repos over HTTP at /repo/:did",
		Flags:  flags,
		Action: runServe,
	}
}

func runServe(cctx *cli.Context) error {
	logger, shutdown, err := setup(cctx, "serve")
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

	e := newRouter(logger, &api{client: client, dec: dec, logger: logger})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "listen_address", cctx.String("listen-address"))
		if err := e.Start(cctx.String("listen-address")); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server gracefully", "error", err)
		return err
	}

	logger.Info("shut down successfully")
	return nil
}

func newRouter(logger *slog.Logger, a *api) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = goccySerializer{}

	e.Use(middleware.Recover())
	e.Use(slogecho.NewWithFilters(
		logger,
		slogecho.IgnorePath("/metrics"),
	))
	e.Use(otelecho.Middleware(
		"repocar",
		otelecho.WithSkipper(func(c echo.Context) bool {
			return c.Request().URL.Path == "/metrics"
		}),
	))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/repo/:did", a.GetRepo)
	return e
}

type api struct {
	client *xrpc.Client
	dec    *repo.Decoder
	logger *slog.Logger
}

type repoRecord struct {
	RKey  string `json:"rkey"`
	CID   string `json:"cid"`
	Typed bool   `json:"typed"`
	Value any    `json:"value"`
}

type repoResponse struct {
	DID          string                  `json:"did"`
	PDS          string                  `json:"pds"`
	Rev          string                  `json:"rev,omitempty"`
	Commit       string                  `json:"commit,omitempty"`
	Records      map[string][]repoRecord `json:"records"`
	RecordCount  int                     `json:"record_count"`
	SoftFailures int                     `json:"soft_failures"`
}

// GetRepo fetches a repo from its PDS and returns its records grouped by
// collection.
func (a *api) GetRepo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetRepo")
	defer span.End()

	did, err := syntax.ParseDID(c.Param("did"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid DID: %v", err)})
	}
	span.SetAttributes(attribute.String("repo.did", did.String()))

	pds, err := a.client.ResolvePDS(ctx, did.String())
	if err != nil {
		return a.repoError(c, err)
	}

	resp := repoResponse{
		DID:     did.String(),
		PDS:     pds,
		Records: make(map[string][]repoRecord),
	}
	res, err := a.client.DecodeRepo(ctx, pds, did.String(), a.dec, func(rec *repo.Record) error {
		resp.Records[rec.Collection] = append(resp.Records[rec.Collection], repoRecord{
			RKey:  rec.RKey,
			CID:   rec.CID.String(),
			Typed: rec.Typed,
			Value: rec.Value,
		})
		return nil
	})
	if err != nil {
		return a.repoError(c, err)
	}

	if len(res.Commits) > 0 {
		resp.Rev = res.Commits[0].Rev
		resp.Commit = res.Commits[0].CID.String()
	}
	resp.RecordCount = res.Records
	resp.SoftFailures = res.Failures()
	return c.JSON(http.StatusOK, resp)
}

func (a *api) repoError(c echo.Context, err error) error {
	status := http.StatusBadGateway
	var re *xrpc.RepoError
	if errors.As(err, &re) {
		switch re.Category {
		case xrpc.CategoryNotFound, xrpc.CategoryResolveError:
			status = http.StatusNotFound
		case xrpc.CategoryDeactivated, xrpc.CategoryTakendown:
			status = http.StatusGone
		case xrpc.CategoryRateLimited:
			status = http.StatusTooManyRequests
		case xrpc.CategoryTooLarge:
			status = http.StatusRequestEntityTooLarge
		case xrpc.CategoryParseError:
			status = http.StatusUnprocessableEntity
		}
	}
	if status == http.StatusBadGateway {
		a.logger.Warn("repo request failed", "path", c.Request().URL.Path, "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// goccySerializer renders echo responses with goccy/go-json.
type goccySerializer struct{}

func (goccySerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (goccySerializer) Deserialize(c echo.Context, i any) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
