package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/pdc/internal/api"
	"github.com/samcharles93/pdc/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		cacheSize   int64
		watch       bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "cache-size",
				Usage:       "number of models kept in memory",
				Value:       4,
				Destination: &cacheSize,
			},
			&cli.BoolFlag{
				Name:        "watch",
				Usage:       "reload models when their files change",
				Value:       true,
				Destination: &watch,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr, &cacheSize)

			provider, err := api.NewCachedModelProvider(api.ProviderConfig{
				DefaultModelDir: modelPath,
				ModelsPath:      modelsPath,
				CacheSize:       int(cacheSize),
				Log:             log,
			})
			if err != nil {
				return err
			}
			server := api.NewServer(provider)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			g, ctx := errgroup.WithContext(ctx)
			if watch {
				g.Go(func() error {
					if err := provider.Watch(ctx); err != nil {
						log.Warn("model watcher stopped", "error", err)
					}
					return nil
				})
			}
			g.Go(func() error {
				log.Info("starting server", "address", addr)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				return sc.Start(ctx, e)
			})
			return g.Wait()
		},
	}
}
