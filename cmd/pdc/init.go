package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pdc/internal/egnn"
	"github.com/samcharles93/pdc/internal/logger"
)

func initCmd() *cli.Command {
	var (
		outDir     string
		configFile string
		depth      int64
		dim        int64
		seed       int64
		force      bool
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Create a model directory with freshly initialised weights",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "model directory to create",
				Required:    true,
				Destination: &outDir,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "model YAML (defaults are used when omitted)",
				Destination: &configFile,
			},
			&cli.Int64Flag{
				Name:        "depth",
				Usage:       "number of EGNN layers",
				Value:       4,
				Destination: &depth,
			},
			&cli.Int64Flag{
				Name:        "dim",
				Usage:       "node feature width",
				Value:       32,
				Destination: &dim,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "weight initialisation seed",
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "force",
				Usage:       "overwrite an existing model",
				Destination: &force,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applySeedConfig(cmd, LoadConfig(), &seed)

			cfg := egnn.DefaultNetworkConfig(int(depth), int(dim))
			if configFile != "" {
				loaded, err := egnn.LoadNetworkConfig(configFile)
				if err != nil {
					return fmt.Errorf("init: %w", err)
				}
				cfg = loaded
				if cmd.IsSet("depth") {
					cfg.Depth = int(depth)
				}
				if cmd.IsSet("dim") {
					cfg.Dim = int(dim)
				}
			}
			// A model YAML keeps its own init_seed unless --seed is given.
			if configFile == "" || cmd.IsSet("seed") {
				cfg.InitSeed = seed
			}

			if _, err := os.Stat(filepath.Join(outDir, egnn.ConfigFile)); err == nil && !force {
				return fmt.Errorf("init: %s already holds a model; use --force to overwrite", outDir)
			}
			net, err := egnn.New(cfg)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := net.Save(outDir); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			log.Info("model initialised",
				"dir", outDir,
				"depth", net.Depth(),
				"dim", cfg.Dim,
				"params", net.Params().NumElements(),
				"seed", cfg.InitSeed,
			)
			return nil
		},
	}
}
