package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pdc/internal/batch"
	"github.com/samcharles93/pdc/internal/egnn"
	"github.com/samcharles93/pdc/internal/logger"
)

func runCmd() *cli.Command {
	var (
		input  string
		output string
		train  bool
		seed   int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a model on a JSON graph batch",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "batch JSON file (- for stdin)",
				Value:       "-",
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "result JSON file (- for stdout)",
				Value:       "-",
				Destination: &output,
			},
			&cli.BoolFlag{
				Name:        "train",
				Usage:       "enable dropout",
				Destination: &train,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "dropout seed (with --train)",
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg)
			applySeedConfig(cmd, cfg, &seed)

			root := cmd.Root()
			dir, err := resolveModelDir(modelPath, modelsPath, root.Reader, root.ErrWriter)
			if err != nil {
				return err
			}
			net, err := openModel(ctx, dir)
			if err != nil {
				return err
			}
			req, err := readBatch(input, root.Reader)
			if err != nil {
				return err
			}

			start := time.Now()
			resp, err := batch.Run(ctx, net, req, egnn.Options{Train: train, Seed: seed})
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			log.Info("forward complete",
				"graphs", len(req.Graphs),
				"nodes", req.MaxNodes(),
				"duration", time.Since(start),
			)
			return writeOutput(output, root.Writer, func(w io.Writer) error {
				return batch.Encode(w, resp)
			})
		},
	}
}

func openModel(ctx context.Context, dir string) (*egnn.Network, error) {
	log := logger.FromContext(ctx)
	net, unused, err := egnn.Open(dir)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		log.Warn("model has unused tensors", "dir", dir, "names", unused)
	}
	log.Debug("model loaded", "dir", dir, "depth", net.Depth(), "params", net.Params().NumElements())
	return net, nil
}

func readBatch(path string, stdin io.Reader) (*batch.Request, error) {
	if path == "" || path == "-" {
		return batch.Decode(stdin)
	}
	return batch.ReadFile(path)
}

func writeOutput(path string, stdout io.Writer, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
