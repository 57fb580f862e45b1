package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pdc/internal/egnn"
	"github.com/samcharles93/pdc/internal/logger"
)

type checkResult struct {
	Model     string      `json:"model"`
	Seed      int64       `json:"seed"`
	Shift     float64     `json:"shift"`
	Tolerance float64     `json:"tolerance"`
	Deviation egnn.Report `json:"deviation"`
	Pass      bool        `json:"pass"`
}

func checkCmd() *cli.Command {
	var (
		input     string
		seed      int64
		shift     float64
		tolerance float64
	)

	return &cli.Command{
		Name:  "check",
		Usage: "Check that a model is invariant/equivariant under a random rigid motion",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "batch JSON file (- for stdin)",
				Value:       "-",
				Destination: &input,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for the random rotation and translation",
				Value:       1,
				Destination: &seed,
			},
			&cli.FloatFlag{
				Name:        "shift",
				Usage:       "translation magnitude",
				Value:       5,
				Destination: &shift,
			},
			&cli.FloatFlag{
				Name:        "tolerance",
				Usage:       "largest accepted absolute deviation",
				Value:       1e-3,
				Destination: &tolerance,
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
			in, err := req.Collate(net.Config())
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}

			report, err := egnn.CheckEquivariance(ctx, net, in, rand.New(rand.NewSource(seed)), shift)
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}
			res := checkResult{
				Model:     dir,
				Seed:      seed,
				Shift:     shift,
				Tolerance: tolerance,
				Deviation: report,
				Pass:      report.Max() <= tolerance,
			}
			enc := json.NewEncoder(root.Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Pass {
				log.Warn("equivariance check failed", "max_deviation", report.Max(), "tolerance", tolerance)
				return fmt.Errorf("check: max deviation %g exceeds tolerance %g", report.Max(), tolerance)
			}
			log.Info("equivariance check passed", "max_deviation", report.Max())
			return nil
		},
	}
}
