package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pdc/internal/egnn"
)

func inspectCmd() *cli.Command {
	var (
		showConfig   bool
		showParams   bool
		paramsFilter string
		paramsLimit  int64
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a model directory",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{Name: "config", Usage: "print the model YAML", Destination: &showConfig},
			&cli.BoolFlag{Name: "params", Usage: "list parameters", Destination: &showParams},
			&cli.StringFlag{Name: "params-filter", Usage: "substring filter for parameter listing", Destination: &paramsFilter},
			&cli.Int64Flag{Name: "params-limit", Usage: "limit parameter listing (0 = no limit)", Value: 50, Destination: &paramsLimit},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			root := cmd.Root()
			dir, err := resolveModelDir(modelPath, modelsPath, root.Reader, root.ErrWriter)
			if err != nil {
				return err
			}
			net, err := openModel(ctx, dir)
			if err != nil {
				return err
			}

			w := root.Writer
			cfg := net.Config()
			fmt.Fprintf(w, "Model: %s\n", dir)
			if st, err := os.Stat(filepath.Join(dir, egnn.WeightsFile)); err == nil {
				fmt.Fprintf(w, "Weights: %s (%s)\n", egnn.WeightsFile, formatBytes(uint64(st.Size())))
			}
			fmt.Fprintf(w, "Depth: %d\n", net.Depth())
			fmt.Fprintf(w, "Dim: %d\n", cfg.Dim)
			fmt.Fprintf(w, "Edge dim: %d\n", cfg.LayerEdgeDim())
			fmt.Fprintf(w, "Message dim: %d\n", cfg.Layer.MDim)
			if cfg.NumTokens > 0 {
				fmt.Fprintf(w, "Tokens: %d\n", cfg.NumTokens)
			}
			if cfg.NumAdjDegrees > 0 {
				fmt.Fprintf(w, "Adjacency degrees: %d\n", cfg.NumAdjDegrees)
			}
			if cfg.GlobalLinearAttnEvery > 0 {
				fmt.Fprintf(w, "Global attention: every %d layers, %d heads x %d, %d tokens\n",
					cfg.GlobalLinearAttnEvery, cfg.GlobalLinearAttnHeads, cfg.GlobalLinearAttnDimHead, cfg.NumGlobalTokens)
			}
			fmt.Fprintf(w, "Parameters: %d in %d tensors\n", net.Params().NumElements(), len(net.Params().Names()))

			if showConfig {
				data, err := cfg.YAML()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "\nConfig:\n%s", data)
			}
			if showParams {
				printParams(w, net, paramsFilter, int(paramsLimit))
			}
			return nil
		},
	}
}

func printParams(w io.Writer, net *egnn.Network, filter string, limit int) {
	fmt.Fprintln(w, "\nParameters:")
	shown := 0
	for _, name := range net.Params().Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && shown == limit {
			fmt.Fprintln(w, "  ...")
			return
		}
		t, _ := net.Params().Get(name)
		fmt.Fprintf(w, "  %-48s %-16s %d\n", name, formatShape(t.Shape), t.Len())
		shown++
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
