package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/finetune"
)

func mergeCmd() *cli.Command {
	var (
		outDir  string
		workers int64
	)

	return &cli.Command{
		Name:  "merge",
		Usage: "Fold an adapter into its base weights and write a plain f32 checkpoint",
		Flags: append(append(append([]cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "destination directory for the merged checkpoint",
				Destination: &outDir,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Usage:       "kernel worker cap (0 = GOMAXPROCS)",
				Destination: &workers,
			},
		}, commonModelFlags()...), loggingFlags()...), pathFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := setupLog()
			applyPathFlags()

			if adapterDir == "" {
				return cli.Exit("error: --adapter is required", 1)
			}
			if outDir == "" {
				return cli.Exit("error: --out is required", 1)
			}

			m, _, baseDir, err := loadBase(ctx, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			adapters, err := loadAdapter(m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if err := finetune.ExportMerged(m, adapters, baseDir, outDir, int(workers)); err != nil {
				return cli.Exit(fmt.Sprintf("error: merge: %v", err), 1)
			}
			fmt.Printf("merged checkpoint written to %s\n", outDir)
			return nil
		},
	}
}
