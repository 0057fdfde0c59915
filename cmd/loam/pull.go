package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/hub"
)

func pullCmd() *cli.Command {
	var (
		repo string
		rev  string
	)

	return &cli.Command{
		Name:  "pull",
		Usage: "Download a model snapshot into the local cache",
		Flags: append(append([]cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "org/name repo id",
				Destination: &repo,
			},
			&cli.StringFlag{
				Name:        "revision",
				Usage:       "hub revision",
				Value:       "main",
				Destination: &rev,
			},
		}, loggingFlags()...), pathFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := setupLog()
			applyPathFlags()

			if repo == "" {
				return cli.Exit("error: --model is required", 1)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			dir, err := hub.NewClient(log).Resolve(ctx, repo, rev)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("snapshot ready: %s\n", dir)
			return nil
		},
	}
}
