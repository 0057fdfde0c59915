package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/plot"
	"github.com/samcharles93/loam/internal/runstore"
	"github.com/samcharles93/loam/internal/train"
)

func runsCmd() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Query the run registry",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runsListCmd(),
			runsShowCmd(),
		},
	}
}

func runsListCmd() *cli.Command {
	var limit int64

	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List recorded runs, newest first",
		Flags: append([]cli.Flag{
			&cli.Int64Flag{
				Name:        "limit",
				Usage:       "maximum rows to print",
				Value:       20,
				Destination: &limit,
			},
		}, pathFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyPathFlags()

			store, err := runstore.Open(runstore.DefaultPath())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.List(ctx, int(limit))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			fmt.Printf("%-36s  %-11s  %-28s  %-19s  %s\n",
				"RUN ID", "STATUS", "BASE MODEL", "CREATED", "FINAL LOSS")
			for _, r := range runs {
				loss := "-"
				if r.FinalLoss > 0 {
					loss = fmt.Sprintf("%.4f", r.FinalLoss)
				}
				fmt.Printf("%-36s  %-11s  %-28s  %-19s  %s\n",
					r.ID, r.Status, r.BaseModel,
					r.CreatedAt.Format(time.DateTime), loss)
			}
			return nil
		},
	}
}

func runsShowCmd() *cli.Command {
	var (
		runID       string
		showMetrics bool
		showCurve   bool
	)

	return &cli.Command{
		Name:  "show",
		Usage: "Print one run with its metric history",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "run",
				Aliases:     []string{"r"},
				Usage:       "run id",
				Destination: &runID,
			},
			&cli.BoolFlag{
				Name:        "metrics",
				Usage:       "print the metric history",
				Destination: &showMetrics,
			},
			&cli.BoolFlag{
				Name:        "curve",
				Usage:       "print the loss curve",
				Destination: &showCurve,
			},
		}, pathFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyPathFlags()

			if runID == "" {
				return cli.Exit("error: --run is required", 1)
			}

			store, err := runstore.Open(runstore.DefaultPath())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.Get(ctx, runID)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Printf("run:        %s\n", run.ID)
			fmt.Printf("status:     %s\n", run.Status)
			fmt.Printf("base model: %s\n", run.BaseModel)
			if run.Dataset != "" {
				fmt.Printf("dataset:    %s\n", run.Dataset)
			}
			fmt.Printf("output dir: %s\n", run.OutputDir)
			fmt.Printf("created:    %s\n", run.CreatedAt.Format(time.DateTime))
			if !run.FinishedAt.IsZero() {
				fmt.Printf("finished:   %s\n", run.FinishedAt.Format(time.DateTime))
			}
			if run.FinalLoss > 0 {
				fmt.Printf("final loss: %.4f\n", run.FinalLoss)
			}
			if run.BestEvalLoss > 0 {
				fmt.Printf("best eval:  %.4f\n", run.BestEvalLoss)
			}
			if run.Error != "" {
				fmt.Printf("error:      %s\n", run.Error)
			}

			if !showMetrics && !showCurve {
				return nil
			}
			entries, err := store.Metrics(ctx, run.ID)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if showMetrics {
				fmt.Printf("\n%6s  %8s  %8s  %9s  %10s\n",
					"STEP", "EPOCH", "LOSS", "EVAL LOSS", "LR")
				for _, e := range entries {
					loss, eval := "-", "-"
					if e.Loss > 0 {
						loss = fmt.Sprintf("%.4f", e.Loss)
					}
					if e.EvalLoss > 0 {
						eval = fmt.Sprintf("%.4f", e.EvalLoss)
					}
					fmt.Printf("%6d  %8.2f  %8s  %9s  %10.2e\n",
						e.Step, e.Epoch, loss, eval, e.LR)
				}
			}
			if showCurve {
				fmt.Println()
				state := &train.TrainerState{LogHistory: entries}
				if err := plot.RenderASCII(os.Stdout, state, 0, 0); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			return nil
		},
	}
}
