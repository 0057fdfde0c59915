package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/config"
	"github.com/samcharles93/loam/internal/finetune"
	"github.com/samcharles93/loam/internal/train"
)

func tuneCmd() *cli.Command {
	var (
		configPath string
		modelRef   string
		dataPath   string
		outputDir  string
		maxSteps   int64
		epochs     float64
		lr         float64
		batchSize  int64
		seed       int64
		resume     string
		workers    int64

		monitorAddr   string
		preview       string
		previewTokens int64
		doMerge       bool
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Fine-tune a base model on a text dataset with LoRA adapters",
		Flags: append(append([]cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"f"},
				Usage:       "path to the YAML run file",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "base model: local directory or org/name repo id",
				Destination: &modelRef,
			},
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "path to the JSONL training file",
				Destination: &dataPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "adapter output directory",
				Destination: &outputDir,
			},
			&cli.Int64Flag{
				Name:        "max-steps",
				Usage:       "optimizer step budget (overrides epochs)",
				Destination: &maxSteps,
			},
			&cli.Float64Flag{
				Name:        "epochs",
				Usage:       "number of passes over the training split",
				Destination: &epochs,
			},
			&cli.Float64Flag{
				Name:        "lr",
				Aliases:     []string{"learning-rate"},
				Usage:       "peak learning rate",
				Destination: &lr,
			},
			&cli.Int64Flag{
				Name:        "batch-size",
				Aliases:     []string{"b"},
				Usage:       "micro-batch size",
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "training RNG seed",
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "resume",
				Usage:       "checkpoint directory to resume from",
				Destination: &resume,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Usage:       "kernel worker cap (0 = GOMAXPROCS)",
				Destination: &workers,
			},
			&cli.StringFlag{
				Name:        "monitor",
				Usage:       "serve run metrics over HTTP on this address while training",
				Destination: &monitorAddr,
			},
			&cli.StringFlag{
				Name:        "preview",
				Usage:       "prompt to complete with the tuned model at the end of the run",
				Destination: &preview,
			},
			&cli.Int64Flag{
				Name:        "preview-tokens",
				Usage:       "preview continuation length",
				Value:       64,
				Destination: &previewTokens,
			},
			&cli.BoolFlag{
				Name:        "merge",
				Usage:       "also write a merged f32 checkpoint under <output>/merged",
				Destination: &doMerge,
			},
		}, loggingFlags()...), pathFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := setupLog()
			applyPathFlags()

			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				cfg = *loaded
			}
			if modelRef != "" {
				cfg.Model.NameOrPath = modelRef
			}
			if dataPath != "" {
				cfg.Dataset.Path = dataPath
			}
			if outputDir != "" {
				cfg.Training.OutputDir = outputDir
			}
			if resume != "" {
				cfg.Training.ResumeFromCheckpoint = resume
			}
			if c.IsSet("max-steps") {
				cfg.Training.MaxSteps = int(maxSteps)
			}
			if c.IsSet("epochs") {
				cfg.Training.NumTrainEpochs = epochs
			}
			if c.IsSet("lr") || c.IsSet("learning-rate") {
				cfg.Training.LearningRate = lr
			}
			if c.IsSet("batch-size") {
				cfg.Training.PerDeviceTrainBatchSize = int(batchSize)
			}
			if c.IsSet("seed") {
				cfg.Training.Seed = seed
			}
			if c.IsSet("workers") {
				cfg.Runtime.Workers = int(workers)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := finetune.Run(ctx, finetune.Options{
				Config:        cfg,
				MonitorAddr:   monitorAddr,
				Merge:         doMerge,
				Preview:       preview,
				PreviewTokens: int(previewTokens),
				CurveOut:      os.Stdout,
			}, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if res.TrainErr != nil {
				if errors.Is(res.TrainErr, train.ErrInterrupted) {
					fmt.Printf("interrupted at step %d; resume with --resume %s\n",
						res.State.GlobalStep,
						filepath.Join(res.OutputDir, fmt.Sprintf("checkpoint-%d", res.State.GlobalStep)))
					return nil
				}
				return cli.Exit(fmt.Sprintf("error: training failed: %v (partial adapter in %s)",
					res.TrainErr, filepath.Join(res.OutputDir, "partial")), 1)
			}

			fmt.Printf("run %s finished: %d steps, adapter in %s\n",
				res.RunID, res.State.GlobalStep, res.OutputDir)
			if res.Preview != "" {
				fmt.Printf("preview: %s%s\n", preview, res.Preview)
			}
			return nil
		},
	}
}
