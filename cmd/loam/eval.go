package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/dataset"
	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/train"
)

func evalCmd() *cli.Command {
	var (
		dataPath    string
		split       string
		contextCol  string
		responseCol string
		maskPrompt  bool
		maxLength   int64
		trainSplit  float64
		shuffleSeed int64
		workers     int64
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Score a base model plus optional adapter on a dataset",
		Flags: append(append(append([]cli.Flag{
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "path to the JSONL file",
				Destination: &dataPath,
			},
			&cli.StringFlag{
				Name:        "split",
				Usage:       "rows to score: eval (held-out share) or all",
				Value:       "eval",
				Destination: &split,
			},
			&cli.StringFlag{
				Name:        "context-column",
				Usage:       "JSON field holding the text",
				Value:       "text",
				Destination: &contextCol,
			},
			&cli.StringFlag{
				Name:        "response-column",
				Usage:       "JSON field appended to the context",
				Destination: &responseCol,
			},
			&cli.BoolFlag{
				Name:        "mask-prompt",
				Usage:       "score only response tokens",
				Destination: &maskPrompt,
			},
			&cli.Int64Flag{
				Name:        "max-length",
				Usage:       "example length cap",
				Value:       512,
				Destination: &maxLength,
			},
			&cli.Float64Flag{
				Name:        "train-split",
				Usage:       "train fraction used when carving the eval share",
				Value:       0.9,
				Destination: &trainSplit,
			},
			&cli.Int64Flag{
				Name:        "shuffle-seed",
				Usage:       "split shuffle seed (match the tune run to score its held-out rows)",
				Value:       42,
				Destination: &shuffleSeed,
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

			if dataPath == "" {
				return cli.Exit("error: --data is required", 1)
			}
			if split != "eval" && split != "all" {
				return cli.Exit(fmt.Sprintf("error: unknown split %q (eval, all)", split), 1)
			}

			m, tok, _, err := loadBase(ctx, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			adapters, err := loadAdapter(m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if adapters == nil {
				// Fresh pairs leave the forward pass untouched, so this
				// scores the plain base model.
				adapters, err = lora.Attach(m, lora.DefaultConfig(), rand.New(rand.NewSource(0)))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			opts := dataset.DefaultOptions()
			opts.ContextColumn = contextCol
			opts.ResponseColumn = responseCol
			opts.MaskPrompt = maskPrompt
			opts.MaxLength = int(maxLength)
			opts.TrainSplit = trainSplit
			opts.ShuffleSeed = uint64(shuffleSeed)
			if split == "all" {
				opts.TrainSplit = 1
			}
			splits, err := dataset.Load(dataPath, tok, opts, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if split == "all" {
				splits.Eval = splits.Train
			}

			tr, err := train.New(m, adapters, splits, dataset.Collator{PadID: tok.PadID()},
				train.DefaultArguments("runs/eval"), train.Hooks{Log: log, Workers: int(workers)})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loss, acc, err := tr.Evaluate()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Printf("examples:   %d\n", splits.Eval.Len())
			fmt.Printf("eval loss:  %.4f\n", loss)
			fmt.Printf("accuracy:   %.4f\n", acc)
			fmt.Printf("perplexity: %.2f\n", math.Exp(loss))
			return nil
		},
	}
}
