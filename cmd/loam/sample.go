package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/inference"
	"github.com/samcharles93/loam/internal/logits"
)

func sampleCmd() *cli.Command {
	var (
		prompt        string
		tokens        int64
		temp          float64
		topK          int64
		topP          float64
		repeatPenalty float64
		repeatLastN   int64
		seed          int64
		workers       int64
		echoPrompt    bool
	)

	return &cli.Command{
		Name:  "sample",
		Usage: "Generate a continuation from a base model plus optional adapter",
		Flags: append(append(append([]cli.Flag{
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text to continue",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "tokens",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       128,
				Destination: &tokens,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k shortlist size",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "nucleus cutoff",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.1,
				Destination: &repeatPenalty,
			},
			&cli.Int64Flag{
				Name:        "repeat-last-n",
				Usage:       "last n tokens to penalize",
				Value:       64,
				Destination: &repeatLastN,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed (default -1 = time)",
				Value:       -1,
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Usage:       "kernel worker cap (0 = GOMAXPROCS)",
				Destination: &workers,
			},
			&cli.BoolFlag{
				Name:        "echo-prompt",
				Usage:       "print the prompt before the continuation",
				Destination: &echoPrompt,
			},
		}, commonModelFlags()...), loggingFlags()...), pathFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := setupLog()
			applyPathFlags()

			if prompt == "" {
				return cli.Exit("error: --prompt is required", 1)
			}

			m, tok, _, err := loadBase(ctx, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if _, err := loadAdapter(m); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if seed < 0 {
				seed = time.Now().UnixNano()
			}
			gen := &inference.Generator{
				Model: m,
				Tok:   tok,
				Sampler: logits.NewSampler(logits.SamplerConfig{
					Seed:              seed,
					Temperature:       float32(temp),
					TopK:              int(topK),
					TopP:              float32(topP),
					RepetitionPenalty: float32(repeatPenalty),
					RepeatLastN:       int(repeatLastN),
				}),
				MaxNewTokens: int(tokens),
				Workers:      int(workers),
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			text, stats, err := gen.Generate(ctx, prompt)
			if err != nil && !errors.Is(err, context.Canceled) {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if echoPrompt {
				fmt.Print(prompt)
			}
			fmt.Println(text)
			_, _ = fmt.Fprintf(os.Stderr, "%d tokens in %.2fs (%.1f tok/s)\n",
				stats.Tokens, stats.Duration.Seconds(), stats.TokensPerSec)
			return nil
		},
	}
}
