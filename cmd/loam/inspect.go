package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/hub"
	"github.com/samcharles93/loam/internal/memory"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/safetensors"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Look inside a model checkpoint or a dataset file",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inspectModelCmd(),
			inspectDataCmd(),
		},
	}
}

func inspectModelCmd() *cli.Command {
	var (
		showTensors  bool
		tensorLimit  int64
		tensorFilter string
	)

	return &cli.Command{
		Name:  "model",
		Usage: "Print checkpoint config and tensor listing",
		Flags: append(append(append([]cli.Flag{
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list the tensor index",
				Destination: &showTensors,
			},
			&cli.Int64Flag{
				Name:        "limit",
				Usage:       "limit tensor listing (0 = no limit)",
				Value:       50,
				Destination: &tensorLimit,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "substring filter for tensor names",
				Destination: &tensorFilter,
			},
		}, commonModelFlags()...), loggingFlags()...), pathFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := setupLog()
			applyPathFlags()

			if modelRef == "" {
				return cli.Exit("error: --model is required", 1)
			}
			dir, err := hub.NewClient(log).Resolve(ctx, modelRef, revision)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			cfg, err := model.LoadConfig(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("model type:      %s\n", cfg.ModelType)
			fmt.Printf("hidden size:     %d\n", cfg.HiddenSize)
			fmt.Printf("intermediate:    %d\n", cfg.IntermediateSize)
			fmt.Printf("layers:          %d\n", cfg.NumHiddenLayers)
			fmt.Printf("heads:           %d (kv %d)\n", cfg.NumAttentionHeads, cfg.NumKeyValueHeads)
			fmt.Printf("vocab size:      %d\n", cfg.VocabSize)
			fmt.Printf("max position:    %d\n", cfg.MaxPosition)
			fmt.Printf("rope theta:      %g\n", cfg.RopeTheta)
			fmt.Printf("tied embeddings: %t\n", cfg.TieWordEmbeddings)

			sf, err := safetensors.OpenModel(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			names := sf.Names()

			var params int
			var bytes int64
			for _, name := range names {
				info, _ := sf.Tensor(name)
				n, err := info.NumElements()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: tensor %s: %v", name, err), 1)
				}
				params += n
				bytes += info.ByteLen()
			}
			fmt.Printf("tensors:         %d in %d shard(s)\n", len(names), len(sf.Shards()))
			fmt.Printf("parameters:      %d\n", params)
			fmt.Printf("checkpoint size: %s\n", memory.FormatBytes(uint64(bytes)))

			if !showTensors {
				return nil
			}
			fmt.Println()
			printed := 0
			for _, name := range names {
				if tensorFilter != "" && !strings.Contains(name, tensorFilter) {
					continue
				}
				if tensorLimit > 0 && int64(printed) >= tensorLimit {
					fmt.Printf("  ... (%d more)\n", len(names)-printed)
					break
				}
				info, _ := sf.Tensor(name)
				fmt.Printf("  %-60s %-5s %v\n", name, info.DType, info.Shape)
				printed++
			}
			return nil
		},
	}
}

func inspectDataCmd() *cli.Command {
	var (
		dataPath    string
		contextCol  string
		responseCol string
		limit       int64
	)

	return &cli.Command{
		Name:  "data",
		Usage: "Preview a JSONL dataset file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "path to the JSONL file",
				Destination: &dataPath,
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
			&cli.Int64Flag{
				Name:        "limit",
				Usage:       "rows to preview",
				Value:       5,
				Destination: &limit,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if dataPath == "" {
				return cli.Exit("error: --data is required", 1)
			}
			f, err := os.Open(dataPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			var rows, missing int
			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" {
					continue
				}
				rows++
				var rec map[string]json.RawMessage
				if err := json.Unmarshal([]byte(line), &rec); err != nil {
					return cli.Exit(fmt.Sprintf("error: line %d: %v", rows, err), 1)
				}
				if _, ok := rec[contextCol]; !ok {
					missing++
				}
				if int64(rows) > limit {
					continue
				}
				fmt.Printf("--- row %d ---\n", rows)
				printField(rec, contextCol)
				if responseCol != "" {
					printField(rec, responseCol)
				}
			}
			if err := sc.Err(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Printf("\n%d row(s)", rows)
			if missing > 0 {
				fmt.Printf(", %d missing %q", missing, contextCol)
			}
			fmt.Println()
			return nil
		},
	}
}

func printField(rec map[string]json.RawMessage, field string) {
	raw, ok := rec[field]
	if !ok {
		fmt.Printf("%s: <missing>\n", field)
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	fmt.Printf("%s: %s\n", field, s)
}
