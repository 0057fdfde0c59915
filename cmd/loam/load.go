package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/hub"
	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/tokenizer"
)

var (
	modelRef      string
	revision      string
	adapterDir    string
	quantScheme   string
	noDoubleQuant bool
	maxContext    int64
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "base model: local directory or org/name repo id",
			Destination: &modelRef,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "hub revision",
			Value:       "main",
			Destination: &revision,
		},
		&cli.StringFlag{
			Name:        "adapter",
			Aliases:     []string{"a"},
			Usage:       "adapter directory from a tune run",
			Destination: &adapterDir,
		},
		&cli.StringFlag{
			Name:        "quant",
			Usage:       "base weight scheme (nf4, fp4)",
			Value:       "nf4",
			Destination: &quantScheme,
		},
		&cli.BoolFlag{
			Name:        "no-double-quant",
			Usage:       "keep absmax scales in f32 instead of requantizing them",
			Destination: &noDoubleQuant,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"ctx"},
			Usage:       "context window cap (0 = checkpoint value)",
			Destination: &maxContext,
		},
	}
}

// loadBase resolves the model flags into a loaded tokenizer and
// quantized model, returning the snapshot directory alongside.
func loadBase(ctx context.Context, log logger.Logger) (*model.Model, *tokenizer.Tokenizer, string, error) {
	if modelRef == "" {
		return nil, nil, "", errors.New("--model is required")
	}
	dir, err := hub.NewClient(log).Resolve(ctx, modelRef, revision)
	if err != nil {
		return nil, nil, "", fmt.Errorf("resolve %s: %w", modelRef, err)
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, nil, "", fmt.Errorf("load tokenizer: %w", err)
	}
	m, err := model.Load(dir, model.LoadOptions{
		Scheme:      quantScheme,
		DoubleQuant: !noDoubleQuant,
		MaxContext:  int(maxContext),
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("load model: %w", err)
	}
	return m, tok, dir, nil
}

// loadAdapter restores the saved adapter onto m when --adapter is set.
// The returned set is nil when no adapter was requested; the model
// then scores and samples as the plain base.
func loadAdapter(m *model.Model) (*lora.Set, error) {
	if adapterDir == "" {
		return nil, nil
	}
	dir, err := resolveAdapterDir(adapterDir)
	if err != nil {
		return nil, err
	}
	s, err := lora.Load(dir, m)
	if err != nil {
		return nil, fmt.Errorf("load adapter %s: %w", dir, err)
	}
	return s, nil
}

// resolveAdapterDir accepts either an adapter directory or a run
// output directory. Outputs of interrupted runs have no final adapter,
// so the newest checkpoint stands in.
func resolveAdapterDir(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, lora.ConfigFile)); err == nil {
		return dir, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	best := -1
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		rest, ok := strings.CutPrefix(e.Name(), "checkpoint-")
		if !ok {
			continue
		}
		step, err := strconv.Atoi(rest)
		if err != nil || step <= best {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), lora.ConfigFile)); err != nil {
			continue
		}
		best = step
	}
	if best < 0 {
		return "", fmt.Errorf("no adapter in %s", dir)
	}
	return filepath.Join(dir, fmt.Sprintf("checkpoint-%d", best)), nil
}
