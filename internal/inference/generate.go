// Package inference produces sample continuations from a tuned model.
package inference

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/loam/internal/autograd"
	"github.com/samcharles93/loam/internal/logits"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/tokenizer"
)

// Stats summarizes one Generate call.
type Stats struct {
	Tokens       int
	Duration     time.Duration
	TokensPerSec float64
}

// Generator decodes by re-running the full forward pass for every new
// token. There is no KV cache, so cost grows quadratically with
// sequence length; short previews are the intended use.
type Generator struct {
	Model        *model.Model
	Tok          *tokenizer.Tokenizer
	Sampler      *logits.Sampler
	MaxNewTokens int
	StopIDs      []int
	Workers      int
}

// Generate decodes a continuation of prompt and returns it without the
// prompt text. When StopIDs is empty the tokenizer's EOS token ends
// generation. On context cancellation the tokens decoded so far are
// returned together with the context error.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, Stats, error) {
	var stats Stats

	ids, err := g.Tok.Encode(prompt)
	if err != nil {
		return "", stats, fmt.Errorf("encode prompt: %w", err)
	}
	// Encode may close the prompt with EOS; generation has to continue
	// the document instead of starting a fresh one.
	if n := len(ids); n > 0 && ids[n-1] == g.Tok.EOSID() {
		ids = ids[:n-1]
	}
	if len(ids) == 0 {
		return "", stats, fmt.Errorf("prompt produced no tokens")
	}
	if len(ids) >= g.Model.MaxContext() {
		return "", stats, fmt.Errorf("prompt length %d fills the %d-token context window", len(ids), g.Model.MaxContext())
	}

	sampler := g.Sampler
	if sampler == nil {
		sampler = logits.NewSampler(logits.SamplerConfig{})
	}
	stops := g.StopIDs
	if len(stops) == 0 && g.Tok.EOSID() >= 0 {
		stops = []int{g.Tok.EOSID()}
	}
	limit := g.MaxNewTokens
	if limit <= 0 {
		limit = 64
	}
	workers := g.Workers
	if workers <= 0 {
		workers = 1
	}

	promptLen := len(ids)
	start := time.Now()
	for len(ids)-promptLen < limit && len(ids) < g.Model.MaxContext() {
		if ctx.Err() != nil {
			break
		}
		tape := autograd.EvalTape(workers)
		out, err := g.Model.Forward(tape, ids)
		if err != nil {
			return "", stats, fmt.Errorf("forward at %d tokens: %w", len(ids), err)
		}
		row := out.W.Row(len(ids) - 1)
		// Padded model vocabs can exceed the tokenizer's; never sample
		// an id the tokenizer cannot decode.
		if v := g.Tok.VocabSize(); v > 0 && v < len(row) {
			row = row[:v]
		}
		next := sampler.Sample(row, ids)
		if slices.Contains(stops, next) {
			break
		}
		ids = append(ids, next)
		stats.Tokens++
	}
	stats.Duration = time.Since(start)
	if secs := stats.Duration.Seconds(); secs > 0 {
		stats.TokensPerSec = float64(stats.Tokens) / secs
	}

	text, err := g.Tok.Decode(ids[promptLen:])
	if err != nil {
		return "", stats, fmt.Errorf("decode continuation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return text, stats, err
	}
	return text, stats, nil
}
