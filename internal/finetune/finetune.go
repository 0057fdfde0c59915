// Package finetune drives one tuning run end to end: resolve the base
// model, load it quantized, attach adapters, train, and write the run
// artifacts. The CLI assembles Options from the run file and flags and
// calls Run once.
package finetune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/loam/internal/config"
	"github.com/samcharles93/loam/internal/dataset"
	"github.com/samcharles93/loam/internal/hub"
	"github.com/samcharles93/loam/internal/inference"
	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/memory"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/monitor"
	"github.com/samcharles93/loam/internal/plot"
	"github.com/samcharles93/loam/internal/runstore"
	"github.com/samcharles93/loam/internal/safetensors"
	"github.com/samcharles93/loam/internal/tokenizer"
	"github.com/samcharles93/loam/internal/train"
)

// LossSVG is the chart written next to the final adapter.
const LossSVG = "loss.svg"

// Options selects what a run does beyond training itself.
type Options struct {
	Config config.Config

	// MonitorAddr, when set, serves the run registry over HTTP for the
	// duration of the run.
	MonitorAddr string

	// Merge writes a merged f32 checkpoint under OutputDir/merged after
	// a successful run.
	Merge bool

	// Preview, when set, is a prompt to complete with the tuned model
	// at the end of the run. Preview failures are logged, not fatal.
	Preview       string
	PreviewTokens int

	// StorePath overrides the run registry location.
	StorePath string

	// CurveOut, when set, receives an ASCII loss curve after training.
	CurveOut io.Writer
}

// Result carries the outcome of a run. TrainErr holds the training
// loop's error when setup succeeded but the loop did not; Run then
// returns a nil error so callers can reach the partial artifacts.
type Result struct {
	Trainer   *train.Trainer
	State     *train.TrainerState
	OutputDir string
	RunID     string
	TrainErr  error
	Preview   string
}

// Run executes one fine-tuning run. Setup failures (model, tokenizer,
// dataset, registry) are returned as errors; once training starts the
// error recovery keeps partial progress: a failing loop saves the
// adapter and state under OutputDir/partial and marks the run failed,
// a cancelled loop keeps the trainer's own checkpoint and marks the
// run interrupted.
func Run(ctx context.Context, opts Options, log logger.Logger) (*Result, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	tuning, err := cfg.Runtime.Tuning()
	if err != nil {
		return nil, err
	}
	if err := memory.ApplyRuntimeTuning(tuning, log); err != nil {
		return nil, err
	}

	args := cfg.Training.Arguments()
	if err := os.MkdirAll(args.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}

	dir, err := hub.NewClient(log).Resolve(ctx, cfg.Model.NameOrPath, cfg.Model.Revision)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Model.NameOrPath, err)
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	m, err := model.Load(dir, cfg.LoadOptions())
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if v := tok.VocabSize(); v > m.Embed.W.R {
		return nil, fmt.Errorf("tokenizer vocab %d exceeds model vocab %d", v, m.Embed.W.R)
	}
	adapters, err := lora.Attach(m, cfg.LoRA.Config(), rand.New(rand.NewSource(args.Seed)))
	if err != nil {
		return nil, fmt.Errorf("attach adapters: %w", err)
	}
	memory.ReleaseNow()
	log.Info("model ready",
		"params", m.NumParams(),
		"trainable", adapters.NumTrainable(),
		"mem", memory.Snapshot().String())
	splits, err := dataset.Load(cfg.Dataset.Path, tok, cfg.DatasetOptions(), log)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	// The peak counter covers the training phase only.
	memory.ResetPeak()
	memory.StartPeakSampler(ctx, 0)

	storePath := opts.StorePath
	if storePath == "" {
		storePath = runstore.DefaultPath()
	}
	store, err := runstore.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	run := &runstore.Run{
		BaseModel: cfg.Model.NameOrPath,
		Dataset:   cfg.Dataset.Path,
		OutputDir: args.OutputDir,
		Args:      string(argsJSON),
	}
	if err := store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("register run: %w", err)
	}
	log.Info("run registered", "run_id", run.ID, "store", storePath)

	if opts.MonitorAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := monitor.Serve(mctx, store, opts.MonitorAddr, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("monitor stopped", "error", err)
			}
		}()
		// The monitor reads the store, so it has to be down before the
		// deferred Close runs.
		defer func() { cancel(); <-done }()
	}

	tr, err := train.New(m, adapters, splits, dataset.Collator{PadID: tok.PadID()}, args, train.Hooks{
		Log:       log,
		Sink:      runstore.NewSink(ctx, store, run.ID, log),
		Workers:   cfg.Runtime.Workers,
		BaseModel: cfg.Model.NameOrPath,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Trainer: tr, State: tr.State, OutputDir: args.OutputDir, RunID: run.ID}

	if err := tr.Train(ctx); err != nil {
		res.TrainErr = err
		if errors.Is(err, train.ErrInterrupted) {
			// The trainer checkpointed before returning; nothing else
			// to save.
			closeRun(ctx, store, run.ID, runstore.StatusInterrupted, tr.State, "", log)
			return res, nil
		}
		log.Error("training failed", "run_id", run.ID, "error", err)
		if saveErr := savePartial(tr, args.OutputDir, cfg.Model.NameOrPath); saveErr != nil {
			log.Error("partial save failed", "error", saveErr)
		} else {
			log.Info("partial adapter saved", "dir", filepath.Join(args.OutputDir, "partial"))
		}
		closeRun(ctx, store, run.ID, runstore.StatusFailed, tr.State, err.Error(), log)
		return res, nil
	}

	if err := tr.SaveFinal(); err != nil {
		return res, fmt.Errorf("save adapter: %w", err)
	}
	log.Info("adapter saved", "dir", args.OutputDir)

	svgPath := filepath.Join(args.OutputDir, LossSVG)
	if err := plot.SVGFile(svgPath, tr.State, plot.Options{Title: cfg.Model.NameOrPath}); err != nil {
		log.Warn("loss chart failed", "error", err)
	}
	if opts.CurveOut != nil {
		if err := plot.RenderASCII(opts.CurveOut, tr.State, 0, 0); err != nil {
			log.Warn("loss curve failed", "error", err)
		}
	}

	if opts.Merge {
		mergedDir := filepath.Join(args.OutputDir, "merged")
		if err := ExportMerged(m, adapters, dir, mergedDir, cfg.Runtime.Workers); err != nil {
			return res, fmt.Errorf("merge: %w", err)
		}
		log.Info("merged checkpoint saved", "dir", mergedDir)
	}

	if opts.Preview != "" {
		text, stats, err := preview(ctx, m, tok, opts)
		if err != nil {
			log.Warn("preview failed", "error", err)
		} else {
			res.Preview = text
			log.Info("preview", "prompt", opts.Preview, "text", text,
				"tokens", stats.Tokens, "tok_per_sec", stats.TokensPerSec)
		}
	}

	closeRun(ctx, store, run.ID, runstore.StatusSucceeded, tr.State, "", log)
	return res, nil
}

// savePartial writes the adapter and state of a failed run under
// OutputDir/partial, away from any good checkpoints.
func savePartial(tr *train.Trainer, outputDir, baseModel string) error {
	dir := filepath.Join(outputDir, "partial")
	if err := tr.Adapters.Save(dir, baseModel); err != nil {
		return err
	}
	return tr.State.Save(filepath.Join(dir, train.StateFile))
}

// closeRun records the terminal status. The run context is usually
// already cancelled on the interrupted path, so the update detaches
// from it.
func closeRun(ctx context.Context, store *runstore.Store, id string, status runstore.Status, state *train.TrainerState, errMsg string, log logger.Logger) {
	if err := store.UpdateStatus(context.WithoutCancel(ctx), id, status, lastLoss(state), state.BestEvalLoss, errMsg); err != nil {
		log.Warn("run status update failed", "run_id", id, "error", err)
	}
}

// lastLoss is the most recent training loss in the log history; eval
// snapshots carry no train loss and are skipped.
func lastLoss(state *train.TrainerState) float64 {
	for i := len(state.LogHistory) - 1; i >= 0; i-- {
		if state.LogHistory[i].Loss > 0 {
			return state.LogHistory[i].Loss
		}
	}
	return 0
}

// ExportMerged folds the adapters into a dequantised copy of the base
// weights and writes a plain f32 checkpoint into destDir, together
// with the config and tokenizer files the directory needs to load on
// its own.
func ExportMerged(m *model.Model, adapters *lora.Set, baseDir, destDir string, workers int) error {
	tensors, err := lora.Merge(m, adapters, workers)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	if err := model.WriteTensors(filepath.Join(destDir, safetensors.SingleFile), tensors); err != nil {
		return err
	}
	for _, name := range []string{"config.json", "tokenizer.json", "tokenizer_config.json"} {
		raw, err := os.ReadFile(filepath.Join(baseDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := os.WriteFile(filepath.Join(destDir, name), raw, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// preview completes the prompt with the default greedy sampler so
// repeated runs on the same adapter produce the same text.
func preview(ctx context.Context, m *model.Model, tok *tokenizer.Tokenizer, opts Options) (string, inference.Stats, error) {
	gen := &inference.Generator{
		Model:        m,
		Tok:          tok,
		MaxNewTokens: opts.PreviewTokens,
		Workers:      opts.Config.Runtime.Workers,
	}
	return gen.Generate(ctx, opts.Preview)
}
