package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samcharles93/loam/internal/autograd"
	"github.com/samcharles93/loam/internal/dataset"
	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/memory"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/safetensors"
)

// OptimizerFile is the optimizer-state artifact inside checkpoints.
const OptimizerFile = "optimizer.safetensors"

// ErrInterrupted reports a context-cancelled run. Progress up to the
// cancellation is checkpointed before it is returned.
var ErrInterrupted = errors.New("training interrupted")

// Hooks wires optional collaborators into the trainer.
type Hooks struct {
	Log  logger.Logger
	Sink MetricSink
	// Workers caps kernel parallelism; zero means GOMAXPROCS.
	Workers int
	// BaseModel is recorded in saved adapter configs.
	BaseModel string
}

// Trainer binds model, adapters, data and arguments into one run.
type Trainer struct {
	Model    *model.Model
	Adapters *lora.Set
	Data     *dataset.Splits
	Args     Arguments
	State    *TrainerState

	params    []lora.Param
	opt       Optimizer
	sched     *Scheduler
	collator  dataset.Collator
	log       logger.Logger
	sink      MetricSink
	workers   int
	baseModel string

	microsPerEpoch int
	stepsPerEpoch  int
	totalSteps     int

	permEpoch int
	perm      []int
}

// New validates the arguments, builds optimizer and scheduler, and
// resumes from a checkpoint when the arguments ask for one.
func New(m *model.Model, adapters *lora.Set, data *dataset.Splits, coll dataset.Collator, args Arguments, hooks Hooks) (*Trainer, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if m == nil || adapters == nil {
		return nil, fmt.Errorf("model and adapters required")
	}
	if data == nil || data.Train.Len() == 0 {
		return nil, fmt.Errorf("train split is empty")
	}
	params := adapters.Params()
	if len(params) == 0 {
		return nil, fmt.Errorf("no trainable parameters")
	}

	log := hooks.Log
	if log == nil {
		log = logger.Nop()
	}
	workers := hooks.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	microsPerEpoch := ceilDiv(data.Train.Len(), args.PerDeviceTrainBatchSize)
	stepsPerEpoch := ceilDiv(microsPerEpoch, args.GradientAccumulationSteps)
	totalSteps := args.MaxSteps
	if totalSteps <= 0 {
		totalSteps = int(math.Ceil(args.NumTrainEpochs * float64(stepsPerEpoch)))
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("training would take zero steps")
	}

	sched, err := NewScheduler(args.LRSchedulerType, args.LearningRate, args.warmup(totalSteps), totalSteps)
	if err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(params, args)
	if err != nil {
		return nil, err
	}

	m.PrepareForTraining(args.GradientCheckpointing)

	t := &Trainer{
		Model:    m,
		Adapters: adapters,
		Data:     data,
		Args:     args,
		State:    &TrainerState{TotalSteps: totalSteps},

		params:    params,
		opt:       opt,
		sched:     sched,
		collator:  coll,
		log:       log,
		sink:      hooks.Sink,
		workers:   workers,
		baseModel: hooks.BaseModel,

		microsPerEpoch: microsPerEpoch,
		stepsPerEpoch:  stepsPerEpoch,
		totalSteps:     totalSteps,
		permEpoch:      -1,
	}
	if args.ResumeFromCheckpoint != "" {
		if err := t.Resume(args.ResumeFromCheckpoint); err != nil {
			return nil, fmt.Errorf("resume from %s: %w", args.ResumeFromCheckpoint, err)
		}
	}
	return t, nil
}

// TotalSteps is the planned optimizer step count.
func (t *Trainer) TotalSteps() int { return t.totalSteps }

// Train runs the loop until the step budget is spent or ctx is
// cancelled. Cancellation checkpoints progress and returns
// ErrInterrupted.
func (t *Trainer) Train(ctx context.Context) error {
	if err := os.MkdirAll(t.Args.OutputDir, 0o755); err != nil {
		return err
	}
	t.log.Info("training started",
		"steps", t.totalSteps,
		"examples", t.Data.Train.Len(),
		"trainable_params", t.Adapters.NumTrainable(),
		"optim", t.Args.Optim,
		"lr", t.Args.LearningRate,
		"checkpointing", t.Args.GradientCheckpointing)

	var (
		windowLoss   float64
		windowTokens int
		windowStart  = time.Now()
	)

	for t.State.GlobalStep < t.totalSteps {
		if ctx.Err() != nil {
			return t.interrupt()
		}

		step := t.State.GlobalStep
		mu0 := t.microsAt(step)
		// an accumulation window never crosses an epoch boundary; the
		// trailing short window of an epoch still takes a full step
		end := mu0 + t.Args.GradientAccumulationSteps
		if boundary := (mu0/t.microsPerEpoch + 1) * t.microsPerEpoch; end > boundary {
			end = boundary
		}

		var stepLoss float64
		var stepTokens int
		for mu := mu0; mu < end; mu++ {
			if ctx.Err() != nil {
				return t.interrupt()
			}
			loss, tokens, err := t.microStep(mu)
			if err != nil {
				return err
			}
			stepLoss += loss
			stepTokens += tokens
		}

		norm := ClipGradNorm(t.params, t.Args.MaxGradNorm)
		lr := t.sched.LR(step)
		if !t.opt.Step(lr) {
			t.log.Warn("skipped update: non-finite gradients", "step", step)
		}
		t.Adapters.ZeroGrad()

		t.State.GlobalStep++
		t.State.Epoch = float64(t.microsAt(t.State.GlobalStep)) / float64(t.microsPerEpoch)
		windowLoss += stepLoss
		windowTokens += stepTokens

		if t.Args.LoggingSteps > 0 && t.State.GlobalStep%t.Args.LoggingSteps == 0 {
			elapsed := time.Since(windowStart).Seconds()
			entry := LogEntry{
				Step:     t.State.GlobalStep,
				Epoch:    t.State.Epoch,
				Loss:     safeDiv(windowLoss, float64(windowTokens)),
				LR:       lr,
				GradNorm: norm,
				HeapMiB:  memory.Snapshot().HeapMiB(),
			}
			if elapsed > 0 {
				entry.TokensPerSec = float64(windowTokens) / elapsed
			}
			t.record(entry)
			t.log.Info("step",
				"step", entry.Step,
				"epoch", fmt.Sprintf("%.2f", entry.Epoch),
				"loss", fmt.Sprintf("%.4f", entry.Loss),
				"lr", fmt.Sprintf("%.2e", entry.LR),
				"grad_norm", fmt.Sprintf("%.3f", entry.GradNorm),
				"tok_s", fmt.Sprintf("%.0f", entry.TokensPerSec),
				"heap_mib", fmt.Sprintf("%.0f", entry.HeapMiB))
			windowLoss, windowTokens = 0, 0
			windowStart = time.Now()
		}

		if t.Args.EvalSteps > 0 && t.Data.Eval.Len() > 0 &&
			t.State.GlobalStep%t.Args.EvalSteps == 0 {
			t.evalAndRecord()
		}

		if t.Args.SaveSteps > 0 && t.State.GlobalStep%t.Args.SaveSteps == 0 {
			dir := t.checkpointDir(t.State.GlobalStep)
			if err := t.SaveCheckpoint(dir); err != nil {
				return fmt.Errorf("checkpoint: %w", err)
			}
			t.log.Info("checkpoint saved", "dir", dir)
			t.pruneCheckpoints()
		}
	}

	if t.Data.Eval.Len() > 0 {
		t.evalAndRecord()
	}
	t.log.Info("training finished",
		"steps", t.State.GlobalStep,
		"epoch", fmt.Sprintf("%.2f", t.State.Epoch))
	return nil
}

// microStep runs forward+backward for one micro-batch. Returns the
// token-weighted loss sum and the scored token count.
func (t *Trainer) microStep(mu int) (float64, int, error) {
	idx := t.microBatch(mu)
	exs := make([]dataset.Example, len(idx))
	for i, j := range idx {
		exs[i] = t.Data.Train.Get(j)
	}
	batch := t.collator.Collate(exs)

	// score counts first: each row's gradient carries its share of the
	// micro-batch token mean
	counts := make([]int, len(batch.Inputs))
	total := 0
	for i := range batch.Inputs {
		counts[i] = scorable(batch.Labels[i][:batch.Lengths[i]])
		total += counts[i]
	}
	if total == 0 {
		return 0, 0, nil
	}

	accum := float32(t.Args.GradientAccumulationSteps)
	var lossSum float64
	var tokens int
	for i := range batch.Inputs {
		if counts[i] == 0 {
			continue
		}
		n := batch.Lengths[i]
		ids := batch.Inputs[i][:n]
		labels := batch.Labels[i][:n]

		tape := autograd.NewTape(t.workers)
		tape.SeedDropout(dropSeed(t.Args.Seed, mu, i))
		logits, err := t.Model.Forward(tape, ids)
		if err != nil {
			return 0, 0, err
		}
		scale := float32(counts[i]) / (float32(total) * accum)
		loss, count := t.Model.Loss(tape, logits, labels, scale)
		tape.Backward()

		lossSum += float64(loss) * float64(count)
		tokens += count
	}
	return lossSum, tokens, nil
}

// Evaluate runs the eval split without gradients and returns token-mean
// loss and greedy token accuracy.
func (t *Trainer) Evaluate() (float64, float64, error) {
	if t.Data.Eval.Len() == 0 {
		return 0, 0, fmt.Errorf("no eval split")
	}
	var lossSum float64
	var tokens, correct int
	for i := 0; i < t.Data.Eval.Len(); i++ {
		ex := t.Data.Eval.Get(i)
		n := ex.Length
		if n < 2 {
			continue
		}
		labels := ex.Labels[:n]
		if scorable(labels) == 0 {
			continue
		}
		et := autograd.EvalTape(t.workers)
		logits, err := t.Model.Forward(et, ex.Input[:n])
		if err != nil {
			return 0, 0, err
		}
		loss, count := t.Model.Loss(et, logits, labels, 1)
		lossSum += float64(loss) * float64(count)
		tokens += count

		hits, _ := autograd.TokenAccuracy(logits.W.RowsView(0, n-1), labels[1:])
		correct += hits
	}
	if tokens == 0 {
		return 0, 0, fmt.Errorf("eval split has no scorable tokens")
	}
	return lossSum / float64(tokens), float64(correct) / float64(tokens), nil
}

func (t *Trainer) evalAndRecord() {
	loss, acc, err := t.Evaluate()
	if err != nil {
		t.log.Warn("eval failed", "error", err)
		return
	}
	if t.State.BestEvalLoss == 0 || loss < t.State.BestEvalLoss {
		t.State.BestEvalLoss = loss
	}
	t.record(LogEntry{
		Step:         t.State.GlobalStep,
		Epoch:        t.State.Epoch,
		EvalLoss:     loss,
		EvalAccuracy: acc,
	})
	t.log.Info("eval",
		"step", t.State.GlobalStep,
		"eval_loss", fmt.Sprintf("%.4f", loss),
		"accuracy", fmt.Sprintf("%.4f", acc))
}

func (t *Trainer) record(e LogEntry) {
	t.State.LogHistory = append(t.State.LogHistory, e)
	if t.sink != nil {
		t.sink.AppendMetric(e)
	}
}

// microsAt maps an optimizer step to its first global micro-batch
// index. Windows inside an epoch are full; only the last one may be
// short, so the mapping stays closed-form and resume needs no replay.
func (t *Trainer) microsAt(step int) int {
	e := step / t.stepsPerEpoch
	r := step % t.stepsPerEpoch
	return e*t.microsPerEpoch + r*t.Args.GradientAccumulationSteps
}

// microBatch returns the train indices of global micro-batch mu,
// rebuilding the epoch permutation when mu enters a new epoch.
func (t *Trainer) microBatch(mu int) []int {
	e := mu / t.microsPerEpoch
	if t.perm == nil || e != t.permEpoch {
		rng := rand.New(rand.NewSource(t.Args.Seed + int64(e)))
		t.perm = rng.Perm(t.Data.Train.Len())
		t.permEpoch = e
	}
	pos := mu % t.microsPerEpoch
	lo := pos * t.Args.PerDeviceTrainBatchSize
	hi := lo + t.Args.PerDeviceTrainBatchSize
	if hi > len(t.perm) {
		hi = len(t.perm)
	}
	return t.perm[lo:hi]
}

// SaveCheckpoint writes adapter, optimizer state and trainer state
// into dir.
func (t *Trainer) SaveCheckpoint(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := t.Adapters.Save(dir, t.baseModel); err != nil {
		return err
	}
	b := safetensors.NewBuilder()
	if err := t.opt.Save(b); err != nil {
		return err
	}
	if err := b.WriteFile(filepath.Join(dir, OptimizerFile)); err != nil {
		return err
	}
	return t.State.Save(filepath.Join(dir, StateFile))
}

// SaveFinal writes the adapter and state into the output dir root.
func (t *Trainer) SaveFinal() error {
	if err := t.Adapters.Save(t.Args.OutputDir, t.baseModel); err != nil {
		return err
	}
	return t.State.Save(filepath.Join(t.Args.OutputDir, StateFile))
}

// Resume restores state, adapter weights and optimizer moments from a
// checkpoint directory. The data order is derived from the restored
// step, so no replay is needed.
func (t *Trainer) Resume(dir string) error {
	st, err := LoadState(filepath.Join(dir, StateFile))
	if err != nil {
		return err
	}
	st.Interrupted = false
	st.TotalSteps = t.totalSteps
	t.State = st

	af, err := safetensors.Open(filepath.Join(dir, lora.WeightsFile))
	if err != nil {
		return err
	}
	for _, p := range t.params {
		data, info, err := af.ReadTensorF32(p.Name)
		if err != nil {
			return err
		}
		if len(info.Shape) != 2 || info.Shape[0] != p.Var.W.R || info.Shape[1] != p.Var.W.C {
			return fmt.Errorf("tensor %s: shape %v, want [%d %d]",
				p.Name, info.Shape, p.Var.W.R, p.Var.W.C)
		}
		copy(p.Var.W.Data, data)
	}

	of, err := safetensors.Open(filepath.Join(dir, OptimizerFile))
	if err != nil {
		return err
	}
	if err := t.opt.Load(of, st.GlobalStep); err != nil {
		return err
	}
	t.log.Info("resumed", "dir", dir, "step", st.GlobalStep)
	return nil
}

func (t *Trainer) interrupt() error {
	t.State.Interrupted = true
	dir := t.checkpointDir(t.State.GlobalStep)
	if err := t.SaveCheckpoint(dir); err != nil {
		t.log.Error("interrupt checkpoint failed", "error", err)
	} else {
		t.log.Warn("training interrupted", "step", t.State.GlobalStep, "checkpoint", dir)
	}
	return ErrInterrupted
}

func (t *Trainer) checkpointDir(step int) string {
	return filepath.Join(t.Args.OutputDir, fmt.Sprintf("checkpoint-%d", step))
}

// pruneCheckpoints removes the oldest checkpoint dirs beyond
// SaveTotalLimit.
func (t *Trainer) pruneCheckpoints() {
	limit := t.Args.SaveTotalLimit
	if limit <= 0 {
		return
	}
	entries, err := os.ReadDir(t.Args.OutputDir)
	if err != nil {
		t.log.Warn("checkpoint prune failed", "error", err)
		return
	}
	type cp struct {
		step int
		name string
	}
	var cps []cp
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rest, ok := strings.CutPrefix(e.Name(), "checkpoint-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		cps = append(cps, cp{step: n, name: e.Name()})
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].step < cps[j].step })
	for len(cps) > limit {
		victim := cps[0]
		cps = cps[1:]
		if err := os.RemoveAll(filepath.Join(t.Args.OutputDir, victim.name)); err != nil {
			t.log.Warn("checkpoint prune failed", "dir", victim.name, "error", err)
			continue
		}
		t.log.Debug("pruned checkpoint", "dir", victim.name)
	}
}

// scorable counts label positions the shifted loss will score.
func scorable(labels []int) int {
	if len(labels) < 2 {
		return 0
	}
	n := 0
	for _, l := range labels[1:] {
		if l >= 0 {
			n++
		}
	}
	return n
}

// dropSeed derives a per-micro-batch dropout stream from the root seed,
// stable across resume.
func dropSeed(seed int64, micro, row int) int64 {
	h := uint64(seed)
	h ^= (uint64(micro) + 1) * 0x9e3779b97f4a7c15
	h ^= (uint64(row) + 1) * 0xbf58476d1ce4e5b9
	return int64(h)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
