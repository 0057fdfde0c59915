package finetune

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/loam/internal/config"
	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/runstore"
	"github.com/samcharles93/loam/internal/safetensors"
	"github.com/samcharles93/loam/internal/train"
)

const tokJSON = `{
	"model": {
		"type": "BPE",
		"vocab": {
			"l": 0, "o": 1, "w": 2, "e": 3, "r": 4,
			"lo": 5, "low": 6, "er": 7, "Ġ": 8
		},
		"merges": ["l o", "lo w", "e r"]
	},
	"added_tokens": [
		{"id": 9, "content": "<s>", "special": true},
		{"id": 10, "content": "</s>", "special": true}
	]
}`

const tokConfig = `{
	"add_bos_token": true,
	"add_eos_token": true,
	"bos_token": "<s>",
	"eos_token": "</s>"
}`

// writeModelDir lays down a complete local model directory: the tiny
// 2-layer llama checkpoint the training tests use plus its tokenizer,
// so the directory resolves as a local ref.
func writeModelDir(t *testing.T, dir string) {
	t.Helper()

	cfg := `{
		"model_type": "llama",
		"architectures": ["LlamaForCausalLM"],
		"hidden_size": 8,
		"intermediate_size": 16,
		"num_hidden_layers": 2,
		"num_attention_heads": 2,
		"num_key_value_heads": 1,
		"vocab_size": 16,
		"max_position_embeddings": 8,
		"rms_norm_eps": 1e-5,
		"rope_theta": 10000.0
	}`
	for name, body := range map[string]string{
		"config.json":           cfg,
		"tokenizer.json":        tokJSON,
		"tokenizer_config.json": tokConfig,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rng := rand.New(rand.NewSource(11))
	randTensor := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * 0.1)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	b := safetensors.NewBuilder()
	add := func(name string, shape []int, data []float32) {
		t.Helper()
		if err := b.AddF32(name, shape, data); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("model.embed_tokens.weight", []int{16, 8}, randTensor(16*8))
	add("model.norm.weight", []int{8}, ones(8))
	add("lm_head.weight", []int{16, 8}, randTensor(16*8))
	for layer := 0; layer < 2; layer++ {
		p := fmt.Sprintf("model.layers.%d.", layer)
		add(p+"input_layernorm.weight", []int{8}, ones(8))
		add(p+"post_attention_layernorm.weight", []int{8}, ones(8))
		add(p+"self_attn.q_proj.weight", []int{8, 8}, randTensor(64))
		add(p+"self_attn.k_proj.weight", []int{4, 8}, randTensor(32))
		add(p+"self_attn.v_proj.weight", []int{4, 8}, randTensor(32))
		add(p+"self_attn.o_proj.weight", []int{8, 8}, randTensor(64))
		add(p+"mlp.gate_proj.weight", []int{16, 8}, randTensor(128))
		add(p+"mlp.up_proj.weight", []int{16, 8}, randTensor(128))
		add(p+"mlp.down_proj.weight", []int{8, 16}, randTensor(128))
	}
	if err := b.WriteFile(filepath.Join(dir, safetensors.SingleFile)); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
}

func writeDataset(t *testing.T, path string) {
	t.Helper()
	var b strings.Builder
	for _, text := range []string{"low", "lower low", "low low lower", "er lower"} {
		fmt.Fprintf(&b, "{\"text\": %q}\n", text)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

// testOptions builds a two-step run over the tiny fixture model with
// the registry in a temp file.
func testOptions(t *testing.T) Options {
	t.Helper()

	modelDir := t.TempDir()
	writeModelDir(t, modelDir)
	dataPath := filepath.Join(t.TempDir(), "train.jsonl")
	writeDataset(t, dataPath)

	cfg := config.Default()
	cfg.Model.NameOrPath = modelDir
	cfg.Dataset.Path = dataPath
	cfg.Dataset.TrainSplit = 0.75
	cfg.Tokenizer.MaxLength = 8
	cfg.Training.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Training.MaxSteps = 2
	cfg.Training.GradientAccumulationSteps = 1
	cfg.Training.LoggingSteps = 1
	cfg.Training.EvalSteps = 2
	cfg.Training.SaveSteps = 0
	cfg.Training.WarmupSteps = 1
	cfg.Training.GradientCheckpointing = false
	cfg.Training.Seed = 7

	return Options{
		Config:    cfg,
		StorePath: filepath.Join(t.TempDir(), "runs.db"),
	}
}

func mustExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("missing artifact %s: %v", path, err)
	}
}

func TestRunTrainsAndWritesArtifacts(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	opts.Merge = true
	opts.Preview = "low"
	opts.PreviewTokens = 2
	var curve bytes.Buffer
	opts.CurveOut = &curve

	res, err := Run(context.Background(), opts, logger.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TrainErr != nil {
		t.Fatalf("TrainErr = %v", res.TrainErr)
	}
	if res.RunID == "" {
		t.Error("RunID not set")
	}
	if res.State.GlobalStep != 2 {
		t.Errorf("GlobalStep = %d, want 2", res.State.GlobalStep)
	}

	out := res.OutputDir
	mustExist(t, filepath.Join(out, lora.ConfigFile))
	mustExist(t, filepath.Join(out, lora.WeightsFile))
	mustExist(t, filepath.Join(out, train.StateFile))
	mustExist(t, filepath.Join(out, LossSVG))
	if curve.Len() == 0 {
		t.Error("no ASCII curve written")
	}

	merged := filepath.Join(out, "merged")
	mustExist(t, filepath.Join(merged, "tokenizer.json"))
	if _, err := model.Load(merged, model.LoadOptions{}); err != nil {
		t.Errorf("merged checkpoint does not load: %v", err)
	}

	store, err := runstore.Open(opts.StorePath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	run, err := store.Get(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != runstore.StatusSucceeded {
		t.Errorf("status = %s, want %s", run.Status, runstore.StatusSucceeded)
	}
	if run.FinalLoss <= 0 {
		t.Errorf("final loss = %g, want > 0", run.FinalLoss)
	}
	entries, err := store.Metrics(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("got %d metric entries, want >= 2", len(entries))
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	opts.Config.Model.NameOrPath = ""
	if _, err := Run(context.Background(), opts, logger.Nop()); err == nil {
		t.Fatal("expected a validation error")
	} else if !strings.Contains(err.Error(), "name_or_path") {
		t.Errorf("error %q does not name the field", err)
	}
}

func TestRunSavesPartialOnTrainingFailure(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	opts.Config.Training.SaveSteps = 1
	out := opts.Config.Training.OutputDir
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	// A file squatting on the first checkpoint path makes the loop's
	// save fail after setup succeeded.
	if err := os.WriteFile(filepath.Join(out, "checkpoint-1"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Run(context.Background(), opts, logger.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TrainErr == nil {
		t.Fatal("TrainErr not set")
	}
	if errors.Is(res.TrainErr, train.ErrInterrupted) {
		t.Fatalf("TrainErr = %v, want a real failure", res.TrainErr)
	}
	if !strings.Contains(res.TrainErr.Error(), "checkpoint") {
		t.Errorf("TrainErr = %v, want a checkpoint error", res.TrainErr)
	}

	mustExist(t, filepath.Join(out, "partial", lora.WeightsFile))
	mustExist(t, filepath.Join(out, "partial", train.StateFile))

	store, err := runstore.Open(opts.StorePath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	run, err := store.Get(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != runstore.StatusFailed {
		t.Errorf("status = %s, want %s", run.Status, runstore.StatusFailed)
	}
	if run.Error == "" {
		t.Error("run error message not recorded")
	}
}

// cancelOnTrainLogger cancels the run context the moment the trainer
// announces the loop start, so the interrupted path is hit without any
// timing dependence.
type cancelOnTrainLogger struct {
	logger.Logger
	cancel context.CancelFunc
}

func (l *cancelOnTrainLogger) Info(msg string, args ...any) {
	if msg == "training started" {
		l.cancel()
	}
	l.Logger.Info(msg, args...)
}

func TestRunMarksInterrupted(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &cancelOnTrainLogger{Logger: logger.Nop(), cancel: cancel}

	res, err := Run(ctx, opts, log)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.TrainErr, train.ErrInterrupted) {
		t.Fatalf("TrainErr = %v, want ErrInterrupted", res.TrainErr)
	}
	if !res.State.Interrupted {
		t.Error("state not marked interrupted")
	}

	out := opts.Config.Training.OutputDir
	mustExist(t, filepath.Join(out, "checkpoint-0", lora.WeightsFile))
	if _, err := os.Stat(filepath.Join(out, "partial")); !os.IsNotExist(err) {
		t.Error("interrupted run must not write a partial dir")
	}

	store, err := runstore.Open(opts.StorePath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	run, err := store.Get(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != runstore.StatusInterrupted {
		t.Errorf("status = %s, want %s", run.Status, runstore.StatusInterrupted)
	}
	if run.Error != "" {
		t.Errorf("interrupted run carries error %q", run.Error)
	}
}
