package train

import (
	"os"

	json "github.com/goccy/go-json"
)

// StateFile is the trainer-state artifact name inside output and
// checkpoint directories.
const StateFile = "trainer_state.json"

// LogEntry is one row of the training log. Zero fields are omitted so
// train and eval entries stay compact.
type LogEntry struct {
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss,omitempty"`
	EvalLoss     float64 `json:"eval_loss,omitempty"`
	EvalAccuracy float64 `json:"eval_accuracy,omitempty"`
	LR           float64 `json:"learning_rate,omitempty"`
	GradNorm     float64 `json:"grad_norm,omitempty"`
	TokensPerSec float64 `json:"tokens_per_sec,omitempty"`
	HeapMiB      float64 `json:"heap_mib,omitempty"`
}

// TrainerState is the loop's persisted progress.
type TrainerState struct {
	GlobalStep   int        `json:"global_step"`
	Epoch        float64    `json:"epoch"`
	TotalSteps   int        `json:"total_steps"`
	BestEvalLoss float64    `json:"best_eval_loss,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
	LogHistory   []LogEntry `json:"log_history"`
}

// Save writes the state as pretty JSON at path.
func (s *TrainerState) Save(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// LoadState reads a state file written by Save.
func LoadState(path string) (*TrainerState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s TrainerState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MetricSink receives every appended log entry; the run registry
// implements it without train importing the registry.
type MetricSink interface {
	AppendMetric(entry LogEntry)
}
