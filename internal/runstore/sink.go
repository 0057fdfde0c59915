package runstore

import (
	"context"

	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/train"
)

// Sink adapts the store to the trainer's metric hook for one run.
// Storage failures are logged, never surfaced into the training loop.
type Sink struct {
	ctx   context.Context
	store *Store
	runID string
	log   logger.Logger
}

// NewSink binds a run ID to the store.
func NewSink(ctx context.Context, store *Store, runID string, log logger.Logger) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	return &Sink{ctx: ctx, store: store, runID: runID, log: log}
}

func (s *Sink) AppendMetric(e train.LogEntry) {
	if err := s.store.AppendMetric(s.ctx, s.runID, e); err != nil {
		s.log.Warn("metric write failed", "run", s.runID, "step", e.Step, "error", err)
	}
}

var _ train.MetricSink = (*Sink)(nil)
