// Package worker plugs the job orchestrator into the asynq worker loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/job"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/queue"
)

// Processor handles production job tasks.
type Processor struct {
	orchestrator *job.Orchestrator
	logger       *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(orchestrator *job.Orchestrator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{orchestrator: orchestrator, logger: logger}
}

// Handler registers the job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessJobTask, p.handleProcess)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	p.logger.Info("picked up job", "job", payload.JobID)
	if err := p.orchestrator.Run(ctx, payload.JobID); err != nil {
		// The failure is already persisted on the job row; returning nil
		// keeps asynq from retrying a fatally failed job.
		p.logger.Error("job run failed", "job", payload.JobID, "error", err)
	}
	return nil
}
