package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessJobTask is scheduled when an approved batch is committed to
	// production.
	ProcessJobTask = "job:process"
)

// ProcessPayload is serialized into the task so the worker knows which job to
// run. Everything else is loaded from the job row.
type ProcessPayload struct {
	JobID string `json:"job_id"`
}

// EnqueueProcess schedules a production job. Retries are disabled: the
// orchestrator's Run is a no-op on terminal jobs, and a job that failed
// fatally must not be silently restarted.
func EnqueueProcess(ctx context.Context, client *asynq.Client, jobID string) error {
	data, err := json.Marshal(ProcessPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessJobTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
