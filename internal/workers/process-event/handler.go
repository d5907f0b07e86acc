// Package processevent feeds workflow events from Zeebe into the
// orchestrator's event routes.
package processevent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"notification-pipeline/internal/common/camunda"
	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/orchestrator"
)

const TaskType = "notification-event"

type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev orchestrator.Event) ([]*models.Notification, error)
}

// Retrier runs a Zeebe command with retries on transient gateway errors.
type Retrier interface {
	ExecuteWithRetry(ctx context.Context, operation string, command func(context.Context) error) error
}

type directRetrier struct{}

func (directRetrier) ExecuteWithRetry(ctx context.Context, _ string, command func(context.Context) error) error {
	return command(ctx)
}

type Handler struct {
	config    *Config
	processor EventProcessor
	retrier   Retrier
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

var _ camunda.JobHandler = (*Handler)(nil)

// NewHandler builds the handler. A nil retrier sends commands once.
func NewHandler(config *Config, processor EventProcessor, retrier Retrier, log logger.Logger) *Handler {
	if retrier == nil {
		retrier = directRetrier{}
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    config,
		processor: processor,
		retrier:   retrier,
		errors:    apperrors.NewErrorHandler(log),
		logger:    log,
	}
}

// Handle completes the job with the created notification ids. Failures are
// reported to Zeebe through the error handler: retryable ones fail the job,
// the rest throw a BPMN error carrying the error code.
func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.errors.HandleJobError(ctx, client, job, apperrors.NewValidationError(fmt.Sprintf("parse input: %v", err)))
		return nil
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		h.errors.HandleJobError(ctx, client, job, err)
		return nil
	}

	cmd, err := client.NewCompleteJobCommand().JobKey(job.Key).VariablesFromObject(output)
	if err != nil {
		return fmt.Errorf("build complete command: %w", err)
	}
	return h.retrier.ExecuteWithRetry(ctx, "complete job", func(ctx context.Context) error {
		_, err := cmd.Send(ctx)
		return err
	})
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input.EventType == "" {
		return nil, apperrors.NewValidationError("eventType is required")
	}

	created, err := h.processor.ProcessEvent(ctx, orchestrator.Event{
		Type:   input.EventType,
		UserID: input.UserID,
		Data:   input.Data,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(created))
	for _, n := range created {
		ids = append(ids, n.ID)
	}
	h.logger.Info("event processed", map[string]interface{}{
		"eventType": input.EventType,
		"count":     len(ids),
	})
	return &Output{NotificationIDs: ids, Count: len(ids)}, nil
}
