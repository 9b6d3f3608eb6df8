package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/pipeline"
	"github.com/ticketd/ticketd/internal/store"
	"github.com/ticketd/ticketd/internal/worker"
)

// validationErrorPatterns are case-insensitive substrings of a worker spawn
// error that indicate bad input (project configuration, identifiers), as
// opposed to a process or outcome failure. A match routes the ticket to
// on_hold instead of back to open.
var validationErrorPatterns = []string{
	"invalid project path",
	"does not exist",
	"invalid ticket id",
	"invalid worker id",
	"invalid system prompt",
}

func isValidationFailure(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range validationErrorPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Task is a single unit of scheduling work: "go try to make progress on
// this ticket, which is sitting open at this stage."
type Task struct {
	TicketID  string
	ProjectID string
	Stage     string
}

// WorkerConfigFunc resolves the spawn configuration for a (project, stage)
// pair at dispatch time, so a worker type added after the consumer started
// is picked up on the next task rather than requiring a restart.
type WorkerConfigFunc func(ctx context.Context, projectID, stage string) (store.WorkerType, error)

// PipelineFunc resolves the pipeline for a project at dispatch time.
type PipelineFunc func(projectID string) (*pipeline.Pipeline, error)

// Consumer is the Per-Queue Consumer (C5): a single goroutine serving one
// (project, stage) queue, so at most one worker subprocess for that queue
// runs at a time (I3: stage concurrency is bounded by the number of
// queues, not by ticket count).
type Consumer struct {
	key         Key
	inbox       chan Task
	store       *store.Store
	supervisor  *worker.Supervisor
	workerCfg   WorkerConfigFunc
	pipelineFor PipelineFunc
	completions chan<- Event
	emitter     *events.Emitter
	logger      *slog.Logger

	done chan struct{}
}

// Key identifies a (project, stage) queue.
type Key struct {
	ProjectID string
	Stage     string
}

func newConsumer(key Key, bufferSize int, st *store.Store, sup *worker.Supervisor, workerCfg WorkerConfigFunc, pipelineFor PipelineFunc, completions chan<- Event, emitter *events.Emitter, logger *slog.Logger) *Consumer {
	return &Consumer{
		key:         key,
		inbox:       make(chan Task, bufferSize),
		store:       st,
		supervisor:  sup,
		workerCfg:   workerCfg,
		pipelineFor: pipelineFor,
		completions: completions,
		emitter:     emitter,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Submit enqueues a task without blocking the caller beyond the queue's
// buffer. It reports false if the queue is full.
func (c *Consumer) Submit(task Task) bool {
	select {
	case c.inbox <- task:
		return true
	default:
		return false
	}
}

// Run processes tasks one at a time until ctx is cancelled or the inbox is
// closed. It is meant to be started in its own goroutine by the Queue
// Manager.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-c.inbox:
			if !ok {
				return
			}
			c.process(ctx, task)
		}
	}
}

// Stopped reports whether Run has returned, so the Queue Manager can detect
// a dead consumer and recreate it (self-healing registry).
func (c *Consumer) Stopped() <-chan struct{} {
	return c.done
}

func (c *Consumer) process(ctx context.Context, task Task) {
	workerID := task.ProjectID + ":" + task.Stage + ":" + task.TicketID

	claimOutcome, err := c.store.AcquireClaim(ctx, task.TicketID, workerID)
	if err != nil {
		c.logger.Error("claim_acquire_error", slog.String("ticket_id", task.TicketID), slog.Any("error", err))
		return
	}
	if claimOutcome != store.ClaimAcquired {
		// Lost the race, or the ticket moved on since it was queued
		// (already claimed, already closed). Nothing to do: whoever holds
		// it now is responsible for the next transition.
		c.logger.Debug("claim_not_acquired", slog.String("ticket_id", task.TicketID), slog.Any("outcome", claimOutcome))
		return
	}

	// release-on-drop guard: any return path below that doesn't explicitly
	// hand the claim off to a Command release must release it here so a
	// ticket is never stuck claimed because of a bug in this function.
	released := false
	releaseClaim := func() {
		if released {
			return
		}
		released = true
		if _, err := c.store.ReleaseClaim(context.Background(), task.TicketID, workerID); err != nil {
			c.logger.Error("claim_release_error", slog.String("ticket_id", task.TicketID), slog.Any("error", err))
		}
	}
	defer releaseClaim()

	wt, err := c.workerCfg(ctx, task.ProjectID, task.Stage)
	if err != nil {
		c.logger.Error("worker_type_lookup_failed", slog.String("project_id", task.ProjectID), slog.String("stage", task.Stage), slog.Any("error", err))
		return
	}

	var args []string
	if wt.ArgsJSON != "" {
		if err := json.Unmarshal([]byte(wt.ArgsJSON), &args); err != nil {
			c.logger.Error("worker_type_args_malformed", slog.String("project_id", task.ProjectID), slog.String("stage", task.Stage), slog.Any("error", err))
			return
		}
	}

	proj, err := c.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		c.logger.Error("project_lookup_failed", slog.String("project_id", task.ProjectID), slog.Any("error", err))
		return
	}
	if _, statErr := os.Stat(proj.Path); statErr != nil {
		spawnErr := &worker.ErrSpawnFailed{Cause: fmt.Errorf("invalid project path: %s does not exist", proj.Path)}
		if c.handleSpawnError(ctx, task, workerID, spawnErr) {
			released = true
		} else {
			releaseClaim()
		}
		return
	}

	c.emitter.WorkerStarted(ctx, task.TicketID, task.ProjectID, task.Stage, workerID)

	timeout := time.Duration(wt.TimeoutSeconds) * time.Second
	res, spawnErr := c.supervisor.Spawn(ctx, worker.SpawnRequest{
		TicketID:  task.TicketID,
		ProjectID: task.ProjectID,
		Stage:     task.Stage,
		WorkerID:  workerID,
		Command:   wt.Command,
		Args:      args,
		Dir:       proj.Path,
		Stdin:     wt.SystemPrompt,
		Timeout:   timeout,
	})

	if spawnErr != nil {
		if c.handleSpawnError(ctx, task, workerID, spawnErr) {
			released = true
		} else {
			releaseClaim()
		}
		return
	}

	c.emitter.WorkerCompleted(ctx, task.TicketID, task.ProjectID, task.Stage, workerID)

	pl, err := c.pipelineFor(task.ProjectID)
	if err != nil {
		c.logger.Error("pipeline_lookup_failed", slog.String("project_id", task.ProjectID), slog.Any("error", err))
		return
	}

	cmd, err := translate(res.Outcome, task.TicketID, task.ProjectID, task.Stage, workerID, pl)
	if err != nil {
		c.logger.Error("outcome_translate_failed", slog.String("ticket_id", task.TicketID), slog.Any("error", err))
		return
	}

	// The claim is released as part of applying the command in the
	// Completion Processor, not here: until the command lands, the ticket
	// must stay claimed so no other consumer can race it.
	released = true
	c.completions <- Event{Command: cmd}
}

// handleSpawnError classifies a worker failure by matching its message
// against the same validation-error patterns the original consumer uses,
// regardless of which concrete error type produced it. It reports whether
// the claim was handed off to the completions channel (true, validation
// failure) or needs releasing by the caller (false, a retryable failure).
func (c *Consumer) handleSpawnError(ctx context.Context, task Task, workerID string, spawnErr error) bool {
	reason := spawnErr.Error()

	if isValidationFailure(reason) {
		// Bad project configuration or identifiers: no amount of retrying
		// fixes this on its own, so the ticket needs an operator. Hand the
		// claim off through the completions channel rather than releasing
		// it here, since HoldFromClaim still needs to see it held.
		holdReason := fmt.Sprintf("worker spawn validation failed: %s. verify project configuration and call resume_ticket_processing to retry.", reason)
		c.logger.Error("worker_spawn_validation_failed", slog.String("ticket_id", task.TicketID), slog.String("reason", holdReason))
		c.completions <- Event{Command: Command{
			Kind:      KindHoldOnFailure,
			TicketID:  task.TicketID,
			ProjectID: task.ProjectID,
			Stage:     task.Stage,
			WorkerID:  workerID,
			Reason:    holdReason,
		}}
		return true
	}

	// A process or outcome failure (non-zero exit, timeout, unparseable
	// outcome) is retryable: release the claim and leave the ticket open
	// at its current stage rather than holding it.
	c.logger.Warn("worker_runtime_failure", slog.String("ticket_id", task.TicketID), slog.String("reason", reason))
	c.emitter.WorkerFailed(ctx, task.TicketID, task.ProjectID, task.Stage, workerID, reason)
	return false
}
