// Package completion is the Completion Processor (C7): the single
// consumer of the completion-event channel every queue consumer writes to.
// Because exactly one goroutine applies commands, ticket state transitions
// are strictly ordered per ticket and across tickets (I5: completion
// application never races itself), even though many worker subprocesses run
// concurrently upstream.
package completion

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/queue"
	"github.com/ticketd/ticketd/internal/store"
)

// Submitter is the subset of *queue.Manager the processor needs: enough to
// push a ticket back into scheduling after a transition. A narrow
// interface instead of the concrete type keeps this package testable
// without spinning up real consumers.
type Submitter interface {
	Submit(task queue.Task) bool
}

// Processor applies translated commands from the completion channel to the
// store, one at a time, and emits the corresponding events.
type Processor struct {
	store     *store.Store
	emitter   *events.Emitter
	submitter Submitter
	logger    *slog.Logger
}

// New builds a Processor.
func New(st *store.Store, emitter *events.Emitter, submitter Submitter, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, emitter: emitter, submitter: submitter, logger: logger}
}

// Run drains events until ctx is cancelled or the channel is closed. It
// must be the only goroutine reading completions; running two would
// reintroduce the ordering races C7 exists to remove.
func (p *Processor) Run(ctx context.Context, completions <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-completions:
			if !ok {
				return
			}
			p.apply(ctx, ev)
		}
	}
}

func (p *Processor) apply(ctx context.Context, ev queue.Event) {
	if ev.Err != nil {
		p.logger.Error("completion_event_error", slog.Any("error", ev.Err))
		return
	}
	cmd := ev.Command

	switch cmd.Kind {
	case queue.KindAdvance, queue.KindReturn:
		p.applyStageMove(ctx, cmd)

	case queue.KindComplete:
		p.applyComplete(ctx, cmd)

	case queue.KindCompletePlanning:
		p.applyCompletePlanning(ctx, cmd)

	case queue.KindRequestAttention:
		p.applyHold(ctx, cmd, cmd.Reason)

	case queue.KindHoldOnFailure:
		p.applyHold(ctx, cmd, cmd.Reason)
		p.emitter.WorkerFailed(ctx, cmd.TicketID, cmd.ProjectID, cmd.Stage, cmd.WorkerID, cmd.Reason)

	default:
		p.logger.Error("completion_unknown_command_kind", slog.String("kind", string(cmd.Kind)), slog.String("ticket_id", cmd.TicketID))
	}
}

func (p *Processor) applyStageMove(ctx context.Context, cmd queue.Command) {
	ok, err := p.store.AdvanceStage(ctx, cmd.TicketID, cmd.WorkerID, cmd.ToStage)
	if err != nil {
		p.logger.Error("advance_stage_failed", slog.String("ticket_id", cmd.TicketID), slog.Any("error", err))
		return
	}
	if !ok {
		// The claim this command was based on is no longer held by the
		// worker that produced it (a concurrent hold or sweep beat us to
		// it). Idempotent discard, per the completion-processing invariant:
		// a stale command is dropped rather than forced through.
		p.logger.Warn("advance_stage_stale_claim_discarded", slog.String("ticket_id", cmd.TicketID), slog.String("worker_id", cmd.WorkerID))
		return
	}

	p.emitter.StageCompleted(ctx, cmd.TicketID, cmd.ProjectID, cmd.Stage, cmd.WorkerID)
	p.emitter.TicketStageChanged(ctx, cmd.TicketID, cmd.ProjectID, cmd.Stage, cmd.ToStage, cmd.Comment)
	p.resubmit(cmd.TicketID, cmd.ProjectID, cmd.ToStage)
}

func (p *Processor) applyComplete(ctx context.Context, cmd queue.Command) {
	ok, err := p.store.CloseTicket(ctx, cmd.TicketID, cmd.WorkerID, cmd.Resolution)
	if err != nil {
		p.logger.Error("close_ticket_failed", slog.String("ticket_id", cmd.TicketID), slog.Any("error", err))
		return
	}
	if !ok {
		p.logger.Warn("close_ticket_stale_claim_discarded", slog.String("ticket_id", cmd.TicketID), slog.String("worker_id", cmd.WorkerID))
		return
	}
	p.emitter.TicketClosed(ctx, cmd.TicketID, cmd.ProjectID, cmd.Resolution)
}

func (p *Processor) applyCompletePlanning(ctx context.Context, cmd queue.Command) {
	for _, wtSpec := range cmd.WorkerTypesNeeded {
		wt := store.WorkerType{
			ProjectID:      cmd.ProjectID,
			Stage:          wtSpec.Stage,
			SystemPrompt:   wtSpec.SystemPrompt,
			PermissionMode: wtSpec.PermissionMode,
			TimeoutSeconds: wtSpec.TimeoutSeconds,
		}
		if err := p.store.UpsertWorkerType(ctx, wt); err != nil {
			p.logger.Error("provision_worker_type_failed", slog.String("project_id", cmd.ProjectID), slog.String("stage", wtSpec.Stage), slog.Any("error", err))
		}
	}

	for _, ts := range cmd.TicketsToCreate {
		newID := uuid.NewString()
		if err := p.store.CreateTicket(ctx, newID, cmd.ProjectID, ts.Stage); err != nil {
			p.logger.Error("create_planned_ticket_failed", slog.String("project_id", cmd.ProjectID), slog.Any("error", err))
			continue
		}
		if ts.Description != "" {
			_ = p.store.AddComment(ctx, newID, ts.Description)
		}
		p.emitter.TicketCreated(ctx, newID, cmd.ProjectID, ts.Stage)
		p.resubmit(newID, cmd.ProjectID, ts.Stage)
	}

	// The planning ticket itself is done once its follow-on tickets and
	// worker types exist: it never advances to the next pipeline stage, it
	// closes, regardless of how many stages remain.
	p.applyComplete(ctx, queue.Command{TicketID: cmd.TicketID, ProjectID: cmd.ProjectID, WorkerID: cmd.WorkerID, Resolution: "planning_complete"})
}

func (p *Processor) applyHold(ctx context.Context, cmd queue.Command, reason string) {
	ok, err := p.store.HoldFromClaim(ctx, cmd.TicketID, cmd.WorkerID, reason)
	if err != nil {
		p.logger.Error("hold_ticket_failed", slog.String("ticket_id", cmd.TicketID), slog.Any("error", err))
		return
	}
	if !ok {
		p.logger.Warn("hold_ticket_stale_claim_discarded", slog.String("ticket_id", cmd.TicketID), slog.String("worker_id", cmd.WorkerID))
		return
	}
	p.emitter.TicketHeld(ctx, cmd.TicketID, cmd.ProjectID, reason)
}

// resubmit pushes a ticket back into scheduling for its new stage. A full
// inbound queue here just means the ticket waits to be picked up by the
// next sweep or explicit poll rather than being lost: the ticket itself
// stays open in the store regardless of whether the enqueue succeeds.
func (p *Processor) resubmit(ticketID, projectID, stage string) {
	if !p.submitter.Submit(queue.Task{TicketID: ticketID, ProjectID: projectID, Stage: stage}) {
		p.logger.Warn("resubmit_queue_full", slog.String("ticket_id", ticketID), slog.String("project_id", projectID), slog.String("stage", stage))
	}
}
