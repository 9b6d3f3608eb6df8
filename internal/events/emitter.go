// Package events is the Event Emitter (C8): the sole path by which any
// other component notifies the rest of the system that something happened.
// Every call writes a durable row via the store first, then broadcasts on
// the bus — never the reverse — so a client replaying the durable log never
// sees a gap relative to what was already broadcast live.
package events

import (
	"context"
	"log/slog"

	"github.com/ticketd/ticketd/internal/bus"
	"github.com/ticketd/ticketd/internal/store"
)

// Emitter is the only component allowed to write to the event log and
// publish on the bus; every other component calls through it instead of
// touching store.InsertEvent or bus.Publish directly.
type Emitter struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// New builds an Emitter over st and b.
func New(st *store.Store, b *bus.Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: st, bus: b, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, row store.EventRow, topic string, payload interface{}) {
	if _, err := e.store.InsertEvent(ctx, row); err != nil {
		e.logger.Error("event_log_write_failed",
			slog.String("type", row.Type),
			slog.String("ticket_id", row.TicketID),
			slog.Any("error", err),
		)
		return
	}
	e.bus.Publish(topic, payload)
}

// TicketCreated reports a new ticket entering its project's pipeline.
func (e *Emitter) TicketCreated(ctx context.Context, ticketID, projectID, stage string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicTicketCreated, TicketID: ticketID, Stage: stage},
		bus.TopicTicketCreated,
		bus.TicketStageChangedPayload{TicketID: ticketID, ProjectID: projectID, NewStage: stage})
}

// TicketStageChanged reports a ticket moving between pipeline stages, via
// advance, return, or an operator-triggered resume.
func (e *Emitter) TicketStageChanged(ctx context.Context, ticketID, projectID, oldStage, newStage, reason string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicTicketStageChanged, TicketID: ticketID, Stage: newStage, Message: reason},
		bus.TopicTicketStageChanged,
		bus.TicketStageChangedPayload{TicketID: ticketID, ProjectID: projectID, OldStage: oldStage, NewStage: newStage, Reason: reason})
}

// TicketClosed reports a ticket's terminal resolution.
func (e *Emitter) TicketClosed(ctx context.Context, ticketID, projectID, resolution string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicTicketClosed, TicketID: ticketID, Message: resolution},
		bus.TopicTicketClosed,
		bus.TicketStageChangedPayload{TicketID: ticketID, ProjectID: projectID, Reason: resolution})
}

// TicketHeld reports a ticket entering on_hold, whether via a worker's
// request_coordinator_attention outcome or an operator's place_ticket_on_hold call.
func (e *Emitter) TicketHeld(ctx context.Context, ticketID, projectID, reason string) {
	e.emit(ctx, store.EventRow{Type: "ticket.on_hold", TicketID: ticketID, Message: reason},
		"ticket.on_hold",
		bus.TicketStageChangedPayload{TicketID: ticketID, ProjectID: projectID, Reason: reason})
}

// WorkerStarted reports a worker subprocess being spawned for a claim.
func (e *Emitter) WorkerStarted(ctx context.Context, ticketID, projectID, stage, workerID string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicWorkerStarted, TicketID: ticketID, WorkerID: workerID, Stage: stage},
		bus.TopicWorkerStarted,
		bus.WorkerEventPayload{TicketID: ticketID, ProjectID: projectID, Stage: stage, WorkerID: workerID})
}

// WorkerCompleted reports a worker producing a valid outcome document.
func (e *Emitter) WorkerCompleted(ctx context.Context, ticketID, projectID, stage, workerID string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicWorkerCompleted, TicketID: ticketID, WorkerID: workerID, Stage: stage},
		bus.TopicWorkerCompleted,
		bus.WorkerEventPayload{TicketID: ticketID, ProjectID: projectID, Stage: stage, WorkerID: workerID})
}

// WorkerFailed reports a worker that exited without a usable outcome
// (runtime failure, validation failure, or timeout).
func (e *Emitter) WorkerFailed(ctx context.Context, ticketID, projectID, stage, workerID, reason string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicWorkerFailed, TicketID: ticketID, WorkerID: workerID, Stage: stage, Message: reason},
		bus.TopicWorkerFailed,
		bus.WorkerEventPayload{TicketID: ticketID, ProjectID: projectID, Stage: stage, WorkerID: workerID, Reason: reason})
}

// StageCompleted reports a worker finishing the stage it was assigned to,
// just before the ticket's current_stage moves on.
func (e *Emitter) StageCompleted(ctx context.Context, ticketID, projectID, stage, workerID string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicStageCompleted, TicketID: ticketID, WorkerID: workerID, Stage: stage},
		bus.TopicStageCompleted,
		bus.WorkerEventPayload{TicketID: ticketID, ProjectID: projectID, Stage: stage, WorkerID: workerID})
}

// TaskAssigned reports the Queue Manager handing a ticket to a per-queue
// consumer's inbox.
func (e *Emitter) TaskAssigned(ctx context.Context, ticketID, projectID, stage string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicTaskAssigned, TicketID: ticketID, Stage: stage},
		bus.TopicTaskAssigned,
		bus.TicketStageChangedPayload{TicketID: ticketID, ProjectID: projectID, NewStage: stage})
}

// ClaimStuck reports a claim the sweeper found held past its staleness
// threshold. This is observability only: the sweeper never force-releases
// the claim itself.
func (e *Emitter) ClaimStuck(ctx context.Context, ticketID, projectID, stage, workerID string) {
	e.emit(ctx, store.EventRow{Type: bus.TopicClaimStuck, TicketID: ticketID, WorkerID: workerID, Stage: stage},
		bus.TopicClaimStuck,
		bus.WorkerEventPayload{TicketID: ticketID, ProjectID: projectID, Stage: stage, WorkerID: workerID})
}
