package queue

import (
	"fmt"
	"strings"

	"github.com/ticketd/ticketd/internal/outcome"
	"github.com/ticketd/ticketd/internal/pipeline"
)

// CommandKind identifies which ticket transition a completion event asks
// the Completion Processor to apply.
type CommandKind string

const (
	KindAdvance           CommandKind = "advance"
	KindReturn            CommandKind = "return"
	KindComplete          CommandKind = "complete"
	KindCompletePlanning  CommandKind = "complete_planning"
	KindRequestAttention  CommandKind = "request_attention"
	KindHoldOnFailure     CommandKind = "hold_on_failure"
)

// Command is the translated, pipeline-aware instruction a consumer hands to
// the Completion Processor. Unlike the raw outcome.Document, a Command has
// already resolved pipeline-relative stage names (next/previous) into a
// concrete target stage, so the Completion Processor never needs pipeline
// access.
type Command struct {
	Kind      CommandKind
	TicketID  string
	ProjectID string
	Stage     string // the stage the ticket was in while being worked
	WorkerID  string

	ToStage    string // for Advance/Return
	Resolution string // for Complete
	Reason     string // for RequestAttention / HoldOnFailure
	Comment    string

	TicketsToCreate   []outcome.TicketSpec
	WorkerTypesNeeded []outcome.WorkerTypeSpec
}

// Event is what a Consumer sends on the completion channel: a translated
// Command, or a delivery failure that never produced one.
type Event struct {
	Command Command
	Err     error
}

// translate turns a validated outcome document into a pipeline-resolved
// Command. pl is the project's pipeline, used to resolve "advance" and
// "return" relative to the ticket's current stage.
func translate(doc outcome.Document, ticketID, projectID, stage, workerID string, pl *pipeline.Pipeline) (Command, error) {
	base := Command{
		TicketID:  ticketID,
		ProjectID: projectID,
		Stage:     stage,
		WorkerID:  workerID,
		Comment:   doc.Comment,
	}

	switch doc.Command {
	case outcome.CommandAdvanceToStage:
		next, atEnd, err := pl.Next(stage)
		if err != nil {
			return Command{}, err
		}
		if atEnd {
			// No stage follows the last one: advancing past the end of the
			// pipeline is the same as completing the ticket.
			base.Kind = KindComplete
			base.Resolution = "completed"
			return base, nil
		}
		base.Kind = KindAdvance
		base.ToStage = next
		return base, nil

	case outcome.CommandReturnToStage:
		prev, atStart, err := pl.Previous(stage)
		if err != nil {
			return Command{}, err
		}
		if atStart {
			// Nothing precedes the first stage: a worker asking to retreat
			// from the pipeline's entry stage has nowhere to go, so the
			// ticket needs a human instead.
			base.Kind = KindRequestAttention
			base.Reason = fmt.Sprintf("worker requested previous stage but ticket is at the beginning of the pipeline: %s", doc.Reason)
			return base, nil
		}
		base.Kind = KindReturn
		base.ToStage = prev
		return base, nil

	case outcome.CommandCompleteTicket:
		base.Kind = KindComplete
		base.Resolution = doc.Resolution
		return base, nil

	case outcome.CommandCompletePlanning:
		if len(doc.TicketsToCreate) == 0 {
			// An empty ticket list only makes sense alongside an
			// explanation: either there was genuinely no follow-on work,
			// or the worker owes the operator a reason.
			reason := strings.ToLower(doc.Reason)
			if strings.Contains(reason, "no work") || strings.Contains(reason, "no additional work") {
				base.Kind = KindComplete
				base.Resolution = "no_work_needed"
				return base, nil
			}
			base.Kind = KindRequestAttention
			base.Reason = fmt.Sprintf("planning completed but no tickets created and no explanation provided. reason given: %s", doc.Reason)
			return base, nil
		}

		base.Kind = KindCompletePlanning
		base.TicketsToCreate = assignDefaultStage(doc.TicketsToCreate, pl)
		base.WorkerTypesNeeded = doc.WorkerTypesNeeded
		return base, nil

	case outcome.CommandRequestCoordinatorAttention:
		base.Kind = KindRequestAttention
		base.Reason = doc.Reason
		return base, nil

	default:
		base.Kind = KindHoldOnFailure
		base.Reason = "unrecognized outcome command: " + string(doc.Command)
		return base, nil
	}
}

// assignDefaultStage fills in pl's entry stage for any planned ticket whose
// worker-supplied stage was left blank, so a planning worker never has to
// know the pipeline's first stage name.
func assignDefaultStage(specs []outcome.TicketSpec, pl *pipeline.Pipeline) []outcome.TicketSpec {
	out := make([]outcome.TicketSpec, len(specs))
	for i, spec := range specs {
		if spec.Stage == "" {
			spec.Stage = pl.First()
		}
		out[i] = spec
	}
	return out
}
