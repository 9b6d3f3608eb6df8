package queue

import (
	"testing"

	"github.com/ticketd/ticketd/internal/outcome"
	"github.com/ticketd/ticketd/internal/pipeline"
)

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New([]string{"plan", "implement", "review"})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p
}

func TestTranslate_AdvanceMidPipeline(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandAdvanceToStage}, "tk1", "proj1", "plan", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindAdvance || cmd.ToStage != "implement" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestTranslate_AdvanceAtPipelineEndCompletesTicket(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandAdvanceToStage}, "tk1", "proj1", "review", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindComplete || cmd.Resolution != "completed" {
		t.Fatalf("cmd = %+v, want resolution=completed at pipeline end", cmd)
	}
}

func TestTranslate_ReturnAtPipelineStartRequestsAttention(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandReturnToStage, Reason: "nothing to do"}, "tk1", "proj1", "plan", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindRequestAttention || cmd.Reason == "" {
		t.Fatalf("cmd = %+v, want KindRequestAttention with a reason", cmd)
	}
}

func TestTranslate_ReturnMidPipeline(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandReturnToStage}, "tk1", "proj1", "review", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindReturn || cmd.ToStage != "implement" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestTranslate_CompleteTicket(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandCompleteTicket, Resolution: "shipped"}, "tk1", "proj1", "review", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindComplete || cmd.Resolution != "shipped" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestTranslate_CompletePlanningEmptyNoWorkNeededCloses(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandCompletePlanning, Reason: "no additional work needed"}, "tk1", "proj1", "plan", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindComplete || cmd.Resolution != "no_work_needed" {
		t.Fatalf("cmd = %+v, want resolution=no_work_needed", cmd)
	}
}

func TestTranslate_CompletePlanningEmptyUnexplainedRequestsAttention(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandCompletePlanning}, "tk1", "proj1", "plan", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindRequestAttention || cmd.Reason == "" {
		t.Fatalf("cmd = %+v, want KindRequestAttention", cmd)
	}
}

func TestTranslate_CompletePlanningDefaultsOmittedStageToFirst(t *testing.T) {
	pl := testPipeline(t)
	doc := outcome.Document{
		Command:         outcome.CommandCompletePlanning,
		TicketsToCreate: []outcome.TicketSpec{{Description: "do the thing"}},
	}
	cmd, err := translate(doc, "tk1", "proj1", "plan", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(cmd.TicketsToCreate) != 1 || cmd.TicketsToCreate[0].Stage != pl.First() {
		t.Fatalf("tickets_to_create = %+v, want stage defaulted to %q", cmd.TicketsToCreate, pl.First())
	}
}

func TestTranslate_CompletePlanningWithTickets(t *testing.T) {
	pl := testPipeline(t)
	doc := outcome.Document{
		Command:         outcome.CommandCompletePlanning,
		TicketsToCreate: []outcome.TicketSpec{{Stage: "implement", Description: "do the thing"}},
	}
	cmd, err := translate(doc, "tk1", "proj1", "plan", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(cmd.TicketsToCreate) != 1 {
		t.Fatalf("tickets_to_create = %+v", cmd.TicketsToCreate)
	}
}

func TestTranslate_RequestCoordinatorAttention(t *testing.T) {
	pl := testPipeline(t)
	cmd, err := translate(outcome.Document{Command: outcome.CommandRequestCoordinatorAttention, Reason: "ambiguous"}, "tk1", "proj1", "plan", "w1", pl)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if cmd.Kind != KindRequestAttention || cmd.Reason != "ambiguous" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestTranslate_UnknownStageIsError(t *testing.T) {
	pl := testPipeline(t)
	if _, err := translate(outcome.Document{Command: outcome.CommandAdvanceToStage}, "tk1", "proj1", "deploy", "w1", pl); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
