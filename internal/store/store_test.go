package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ticketd.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateProject(ctx, Project{ID: id, Path: "/tmp/" + id, PipelineJSON: `["plan","implement","review"]`}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
}

func TestStore_OpenAppliesSchemaIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ticketd.db")
	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
}

func TestStore_CreateAndGetTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")

	if err := s.CreateTicket(ctx, "tk1", "proj1", "plan"); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	tk, err := s.GetTicket(ctx, "tk1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if tk.State != StateOpen {
		t.Fatalf("state = %v, want open", tk.State)
	}
	if tk.CurrentStage != "plan" {
		t.Fatalf("stage = %v, want plan", tk.CurrentStage)
	}
	if tk.ClaimWorkerID != nil {
		t.Fatalf("claim_worker_id = %v, want nil", *tk.ClaimWorkerID)
	}
}

func TestStore_GetTicket_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTicket(context.Background(), "missing")
	if err != ErrTicketNotFound {
		t.Fatalf("err = %v, want ErrTicketNotFound", err)
	}
}

func TestStore_AcquireClaim_ExclusiveUnderContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	if err := s.CreateTicket(ctx, "tk1", "proj1", "plan"); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]ClaimOutcome, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			outcome, err := s.AcquireClaim(ctx, "tk1", workerName(i))
			if err != nil {
				t.Errorf("AcquireClaim: %v", err)
				return
			}
			results[i] = outcome
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, r := range results {
		if r == ClaimAcquired {
			acquired++
		}
	}
	if acquired != 1 {
		t.Fatalf("acquired = %d, want exactly 1", acquired)
	}

	tk, err := s.GetTicket(ctx, "tk1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if tk.State != StateClaimed {
		t.Fatalf("state = %v, want claimed", tk.State)
	}
	if tk.ClaimWorkerID == nil {
		t.Fatal("claim_worker_id is nil after successful claim")
	}
}

func workerName(i int) string {
	return "worker-" + string(rune('a'+i))
}

func TestStore_AcquireClaim_AgainstClaimedTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "plan")

	outcome, err := s.AcquireClaim(ctx, "tk1", "w1")
	if err != nil || outcome != ClaimAcquired {
		t.Fatalf("first acquire: outcome=%v err=%v", outcome, err)
	}

	outcome, err = s.AcquireClaim(ctx, "tk1", "w2")
	if err != nil {
		t.Fatalf("second acquire err: %v", err)
	}
	if outcome != ClaimAlreadyHeld {
		t.Fatalf("outcome = %v, want ClaimAlreadyHeld", outcome)
	}
}

func TestStore_ReleaseClaim_RequiresMatchingWorker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "plan")
	_, _ = s.AcquireClaim(ctx, "tk1", "w1")

	outcome, err := s.ReleaseClaim(ctx, "tk1", "w2")
	if err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if outcome != ReleaseNotHeldByCaller {
		t.Fatalf("outcome = %v, want ReleaseNotHeldByCaller", outcome)
	}

	outcome, err = s.ReleaseClaim(ctx, "tk1", "w1")
	if err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if outcome != ReleaseOK {
		t.Fatalf("outcome = %v, want ReleaseOK", outcome)
	}

	tk, _ := s.GetTicket(ctx, "tk1")
	if tk.State != StateOpen {
		t.Fatalf("state = %v, want open after release", tk.State)
	}
}

func TestStore_AdvanceStage_StaleClaimReportsNotOK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "plan")
	_, _ = s.AcquireClaim(ctx, "tk1", "w1")
	_, _ = s.ReleaseClaim(ctx, "tk1", "w1")

	ok, err := s.AdvanceStage(ctx, "tk1", "w1", "implement")
	if err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if ok {
		t.Fatal("AdvanceStage reported ok=true against a released claim")
	}
}

func TestStore_AdvanceStage_ReopensAtNewStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "plan")
	_, _ = s.AcquireClaim(ctx, "tk1", "w1")

	ok, err := s.AdvanceStage(ctx, "tk1", "w1", "implement")
	if err != nil || !ok {
		t.Fatalf("AdvanceStage: ok=%v err=%v", ok, err)
	}

	tk, _ := s.GetTicket(ctx, "tk1")
	if tk.CurrentStage != "implement" {
		t.Fatalf("stage = %v, want implement", tk.CurrentStage)
	}
	if tk.State != StateOpen {
		t.Fatalf("state = %v, want open", tk.State)
	}
	if tk.ClaimWorkerID != nil {
		t.Fatal("claim not released on advance")
	}
}

func TestStore_CloseTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "review")
	_, _ = s.AcquireClaim(ctx, "tk1", "w1")

	ok, err := s.CloseTicket(ctx, "tk1", "w1", "merged")
	if err != nil || !ok {
		t.Fatalf("CloseTicket: ok=%v err=%v", ok, err)
	}

	tk, _ := s.GetTicket(ctx, "tk1")
	if tk.State != StateClosed {
		t.Fatalf("state = %v, want closed", tk.State)
	}
	if tk.Resolution == nil || *tk.Resolution != "merged" {
		t.Fatalf("resolution = %v, want merged", tk.Resolution)
	}
}

func TestStore_PlaceOnHoldAndResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "plan")

	if err := s.PlaceOnHold(ctx, "tk1", "needs coordinator input"); err != nil {
		t.Fatalf("PlaceOnHold: %v", err)
	}
	tk, _ := s.GetTicket(ctx, "tk1")
	if tk.State != StateOnHold {
		t.Fatalf("state = %v, want on_hold", tk.State)
	}

	// Idempotent: holding an already-held ticket again succeeds.
	if err := s.PlaceOnHold(ctx, "tk1", "still blocked"); err != nil {
		t.Fatalf("PlaceOnHold (repeat): %v", err)
	}

	if err := s.ResumeTicket(ctx, "tk1"); err != nil {
		t.Fatalf("ResumeTicket: %v", err)
	}
	tk, _ = s.GetTicket(ctx, "tk1")
	if tk.State != StateOpen {
		t.Fatalf("state = %v, want open after resume", tk.State)
	}
	if tk.HoldReason != nil {
		t.Fatal("hold_reason not cleared after resume")
	}
}

func TestStore_PlaceOnHold_ClosedTicketRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "review")
	_, _ = s.AcquireClaim(ctx, "tk1", "w1")
	_, _ = s.CloseTicket(ctx, "tk1", "w1", "done")

	err := s.PlaceOnHold(ctx, "tk1", "too late")
	if err != ErrTicketClosed {
		t.Fatalf("err = %v, want ErrTicketClosed", err)
	}
}

func TestStore_EventLogOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")

	for i := 0; i < 3; i++ {
		if _, err := s.InsertEvent(ctx, EventRow{Type: "ticket.created", TicketID: "tk1"}); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	events, err := s.ListEventsSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("events not strictly increasing: %d <= %d", events[i].ID, events[i-1].ID)
		}
	}
}

func TestStore_WorkerTypeUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")

	wt := WorkerType{ProjectID: "proj1", Stage: "plan", SystemPrompt: "plan carefully", TimeoutSeconds: 600}
	if err := s.UpsertWorkerType(ctx, wt); err != nil {
		t.Fatalf("UpsertWorkerType: %v", err)
	}

	got, err := s.GetWorkerType(ctx, "proj1", "plan")
	if err != nil {
		t.Fatalf("GetWorkerType: %v", err)
	}
	if got.SystemPrompt != "plan carefully" {
		t.Fatalf("system_prompt = %v, want %q", got.SystemPrompt, "plan carefully")
	}

	wt.SystemPrompt = "plan even more carefully"
	if err := s.UpsertWorkerType(ctx, wt); err != nil {
		t.Fatalf("UpsertWorkerType (update): %v", err)
	}
	got, err = s.GetWorkerType(ctx, "proj1", "plan")
	if err != nil {
		t.Fatalf("GetWorkerType: %v", err)
	}
	if got.SystemPrompt != "plan even more carefully" {
		t.Fatalf("system_prompt not updated: %v", got.SystemPrompt)
	}
}

func TestStore_ListStuckClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "proj1")
	_ = s.CreateTicket(ctx, "tk1", "proj1", "plan")
	_, _ = s.AcquireClaim(ctx, "tk1", "w1")

	stuck, err := s.ListStuckClaims(ctx, 0)
	if err != nil {
		t.Fatalf("ListStuckClaims: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "tk1" {
		t.Fatalf("stuck = %+v, want [tk1]", stuck)
	}

	notYetStale, err := s.ListStuckClaims(ctx, 3600)
	if err != nil {
		t.Fatalf("ListStuckClaims: %v", err)
	}
	if len(notYetStale) != 0 {
		t.Fatalf("notYetStale = %+v, want empty", notYetStale)
	}
}
