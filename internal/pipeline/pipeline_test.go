package pipeline

import "testing"

func TestNew_RejectsEmpty(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty stage list")
	}
}

func TestNew_RejectsDuplicate(t *testing.T) {
	if _, err := New([]string{"plan", "implement", "plan"}); err == nil {
		t.Fatal("expected error for duplicate stage")
	}
}

func TestNew_RejectsBlankStage(t *testing.T) {
	if _, err := New([]string{"plan", ""}); err == nil {
		t.Fatal("expected error for blank stage")
	}
}

func TestPipeline_NextAndPrevious(t *testing.T) {
	p, err := New([]string{"plan", "implement", "review"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next, atEnd, err := p.Next("plan")
	if err != nil || atEnd || next != "implement" {
		t.Fatalf("Next(plan) = %q, %v, %v", next, atEnd, err)
	}

	next, atEnd, err = p.Next("review")
	if err != nil || !atEnd || next != "" {
		t.Fatalf("Next(review) = %q, %v, %v, want atEnd", next, atEnd, err)
	}

	prev, atStart, err := p.Previous("implement")
	if err != nil || atStart || prev != "plan" {
		t.Fatalf("Previous(implement) = %q, %v, %v", prev, atStart, err)
	}

	prev, atStart, err = p.Previous("plan")
	if err != nil || !atStart || prev != "" {
		t.Fatalf("Previous(plan) = %q, %v, %v, want atStart", prev, atStart, err)
	}
}

func TestPipeline_UnknownStageIsError(t *testing.T) {
	p, _ := New([]string{"plan", "implement"})

	if _, _, err := p.Next("deploy"); err == nil {
		t.Fatal("expected ErrUnknownStage from Next")
	}
	if _, _, err := p.Previous("deploy"); err == nil {
		t.Fatal("expected ErrUnknownStage from Previous")
	}
	if p.IsValidStage("deploy") {
		t.Fatal("IsValidStage(deploy) = true, want false")
	}
}

func TestPipeline_JSONRoundTrip(t *testing.T) {
	p, _ := New([]string{"plan", "implement", "review"})
	raw, err := p.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	p2, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if p2.First() != "plan" || p2.Last() != "review" {
		t.Fatalf("roundtrip mismatch: first=%q last=%q", p2.First(), p2.Last())
	}
}

func TestResolver_RegisterAndGet(t *testing.T) {
	r := NewResolver()
	if err := r.Register("proj1", []string{"plan", "implement"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p, err := r.Get("proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.First() != "plan" {
		t.Fatalf("First() = %q, want plan", p.First())
	}

	r.Forget("proj1")
	if _, err := r.Get("proj1"); err == nil {
		t.Fatal("expected error after Forget")
	}
}
