package otelmetrics

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.Meter == nil {
		t.Fatal("expected non-nil noop meter")
	}
}

func TestInit_Enabled_BuildsMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.QueueDepth.Add(ctx, 1)
	m.ClaimDuration.Record(ctx, 0.5)
	m.WorkerSpawnLatency.Record(ctx, 1.2)
	m.OutcomesTotal.Add(ctx, 1)
	m.SweepStuckFound.Add(ctx, 1)
}
