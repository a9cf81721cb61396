package sched

import (
	"context"
	"testing"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/stores"
)

func TestWorkerTickDrainsRequest(t *testing.T) {
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) { return 0, nil }),
		EnrichRunnerFunc(func(context.Context, string) (string, error) { return "", nil }),
	)
	ctx := context.Background()
	seedUser(t, store, "alice")

	if _, err := engine.Request(ctx, stores.KindEnrich, "alice", "group", "project", "https://gitlab.com"); err != nil {
		t.Fatalf("failed to request: %v", err)
	}

	worker := NewWorker(WorkerOptions{
		ID:     "worker-test",
		Engine: engine,
	})

	// The raw prerequisite runs first; once it archives inside the same
	// admission pass, the enrich intention becomes ready and runs too.
	if err := worker.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	for _, kind := range Kinds {
		counts, err := store.KindCounts(ctx, kind)
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if counts.Archived != 1 {
			t.Errorf("expected 1 archived %s intention after tick, got %+v", kind, counts)
		}
		if counts.Ready+counts.Pending+counts.Assigned != 0 {
			t.Errorf("expected no live %s intentions after tick, got %+v", kind, counts)
		}
	}
}

func TestWorkerTickWithNoWork(t *testing.T) {
	engine, _ := newTestEngine(t, nil, nil)

	worker := NewWorker(WorkerOptions{
		ID:     "worker-idle",
		Engine: engine,
	})

	if err := worker.tick(context.Background()); err != nil {
		t.Fatalf("an idle tick must not fail: %v", err)
	}
}
