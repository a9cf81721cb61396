package sched

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/stores"
)

// newTestEngine creates an engine over a temp-file store with the given
// runners.
func newTestEngine(t *testing.T, raw RawRunner, enrich EnrichRunner) (*Engine, *stores.SQLiteStore) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "poolsched-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine, err := New(Options{
		Store:  store,
		Raw:    raw,
		Enrich: enrich,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return engine, store
}

// seedUser creates a user with one ready token.
func seedUser(t *testing.T, store *stores.SQLiteStore, name string) *stores.User {
	t.Helper()

	ctx := context.Background()
	user, err := store.GetOrCreateUser(ctx, name)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if err := store.CreateToken(ctx, &stores.Token{UserID: user.ID, Secret: "glpat-" + name}); err != nil {
		t.Fatalf("failed to create token: %v", err)
	}
	return user
}

// dispatch finishes a run the way the worker loop does.
func dispatch(t *testing.T, e *Engine, job *stores.Job, res RunResult) {
	t.Helper()
	ctx := context.Background()

	switch res.Outcome {
	case OutcomeSuccess:
		if err := e.Finish(ctx, job, stores.StatusOK); err != nil {
			t.Fatalf("failed to finish job: %v", err)
		}
	case OutcomeRetry:
		if err := e.Requeue(ctx, job); err != nil {
			t.Fatalf("failed to requeue job: %v", err)
		}
	case OutcomeFatal:
		if err := e.Finish(ctx, job, stores.StatusError); err != nil {
			t.Fatalf("failed to finish failed job: %v", err)
		}
	}
}

// drain runs one admit-claim-run-dispatch cycle for one kind, the way
// the worker loop does, and reports whether a job ran. Prerequisites are
// materialized at request time, so anything selectable can be admitted
// directly. A job created during admission is already claimed by its
// creator and runs immediately; released jobs come back through NextJob.
func drain(t *testing.T, e *Engine, kind stores.IntentionKind, userID int64) bool {
	t.Helper()
	ctx := context.Background()
	ran := false

	selectable, err := e.Selectable(ctx, kind, userID, 10)
	if err != nil {
		t.Fatalf("failed to select: %v", err)
	}
	for _, in := range selectable {
		shared, err := e.FindRunningJob(ctx, in)
		if err != nil {
			t.Fatalf("failed to find running job: %v", err)
		}
		if shared != nil {
			continue
		}
		job, err := e.CreateJob(ctx, in, "test-worker")
		if err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if job != nil {
			dispatch(t, e, job, e.Run(ctx, job))
			ran = true
		}
	}

	job, err := e.NextJob(ctx, kind, "test-worker")
	if err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}
	if job != nil {
		dispatch(t, e, job, e.Run(ctx, job))
		ran = true
	}
	return ran
}

func TestRequestCreatesPrerequisites(t *testing.T) {
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) { return 0, nil }),
		EnrichRunnerFunc(func(context.Context, string) (string, error) { return "", nil }),
	)
	ctx := context.Background()
	seedUser(t, store, "alice")

	in, err := engine.Request(ctx, stores.KindEnrich, "alice", "group", "project", "https://gitlab.com")
	if err != nil {
		t.Fatalf("failed to request: %v", err)
	}
	if in.Kind != stores.KindEnrich {
		t.Errorf("unexpected kind: %s", in.Kind)
	}

	count, err := store.PrerequisiteCount(ctx, in.ID)
	if err != nil {
		t.Fatalf("failed to count prerequisites: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 prerequisite for an enrich request, got %d", count)
	}

	// Requesting again merges and stays at one prerequisite.
	again, err := engine.Request(ctx, stores.KindEnrich, "alice", "group", "project", "https://gitlab.com")
	if err != nil {
		t.Fatalf("failed to re-request: %v", err)
	}
	if again.ID != in.ID {
		t.Error("duplicate request must merge into the existing intention")
	}
	count, err = store.PrerequisiteCount(ctx, in.ID)
	if err != nil {
		t.Fatalf("failed to count prerequisites: %v", err)
	}
	if count != 1 {
		t.Errorf("expected prerequisites to stay at 1, got %d", count)
	}

	// Raw requests have no prerequisites.
	raw, err := engine.Request(ctx, stores.KindRaw, "alice", "group", "project", "https://gitlab.com")
	if err != nil {
		t.Fatalf("failed to request raw: %v", err)
	}
	count, err = store.PrerequisiteCount(ctx, raw.ID)
	if err != nil {
		t.Fatalf("failed to count prerequisites: %v", err)
	}
	if count != 0 {
		t.Errorf("raw request must have no prerequisites, got %d", count)
	}
}

func TestEndToEndEnrichment(t *testing.T) {
	var rawRuns, enrichRuns int
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(_ context.Context, repoURL, secret string) (int, error) {
			rawRuns++
			if secret == "" {
				t.Error("raw runner must receive the token secret")
			}
			return 0, nil
		}),
		EnrichRunnerFunc(func(_ context.Context, repoURL string) (string, error) {
			enrichRuns++
			return "", nil
		}),
	)
	ctx := context.Background()
	user := seedUser(t, store, "alice")

	if _, err := engine.Request(ctx, stores.KindEnrich, "alice", "group", "project", "https://gitlab.com"); err != nil {
		t.Fatalf("failed to request: %v", err)
	}

	// First pass: only the raw prerequisite can run.
	if !drain(t, engine, stores.KindRaw, user.ID) {
		t.Fatal("expected the raw job to run on the first pass")
	}
	if drained := drain(t, engine, stores.KindEnrich, user.ID); !drained {
		t.Fatal("expected the enrich job to run after the raw one archived")
	}

	if rawRuns != 1 || enrichRuns != 1 {
		t.Errorf("expected one run each, got raw=%d enrich=%d", rawRuns, enrichRuns)
	}

	// Everything is archived, nothing is live.
	for _, kind := range Kinds {
		counts, err := store.KindCounts(ctx, kind)
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if counts.Ready+counts.Pending+counts.Assigned != 0 {
			t.Errorf("expected no live %s intentions, got %+v", kind, counts)
		}
		if counts.Archived != 1 {
			t.Errorf("expected 1 archived %s intention, got %d", kind, counts.Archived)
		}
	}
	archived, err := store.ListArchived(ctx, stores.KindEnrich, 10, 0)
	if err != nil {
		t.Fatalf("failed to list archive: %v", err)
	}
	if archived[0].Status != stores.StatusOK {
		t.Errorf("expected OK archive status, got %s", archived[0].Status)
	}
}

func TestSoftFailureRequeues(t *testing.T) {
	rawRuns := 0
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) {
			rawRuns++
			if rawRuns == 1 {
				return 30, nil
			}
			return 0, nil
		}),
		nil,
	)
	ctx := context.Background()
	user := seedUser(t, store, "alice")

	base := time.Now()
	engine.now = func() time.Time { return base }

	if _, err := engine.Request(ctx, stores.KindRaw, "alice", "group", "project", "https://gitlab.com"); err != nil {
		t.Fatalf("failed to request: %v", err)
	}

	// First run soft-fails.
	if !drain(t, engine, stores.KindRaw, user.ID) {
		t.Fatal("expected the raw job to run")
	}

	// The intention is still live and still attached to its job.
	counts, err := store.KindCounts(ctx, stores.KindRaw)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts.Assigned != 1 || counts.Archived != 0 {
		t.Errorf("soft failure must keep the intention on its job, got %+v", counts)
	}

	// The token reset moved ~30 minutes forward, so nothing is claimable.
	if job, err := engine.NextJob(ctx, stores.KindRaw, "test-worker"); err != nil || job != nil {
		t.Fatalf("expected no claimable job before the reset, got job=%v err=%v", job, err)
	}

	// Once the reset passes the job is offered and succeeds.
	engine.now = func() time.Time { return base.Add(31 * time.Minute) }
	if !drain(t, engine, stores.KindRaw, user.ID) {
		t.Fatal("expected the job to be retried after the reset")
	}
	if rawRuns != 2 {
		t.Errorf("expected 2 raw runs, got %d", rawRuns)
	}

	counts, err = store.KindCounts(ctx, stores.KindRaw)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts.Archived != 1 || counts.Assigned != 0 {
		t.Errorf("expected the intention archived after the retry, got %+v", counts)
	}
}

func TestHardFailureArchivesWithError(t *testing.T) {
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) { return 0, nil }),
		EnrichRunnerFunc(func(context.Context, string) (string, error) {
			return "missing raw index", nil
		}),
	)
	ctx := context.Background()
	user := seedUser(t, store, "alice")

	if _, err := engine.Request(ctx, stores.KindEnrich, "alice", "group", "project", "https://gitlab.com"); err != nil {
		t.Fatalf("failed to request: %v", err)
	}
	// Clear the prerequisite first so the enrich intention becomes ready.
	if !drain(t, engine, stores.KindRaw, user.ID) {
		t.Fatal("expected the raw prerequisite to run")
	}

	if !drain(t, engine, stores.KindEnrich, user.ID) {
		t.Fatal("expected the enrich job to run")
	}

	archived, err := store.ListArchived(ctx, stores.KindEnrich, 10, 0)
	if err != nil {
		t.Fatalf("failed to list archive: %v", err)
	}
	if len(archived) != 1 || archived[0].Status != stores.StatusError {
		t.Fatalf("expected one error archive entry, got %+v", archived)
	}
}

func TestRawFailureSentinelIsHardFailure(t *testing.T) {
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) { return 1, nil }),
		nil,
	)
	ctx := context.Background()
	user := seedUser(t, store, "alice")

	if _, err := engine.Request(ctx, stores.KindRaw, "alice", "group", "project", "https://gitlab.com"); err != nil {
		t.Fatalf("failed to request: %v", err)
	}

	if !drain(t, engine, stores.KindRaw, user.ID) {
		t.Fatal("expected the raw job to run")
	}

	// Output 1 is the failure sentinel, not a one-minute backoff: the
	// intention must be archived with an error, never requeued.
	archived, err := store.ListArchived(ctx, stores.KindRaw, 10, 0)
	if err != nil {
		t.Fatalf("failed to list archive: %v", err)
	}
	if len(archived) != 1 || archived[0].Status != stores.StatusError {
		t.Fatalf("expected one error archive entry, got %+v", archived)
	}
	if drain(t, engine, stores.KindRaw, user.ID) {
		t.Fatal("expected no job after the hard failure")
	}
}

func TestDedupSharesOneRun(t *testing.T) {
	rawRuns := 0
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) {
			rawRuns++
			return 0, nil
		}),
		nil,
	)
	ctx := context.Background()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")

	if _, err := engine.Request(ctx, stores.KindRaw, "alice", "group", "project", "https://gitlab.com"); err != nil {
		t.Fatalf("failed to request: %v", err)
	}
	if _, err := engine.Request(ctx, stores.KindRaw, "bob", "group", "project", "https://gitlab.com"); err != nil {
		t.Fatalf("failed to request: %v", err)
	}

	// Admit Alice first; her worker creates and holds the job.
	aliceSel, err := engine.Selectable(ctx, stores.KindRaw, alice.ID, 10)
	if err != nil {
		t.Fatalf("failed to select: %v", err)
	}
	if len(aliceSel) != 1 {
		t.Fatalf("expected one selectable intention for alice, got %d", len(aliceSel))
	}
	job, err := engine.CreateJob(ctx, aliceSel[0], "test-worker")
	if err != nil || job == nil {
		t.Fatalf("failed to create job: %v", err)
	}

	// Bob's identical intention reuses the running job.
	bobSel, err := engine.Selectable(ctx, stores.KindRaw, bob.ID, 10)
	if err != nil {
		t.Fatalf("failed to select: %v", err)
	}
	if len(bobSel) != 1 {
		t.Fatalf("expected one selectable intention for bob, got %d", len(bobSel))
	}
	shared, err := engine.FindRunningJob(ctx, bobSel[0])
	if err != nil {
		t.Fatalf("failed to find running job: %v", err)
	}
	if shared == nil || shared.ID != job.ID {
		t.Fatalf("expected bob to share alice's job %s, got %+v", job.ID, shared)
	}

	intentions, err := store.IntentionsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to list intentions: %v", err)
	}
	if len(intentions) != 2 {
		t.Fatalf("expected both intentions on one job, got %d", len(intentions))
	}

	// One run archives both intentions.
	res := engine.Run(ctx, job)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", res.Outcome, res.Err)
	}
	if err := engine.Finish(ctx, job, stores.StatusOK); err != nil {
		t.Fatalf("failed to finish: %v", err)
	}

	if rawRuns != 1 {
		t.Errorf("expected exactly one shared run, got %d", rawRuns)
	}
	counts, err := store.KindCounts(ctx, stores.KindRaw)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts.Archived != 2 || counts.Ready+counts.Pending+counts.Assigned != 0 {
		t.Errorf("expected both intentions archived, got %+v", counts)
	}
}

func TestRunnerPanicIsHardFailure(t *testing.T) {
	engine, store := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) {
			panic("runner exploded")
		}),
		nil,
	)
	ctx := context.Background()
	seedUser(t, store, "alice")

	in, err := engine.Request(ctx, stores.KindRaw, "alice", "group", "project", "https://gitlab.com")
	if err != nil {
		t.Fatalf("failed to request: %v", err)
	}
	job, err := engine.CreateJob(ctx, in, "test-worker")
	if err != nil || job == nil {
		t.Fatalf("failed to create job: %v", err)
	}

	res := engine.Run(ctx, job)
	if res.Outcome != OutcomeFatal {
		t.Fatalf("expected a panic to be a hard failure, got %s", res.Outcome)
	}
	if !IsPermanent(res.Err) {
		t.Errorf("expected a permanent error, got %v", res.Err)
	}
}

func TestRunWithoutIntentionsIsFatal(t *testing.T) {
	engine, _ := newTestEngine(t,
		RawRunnerFunc(func(context.Context, string, string) (int, error) { return 0, nil }),
		nil,
	)
	ctx := context.Background()

	res := engine.Run(ctx, &stores.Job{ID: "no-such-job"})
	if res.Outcome != OutcomeFatal {
		t.Fatalf("expected fatal for a job with no intentions, got %s", res.Outcome)
	}
	var schedErr *SchedError
	if !errors.As(res.Err, &schedErr) {
		t.Errorf("expected a classified error, got %v", res.Err)
	}
}
