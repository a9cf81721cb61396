package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/stores"
	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/telemetry"
)

// Kinds lists the intention kinds in the order workers visit them. Raw
// collection comes first so prerequisites drain before their dependents.
var Kinds = []stores.IntentionKind{stores.KindRaw, stores.KindEnrich}

// Engine is the intention scheduling engine. It is stateless: all
// coordination between concurrent workers happens through the store's
// transactions.
type Engine struct {
	store   stores.Store
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	raw    RawRunner
	enrich EnrichRunner

	// jobLogDir is where per-job log files go. Empty disables the sinks.
	jobLogDir string

	// now is replaceable in tests.
	now func() time.Time
}

// Options configures an Engine.
type Options struct {
	Store     stores.Store
	Logger    *telemetry.Logger
	Metrics   *telemetry.Metrics
	Raw       RawRunner
	Enrich    EnrichRunner
	JobLogDir string
}

// New creates a scheduling engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger()
	}

	return &Engine{
		store:     opts.Store,
		log:       log.NewComponentLogger("sched"),
		metrics:   opts.Metrics,
		raw:       opts.Raw,
		enrich:    opts.Enrich,
		jobLogDir: opts.JobLogDir,
		now:       time.Now,
	}, nil
}

// Request records a user's wish for one unit of work against one repo,
// materializing the intention and its prerequisites. Duplicate requests
// merge into the existing live intention.
func (e *Engine) Request(ctx context.Context, kind stores.IntentionKind, username, owner, name, endpoint string) (*stores.Intention, error) {
	user, err := e.store.GetOrCreateUser(ctx, username)
	if err != nil {
		return nil, err
	}

	repo, err := e.store.GetOrCreateRepo(ctx, owner, name, endpoint)
	if err != nil {
		return nil, err
	}

	in, created, err := e.store.GetOrCreateIntention(ctx, kind, user.ID, repo.ID)
	if err != nil {
		return nil, err
	}
	if created {
		e.log.WithField("intention", in.ID).WithField("kind", string(kind)).
			WithField("repo", repo.URL()).Info("intention created")
	}

	if _, err := e.CreatePrerequisites(ctx, in); err != nil {
		return nil, err
	}

	return in, nil
}

// CreatePrerequisites materializes the intentions this one needs before
// it can run, idempotently, and registers them in its previous set.
// Raw collection has no prerequisites; enrichment needs the raw data for
// the same repo and user collected first.
func (e *Engine) CreatePrerequisites(ctx context.Context, in *stores.Intention) ([]*stores.Intention, error) {
	if in.Kind != stores.KindEnrich {
		return nil, nil
	}

	raw, _, err := e.store.GetOrCreateIntention(ctx, stores.KindRaw, in.UserID, in.RepoID)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw prerequisite: %w", err)
	}

	if err := e.store.AddPrerequisite(ctx, in.ID, raw.ID); err != nil {
		return nil, err
	}

	return []*stores.Intention{raw}, nil
}

// Selectable returns up to limit intentions of the given kind that the
// user could have admitted right now. Advisory only: no locks are taken
// and the answer may be stale by the time the caller acts on it.
func (e *Engine) Selectable(ctx context.Context, kind stores.IntentionKind, userID int64, limit int) ([]*stores.Intention, error) {
	return e.store.SelectableIntentions(ctx, kind, userID, limit, e.now())
}

// FindRunningJob reuses a live job already working the same repo, if one
// exists, attaching it to the intention. N intentions on one repo share
// one execution this way.
func (e *Engine) FindRunningJob(ctx context.Context, in *stores.Intention) (*stores.Job, error) {
	job, err := e.store.FindRunningJob(ctx, in, e.now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		e.log.WithField("intention", in.ID).WithField("job", job.ID).
			Debug("reusing running job")
	}
	return job, nil
}

// CreateJob creates a fresh job for the intention, claimed by workerID.
// Returns nil without error when admission is not possible this pass (no
// token capacity, or a concurrent writer won the race).
func (e *Engine) CreateJob(ctx context.Context, in *stores.Intention, workerID string) (*stores.Job, error) {
	job, err := e.store.CreateJob(ctx, in, workerID, e.now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		if e.metrics != nil {
			e.metrics.RecordJobCreated(string(in.Kind))
		}
		e.log.WithField("intention", in.ID).WithField("job", job.ID).
			WithField("worker", workerID).Debug("job created")
	}
	return job, nil
}

// NextJob claims the next runnable queued job of the given kind for a
// worker. Exactly one of N racing claimants wins; the rest get nil.
func (e *Engine) NextJob(ctx context.Context, kind stores.IntentionKind, workerID string) (*stores.Job, error) {
	job, err := e.store.NextJob(ctx, kind, workerID, e.now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		if e.metrics != nil {
			e.metrics.RecordJobClaimed(string(kind))
		}
		e.log.WithField("job", job.ID).WithField("worker", workerID).
			Debug("job claimed")
	}
	return job, nil
}

// Run executes a claimed job via the external runner and classifies the
// outcome. It holds no database locks: the only state it touches is the
// exhausted token's reset time on a soft failure. A per-job log sink is
// attached around the runner invocation and released on every exit path,
// panics included.
func (e *Engine) Run(ctx context.Context, job *stores.Job) RunResult {
	intentions, err := e.store.IntentionsForJob(ctx, job.ID)
	if err != nil {
		return Fatal(err)
	}
	if len(intentions) == 0 {
		return Fatal(NewPermanentError("job has no live intentions", nil).WithJob(job.ID))
	}
	in := intentions[0]

	repo, err := e.store.GetRepo(ctx, in.RepoID)
	if err != nil {
		return Fatal(err)
	}

	sink, err := attachJobSink(e.jobLogDir, job.ID)
	if err != nil {
		e.log.WithError(err).WithField("job", job.ID).Error("failed to attach job log sink")
	}
	defer sink.release()

	start := e.now()
	var res RunResult
	switch in.Kind {
	case stores.KindRaw:
		res = e.runRaw(ctx, job, repo, sink)
	default:
		res = e.runEnrich(ctx, job, repo, sink)
	}

	if e.metrics != nil {
		e.metrics.RecordRun(string(in.Kind), res.Outcome.String(), e.now().Sub(start))
	}
	return res
}

// runRaw picks one ready token held by the job and invokes the raw
// runner. A job without a usable token is an inconsistency (it should
// never have been offered by NextJob): logged and treated as a hard
// failure for this intention, not fatal to the worker.
func (e *Engine) runRaw(ctx context.Context, job *stores.Job, repo *stores.Repo, sink *jobSink) (res RunResult) {
	tokens, err := e.store.JobTokens(ctx, job.ID)
	if err != nil {
		return Fatal(err)
	}

	if e.raw == nil {
		return Fatal(NewPermanentError("no raw runner configured", nil).WithJob(job.ID))
	}

	now := e.now()
	var token *stores.Token
	for _, t := range tokens {
		if t.Ready(now) {
			token = t
			break
		}
	}
	if token == nil {
		err := NewPermanentError("no usable token for job", nil).WithJob(job.ID)
		e.log.WithField("job", job.ID).WithField("repo", repo.URL()).
			Error("no usable token for claimed job")
		return Fatal(err)
	}

	// An unexpected panic in the runner is a hard failure, never a worker
	// crash.
	defer func() {
		if r := recover(); r != nil {
			sink.log().Error().Interface("panic", r).Msg("raw runner panicked")
			res = Fatal(NewPermanentError(fmt.Sprintf("raw runner panicked: %v", r), nil).WithJob(job.ID))
		}
	}()

	sink.log().Info().Str("repo", repo.URL()).Msg("raw collection started")
	e.log.WithField("job", job.ID).WithField("repo", repo.URL()).Info("running raw collection")

	minutes, err := e.raw.Run(ctx, repo.URL(), token.Secret)
	if err != nil {
		sink.log().Err(err).Msg("raw collection failed")
		return Fatal(NewPermanentError("raw runner failed", err).WithJob(job.ID))
	}

	switch {
	case minutes == 0:
		sink.log().Info().Msg("raw collection finished")
		return Success()
	case minutes > 1:
		// Token exhausted: advance its reset and let the job be retried
		// once the rate limit clears.
		backoff := time.Duration(minutes) * time.Minute
		if err := e.store.AdvanceTokenReset(ctx, token.ID, e.now().Add(backoff)); err != nil {
			return Fatal(err)
		}
		if e.metrics != nil {
			e.metrics.RecordTokenExhausted()
		}
		sink.log().Warn().Int("retry_minutes", minutes).Msg("token exhausted")
		e.log.WithField("job", job.ID).WithField("token", fmt.Sprint(token.ID)).
			WithField("retry_minutes", fmt.Sprint(minutes)).Info("token exhausted, requeueing")
		return RetryAfter(backoff)
	default:
		// 1 is the failure sentinel; values > 1 mean retry in N minutes.
		sink.log().Error().Int("output", minutes).Msg("raw collection failed")
		return Fatal(NewPermanentError(fmt.Sprintf("raw runner returned %d", minutes), nil).WithJob(job.ID))
	}
}

// runEnrich invokes the enrichment runner; no token applies.
func (e *Engine) runEnrich(ctx context.Context, job *stores.Job, repo *stores.Repo, sink *jobSink) (res RunResult) {
	if e.enrich == nil {
		return Fatal(NewPermanentError("no enrich runner configured", nil).WithJob(job.ID))
	}

	defer func() {
		if r := recover(); r != nil {
			sink.log().Error().Interface("panic", r).Msg("enrich runner panicked")
			res = Fatal(NewPermanentError(fmt.Sprintf("enrich runner panicked: %v", r), nil).WithJob(job.ID))
		}
	}()

	sink.log().Info().Str("repo", repo.URL()).Msg("enrichment started")
	e.log.WithField("job", job.ID).WithField("repo", repo.URL()).Info("running enrichment")

	message, err := e.enrich.Run(ctx, repo.URL())
	if err != nil {
		sink.log().Err(err).Msg("enrichment failed")
		return Fatal(NewPermanentError("enrich runner failed", err).WithJob(job.ID))
	}
	if message != "" {
		sink.log().Error().Str("message", message).Msg("enrichment failed")
		return Fatal(NewPermanentError(message, nil).WithJob(job.ID))
	}

	sink.log().Info().Msg("enrichment finished")
	return Success()
}

// Archive moves one intention into the append-only archive with the
// given terminal status and deletes the live row. Exactly one call per
// intention's terminal transition.
func (e *Engine) Archive(ctx context.Context, in *stores.Intention, status stores.ArchiveStatus) error {
	if err := e.store.ArchiveIntention(ctx, in, status, e.now()); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordArchived(string(in.Kind), string(status))
	}
	e.log.WithField("intention", in.ID).WithField("status", string(status)).
		Info("intention archived")
	return nil
}

// Finish archives every intention attached to the job (one successful
// run satisfies all of them) and removes the job record, which releases
// its token attachments.
func (e *Engine) Finish(ctx context.Context, job *stores.Job, status stores.ArchiveStatus) error {
	intentions, err := e.store.IntentionsForJob(ctx, job.ID)
	if err != nil {
		return err
	}

	for _, in := range intentions {
		if err := e.Archive(ctx, in, status); err != nil {
			return err
		}
	}

	return e.store.DeleteJob(ctx, job.ID)
}

// Requeue releases a job back to the queue after a soft failure. The
// intentions stay attached to it; NextJob will offer it again once its
// token's reset passes.
func (e *Engine) Requeue(ctx context.Context, job *stores.Job) error {
	return e.store.ReleaseJob(ctx, job.ID)
}

// UsersWithWork returns random users that currently have ready
// intentions, for the worker loop to fan admission over.
func (e *Engine) UsersWithWork(ctx context.Context, max int) ([]*stores.User, error) {
	return e.store.UsersWithWork(ctx, max)
}
