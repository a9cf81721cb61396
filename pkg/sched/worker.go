package sched

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/stores"
	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/telemetry"
)

// Worker repeatedly asks the engine for admissible work, executes it via
// the external runners, and reports the outcome back. Many workers run
// concurrently against one store; they coordinate only through it.
type Worker struct {
	id      string
	engine  *Engine
	log     *telemetry.Logger
	tracer  *telemetry.Tracer
	limiter *rate.Limiter

	// maxUsers bounds how many users one admission pass visits.
	maxUsers int

	// selectLimit bounds how many ready intentions are admitted per user
	// and kind in one pass.
	selectLimit int
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	ID     string
	Engine *Engine
	Logger *telemetry.Logger
	Tracer *telemetry.Tracer

	// PollInterval paces the scheduling loop. Each tick runs one full
	// admission and claim pass.
	PollInterval time.Duration

	MaxUsers    int
	SelectLimit int
}

// NewWorker creates a worker for the given engine.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxUsers <= 0 {
		opts.MaxUsers = 4
	}
	if opts.SelectLimit <= 0 {
		opts.SelectLimit = 1
	}

	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger()
	}

	return &Worker{
		id:          opts.ID,
		engine:      opts.Engine,
		log:         log.NewComponentLogger("worker").WithField("worker", opts.ID),
		tracer:      opts.Tracer,
		limiter:     rate.NewLimiter(rate.Every(opts.PollInterval), 1),
		maxUsers:    opts.MaxUsers,
		selectLimit: opts.SelectLimit,
	}
}

// Run drives the scheduling loop until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	defer w.log.Info("worker stopped")

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		if err := w.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.WithError(err).Error("scheduling pass failed")
		}
	}
}

// tick runs one scheduling pass: admit ready intentions to jobs, then
// claim and execute queued jobs until none are left.
func (w *Worker) tick(ctx context.Context) error {
	if err := w.admit(ctx); err != nil {
		return err
	}

	for _, kind := range Kinds {
		for {
			job, err := w.engine.NextJob(ctx, kind, w.id)
			if err != nil {
				return err
			}
			if job == nil {
				break
			}
			w.execute(ctx, kind, job)
		}
	}

	return nil
}

// admit turns ready intentions into jobs. Prerequisites were already
// materialized when the intention was requested; anything Selectable
// returns has none left. Jobs created here are already claimed by this
// worker and get executed immediately; reused jobs belong to whoever
// claims them.
func (w *Worker) admit(ctx context.Context) error {
	users, err := w.engine.UsersWithWork(ctx, w.maxUsers)
	if err != nil {
		return err
	}

	for _, user := range users {
		for _, kind := range Kinds {
			intentions, err := w.engine.Selectable(ctx, kind, user.ID, w.selectLimit)
			if err != nil {
				return err
			}

			for _, in := range intentions {
				job, err := w.engine.FindRunningJob(ctx, in)
				if err != nil {
					return err
				}
				if job != nil {
					continue
				}

				job, err = w.engine.CreateJob(ctx, in, w.id)
				if err != nil {
					return err
				}
				if job != nil {
					w.execute(ctx, kind, job)
				}
			}
		}
	}

	return nil
}

// execute runs one claimed job and dispatches on the outcome: archive ok,
// requeue, or archive error. Failures here are logged, not returned; a
// bad job must not take the whole pass down.
func (w *Worker) execute(ctx context.Context, kind stores.IntentionKind, job *stores.Job) {
	runCtx := ctx
	if w.tracer != nil {
		var span trace.Span
		runCtx, span = w.tracer.StartJobSpan(ctx, job.ID, string(kind), w.id)
		defer span.End()
	}

	res := w.engine.Run(runCtx, job)

	switch res.Outcome {
	case OutcomeSuccess:
		if err := w.engine.Finish(runCtx, job, stores.StatusOK); err != nil {
			w.log.WithError(err).WithField("job", job.ID).Error("failed to archive finished job")
		}
	case OutcomeRetry:
		if err := w.engine.Requeue(runCtx, job); err != nil {
			w.log.WithError(err).WithField("job", job.ID).Error("failed to requeue job")
		}
	case OutcomeFatal:
		telemetry.RecordError(trace.SpanFromContext(runCtx), res.Err)
		w.log.WithError(res.Err).WithField("job", job.ID).Error("job failed")
		if err := w.engine.Finish(runCtx, job, stores.StatusError); err != nil {
			w.log.WithError(err).WithField("job", job.ID).Error("failed to archive failed job")
		}
	}
}
