package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// This file holds the scheduling queries. FindRunningJob, CreateJob and
// NextJob run inside single write transactions: with _txlock=immediate
// every such transaction takes the database write lock up front, so two
// workers can never interleave inside a claim or attach.
//
// Unique-constraint and busy errors are absorbed as "no job this pass":
// the caller retries on the next scheduling tick.

// GetOrCreateIntention returns the live intention for (kind, user, repo),
// creating it if absent. Duplicate requests merge into the existing row.
// The second return value reports whether a row was created. Both
// statements run in one write transaction so a concurrent archival
// cannot slip between the insert and the read-back.
func (s *SQLiteStore) GetOrCreateIntention(ctx context.Context, kind IntentionKind, userID, repoID int64) (*Intention, bool, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO intentions (id, kind, user_id, repo_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, user_id, repo_id) DO NOTHING
	`, uuid.New().String(), kind, userID, repoID, time.Now().Unix())
	if err != nil {
		return nil, false, fmt.Errorf("failed to create intention: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	in := &Intention{}
	var created int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, kind, user_id, repo_id, job_id, created_at
		 FROM intentions WHERE kind = ? AND user_id = ? AND repo_id = ?`,
		kind, userID, repoID,
	).Scan(&in.ID, &in.Kind, &in.UserID, &in.RepoID, &in.JobID, &created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get intention: %w", err)
	}
	in.CreatedAt = time.Unix(created, 0).UTC()

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return in, inserted > 0, nil
}

// GetIntention retrieves an intention by ID
func (s *SQLiteStore) GetIntention(ctx context.Context, id string) (*Intention, error) {
	query := `
		SELECT id, kind, user_id, repo_id, job_id, created_at
		FROM intentions WHERE id = ?
	`

	in := &Intention{}
	var created int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&in.ID, &in.Kind, &in.UserID, &in.RepoID, &in.JobID, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("intention not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intention: %w", err)
	}
	in.CreatedAt = time.Unix(created, 0).UTC()

	return in, nil
}

// AddPrerequisite registers previousID as a prerequisite of intentionID.
// All DAG edge creation goes through here; prerequisites are only ever
// created below the requesting intention, which keeps the graph acyclic.
func (s *SQLiteStore) AddPrerequisite(ctx context.Context, intentionID, previousID string) error {
	if intentionID == previousID {
		return fmt.Errorf("intention cannot depend on itself: %s", intentionID)
	}

	query := `
		INSERT INTO intention_previous (intention_id, previous_id)
		VALUES (?, ?)
		ON CONFLICT(intention_id, previous_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, intentionID, previousID); err != nil {
		return fmt.Errorf("failed to add prerequisite: %w", err)
	}

	return nil
}

// PrerequisiteCount returns how many unarchived prerequisites the
// intention still has. Archival deletes the prerequisite row and its
// edges cascade, so a zero count means the intention is ready.
func (s *SQLiteStore) PrerequisiteCount(ctx context.Context, intentionID string) (int, error) {
	query := `SELECT COUNT(*) FROM intention_previous WHERE intention_id = ?`

	var count int
	if err := s.db.QueryRowContext(ctx, query, intentionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count prerequisites: %w", err)
	}

	return count, nil
}

// SelectableIntentions returns up to limit ready intentions of the given
// kind for a user: no prerequisites left, no job yet. Raw intentions are
// additionally gated on the user owning at least one token that is below
// its concurrency cap and past its reset. Read-only, no locking.
func (s *SQLiteStore) SelectableIntentions(ctx context.Context, kind IntentionKind, userID int64, limit int, now time.Time) ([]*Intention, error) {
	query := `
		SELECT i.id, i.kind, i.user_id, i.repo_id, i.job_id, i.created_at
		FROM intentions i
		WHERE i.kind = ? AND i.user_id = ? AND i.job_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM intention_previous p WHERE p.intention_id = i.id
		  )
	`
	args := []interface{}{kind, userID}

	if kind == KindRaw {
		query += `
		  AND EXISTS (
			SELECT 1 FROM tokens t
			WHERE t.user_id = i.user_id AND t.reset_at < ?
			  AND (SELECT COUNT(*) FROM token_jobs tj WHERE tj.token_id = t.id) < t.max_jobs
		  )
		`
		args = append(args, now.Unix())
	}

	query += ` ORDER BY i.created_at ASC, i.id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select intentions: %w", err)
	}
	defer rows.Close()

	return scanIntentions(rows)
}

// IntentionsForJob lists every live intention attached to a job. One run
// of the job satisfies all of them.
func (s *SQLiteStore) IntentionsForJob(ctx context.Context, jobID string) ([]*Intention, error) {
	query := `
		SELECT id, kind, user_id, repo_id, job_id, created_at
		FROM intentions
		WHERE job_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job intentions: %w", err)
	}
	defer rows.Close()

	return scanIntentions(rows)
}

// FindRunningJob looks for another live intention on the same repo that
// already has a job, and attaches that job to in. Raw intentions also
// contribute the user's ready tokens (capacity permitting) to the shared
// job. Returns the shared job, or nil if no reusable job exists. The
// first running job found wins.
func (s *SQLiteStore) FindRunningJob(ctx context.Context, in *Intention, now time.Time) (*Job, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		if isBusy(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job := &Job{}
	var created int64
	err = tx.QueryRowContext(ctx, `
		SELECT j.id, j.worker_id, j.created_at
		FROM intentions i2
		JOIN jobs j ON j.id = i2.job_id
		WHERE i2.kind = ? AND i2.repo_id = ? AND i2.id <> ?
		LIMIT 1
	`, in.Kind, in.RepoID, in.ID).Scan(&job.ID, &job.WorkerID, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find running job: %w", err)
	}
	job.CreatedAt = time.Unix(created, 0).UTC()

	result, err := tx.ExecContext(ctx,
		`UPDATE intentions SET job_id = ? WHERE id = ? AND job_id IS NULL`,
		job.ID, in.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to attach job: %w", err)
	}
	attached, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if attached == 0 {
		// Someone else already attached a job to this intention.
		return nil, nil
	}

	if in.Kind == KindRaw {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO token_jobs (token_id, job_id)
			SELECT t.id, ?
			FROM tokens t
			WHERE t.user_id = ? AND t.reset_at < ?
			  AND (SELECT COUNT(*) FROM token_jobs tj WHERE tj.token_id = t.id) < t.max_jobs
			ON CONFLICT(token_id, job_id) DO NOTHING
		`, job.ID, in.UserID, now.Unix())
		if err != nil {
			return nil, fmt.Errorf("failed to attach tokens: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) || isConstraint(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	in.JobID = &job.ID
	return job, nil
}

// CreateJob creates a new job for the intention and assigns the
// requesting worker to it. Raw intentions walk the user's tokens and
// attach every token with remaining capacity, creating the job lazily on
// the first eligible one; if none is eligible no job is created. Enrich
// intentions create one job directly. The intention's job reference is
// re-checked inside the transaction; on a duplicate-key race the call
// returns nil and the caller retries on a later pass.
func (s *SQLiteStore) CreateJob(ctx context.Context, in *Intention, workerID string, now time.Time) (*Job, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		if isBusy(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Race guard: re-read the job reference under the write lock.
	var jobID *string
	err = tx.QueryRowContext(ctx,
		`SELECT job_id FROM intentions WHERE id = ?`, in.ID).Scan(&jobID)
	if err == sql.ErrNoRows {
		// Archived (or never existed) since the caller selected it.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to re-check intention: %w", err)
	}

	var job *Job
	switch in.Kind {
	case KindRaw:
		job, err = s.createRawJob(ctx, tx, in, jobID, workerID, now)
	default:
		job, err = s.createEnrichJob(ctx, tx, in, jobID, workerID, now)
	}
	if err != nil {
		if isConstraint(err) || isBusy(err) {
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) || isConstraint(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if job != nil {
		in.JobID = &job.ID
	}
	return job, nil
}

// createRawJob walks the user's tokens inside the transaction, attaching
// every one with remaining capacity.
func (s *SQLiteStore) createRawJob(ctx context.Context, tx *sql.Tx, in *Intention, existing *string, workerID string, now time.Time) (*Job, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, max_jobs FROM tokens WHERE user_id = ? ORDER BY id ASC`, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	type tok struct {
		id      int64
		maxJobs int
	}
	var toks []tok
	for rows.Next() {
		var t tok
		if err := rows.Scan(&t.id, &t.maxJobs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		toks = append(toks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}
	rows.Close()

	var job *Job
	jobID := existing
	for _, t := range toks {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM token_jobs WHERE token_id = ?`, t.id).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count token jobs: %w", err)
		}
		if count >= t.maxJobs {
			continue
		}

		if jobID == nil {
			job = &Job{
				ID:        uuid.New().String(),
				WorkerID:  &workerID,
				CreatedAt: now.UTC(),
			}
			if err := insertJob(ctx, tx, job, in.ID); err != nil {
				return nil, err
			}
			jobID = &job.ID
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO token_jobs (token_id, job_id) VALUES (?, ?)
			ON CONFLICT(token_id, job_id) DO NOTHING
		`, t.id, *jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to attach token: %w", err)
		}
	}

	return job, nil
}

// createEnrichJob creates one job directly; no token walk applies.
func (s *SQLiteStore) createEnrichJob(ctx context.Context, tx *sql.Tx, in *Intention, existing *string, workerID string, now time.Time) (*Job, error) {
	if existing != nil {
		return nil, nil
	}

	job := &Job{
		ID:        uuid.New().String(),
		WorkerID:  &workerID,
		CreatedAt: now.UTC(),
	}
	if err := insertJob(ctx, tx, job, in.ID); err != nil {
		return nil, err
	}

	return job, nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job *Job, intentionID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, worker_id, created_at) VALUES (?, ?, ?)`,
		job.ID, job.WorkerID, job.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE intentions SET job_id = ? WHERE id = ?`, job.ID, intentionID)
	if err != nil {
		return fmt.Errorf("failed to assign job: %w", err)
	}

	return nil
}

// NextJob claims the next queued job of the given kind for a worker: an
// intention with a job that has no worker yet and, for raw intentions, a
// token past its reset. The claim is a guarded update inside a single
// write transaction, so N racing workers produce exactly one winner.
// Returns nil if nothing is claimable.
func (s *SQLiteStore) NextJob(ctx context.Context, kind IntentionKind, workerID string, now time.Time) (*Job, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		if isBusy(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT j.id, j.created_at
		FROM intentions i
		JOIN jobs j ON j.id = i.job_id
		WHERE i.kind = ? AND j.worker_id IS NULL
	`
	args := []interface{}{kind}

	if kind == KindRaw {
		query += `
		  AND EXISTS (
			SELECT 1 FROM token_jobs tj
			JOIN tokens t ON t.id = tj.token_id
			WHERE tj.job_id = j.id AND t.reset_at < ?
		  )
		`
		args = append(args, now.Unix())
	}

	query += ` LIMIT 1`

	job := &Job{}
	var created int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&job.ID, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if isBusy(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select next job: %w", err)
	}
	job.CreatedAt = time.Unix(created, 0).UTC()

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET worker_id = ? WHERE id = ? AND worker_id IS NULL`,
		workerID, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if claimed == 0 {
		// Another worker got there first.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	job.WorkerID = &workerID
	return job, nil
}

// ReleaseJob detaches the worker from a job after a soft failure, so
// NextJob can offer it again once its token resets.
func (s *SQLiteStore) ReleaseJob(ctx context.Context, jobID string) error {
	query := `UPDATE jobs SET worker_id = NULL WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}

	return nil
}

// DeleteJob removes a finished job; its token attachments cascade.
func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	query := `DELETE FROM jobs WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return nil
}

// ArchiveIntention writes the immutable archive entry and deletes the
// live row. Edges in the prerequisite DAG cascade with the deletion,
// which is what flips dependent intentions to ready. Append-only: archive
// rows are never updated or deleted.
func (s *SQLiteStore) ArchiveIntention(ctx context.Context, in *Intention, status ArchiveStatus, archivedAt time.Time) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archived_intentions (kind, user_id, repo_id, created_at, archived_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.Kind, in.UserID, in.RepoID, in.CreatedAt.Unix(), archivedAt.Unix(), status)
	if err != nil {
		return fmt.Errorf("failed to insert archive entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM intentions WHERE id = ?`, in.ID)
	if err != nil {
		return fmt.Errorf("failed to delete intention: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("intention not found: %s", in.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// ListArchived lists archive entries of a kind, newest first.
func (s *SQLiteStore) ListArchived(ctx context.Context, kind IntentionKind, limit, offset int) ([]*ArchivedIntention, error) {
	query := `
		SELECT id, kind, user_id, repo_id, created_at, archived_at, status
		FROM archived_intentions
		WHERE kind = ?
		ORDER BY archived_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived intentions: %w", err)
	}
	defer rows.Close()

	entries := []*ArchivedIntention{}
	for rows.Next() {
		entry := &ArchivedIntention{}
		var created, archived int64
		err := rows.Scan(
			&entry.ID,
			&entry.Kind,
			&entry.UserID,
			&entry.RepoID,
			&created,
			&archived,
			&entry.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive entry: %w", err)
		}
		entry.CreatedAt = time.Unix(created, 0).UTC()
		entry.ArchivedAt = time.Unix(archived, 0).UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archive entries: %w", err)
	}

	return entries, nil
}

// KindCounts summarizes scheduler state for one intention kind.
func (s *SQLiteStore) KindCounts(ctx context.Context, kind IntentionKind) (*Counts, error) {
	counts := &Counts{}

	query := `
		SELECT
		  COUNT(CASE WHEN job_id IS NULL AND NOT EXISTS (
			SELECT 1 FROM intention_previous p WHERE p.intention_id = intentions.id
		  ) THEN 1 END),
		  COUNT(CASE WHEN job_id IS NULL AND EXISTS (
			SELECT 1 FROM intention_previous p WHERE p.intention_id = intentions.id
		  ) THEN 1 END),
		  COUNT(CASE WHEN job_id IS NOT NULL THEN 1 END)
		FROM intentions
		WHERE kind = ?
	`
	err := s.db.QueryRowContext(ctx, query, kind).Scan(
		&counts.Ready, &counts.Pending, &counts.Assigned)
	if err != nil {
		return nil, fmt.Errorf("failed to count intentions: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archived_intentions WHERE kind = ?`, kind).Scan(&counts.Archived)
	if err != nil {
		return nil, fmt.Errorf("failed to count archived intentions: %w", err)
	}

	return counts, nil
}

func scanIntentions(rows *sql.Rows) ([]*Intention, error) {
	intentions := []*Intention{}
	for rows.Next() {
		in := &Intention{}
		var created int64
		err := rows.Scan(&in.ID, &in.Kind, &in.UserID, &in.RepoID, &in.JobID, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intention: %w", err)
		}
		in.CreatedAt = time.Unix(created, 0).UTC()
		intentions = append(intentions, in)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intentions: %w", err)
	}

	return intentions, nil
}
