package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IntentionKind discriminates the two kinds of desired work.
type IntentionKind string

const (
	// KindRaw collects raw data for a repository using a rate-limited token.
	KindRaw IntentionKind = "raw"
	// KindEnrich enriches previously collected raw data. It needs no token,
	// but depends on a raw intention for the same repository.
	KindEnrich IntentionKind = "enrich"
)

// ArchiveStatus is the terminal outcome recorded for an archived intention.
type ArchiveStatus string

const (
	StatusOK        ArchiveStatus = "ok"
	StatusError     ArchiveStatus = "error"
	StatusCancelled ArchiveStatus = "cancelled"
)

// DefaultMaxJobs is the per-token concurrency cap applied when a token is
// imported without an explicit cap.
const DefaultMaxJobs = 3

// User owns tokens and intentions.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Repo is the resource a job works against.
type Repo struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}

// URL returns the resource locator handed to runners.
func (r *Repo) URL() string {
	return fmt.Sprintf("%s/%s/%s", r.Endpoint, r.Owner, r.Name)
}

// Token is a rate-limited credential. MaxJobs caps how many live jobs may
// hold it at once; ResetAt is the earliest time it is usable again.
type Token struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Secret    string    `json:"-"`
	MaxJobs   int       `json:"max_jobs"`
	ResetAt   time.Time `json:"reset_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Ready reports whether the token is past its rate-limit reset.
func (t *Token) Ready(now time.Time) bool {
	return now.After(t.ResetAt)
}

// Job is one unit of execution. A nil WorkerID means the job is queued;
// a set WorkerID means it is claimed. Jobs are deleted once every
// intention referencing them has been archived.
type Job struct {
	ID        string    `json:"id"`
	WorkerID  *string   `json:"worker_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Intention is desired work of one kind against one repo on behalf of one
// user. At most one live row exists per (kind, user, repo); duplicate
// requests merge into it. JobID is nil until the engine admits the
// intention to a job.
type Intention struct {
	ID        string        `json:"id"`
	Kind      IntentionKind `json:"kind"`
	UserID    int64         `json:"user_id"`
	RepoID    int64         `json:"repo_id"`
	JobID     *string       `json:"job_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ArchivedIntention is the immutable terminal record of an intention.
type ArchivedIntention struct {
	ID         int64         `json:"id"`
	Kind       IntentionKind `json:"kind"`
	UserID     int64         `json:"user_id"`
	RepoID     int64         `json:"repo_id"`
	CreatedAt  time.Time     `json:"created_at"`
	ArchivedAt time.Time     `json:"archived_at"`
	Status     ArchiveStatus `json:"status"`
}

// Counts summarizes live and archived scheduler state for one kind.
type Counts struct {
	Ready    int64 `json:"ready"`
	Pending  int64 `json:"pending"`
	Assigned int64 `json:"assigned"`
	Archived int64 `json:"archived"`
}

// Store defines the persistence layer the scheduler coordinates through.
// All worker processes share one Store; mutual exclusion comes from its
// transactions, not from in-memory state.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Users and repos
	GetOrCreateUser(ctx context.Context, username string) (*User, error)
	GetUserByName(ctx context.Context, username string) (*User, error)
	UsersWithWork(ctx context.Context, max int) ([]*User, error)
	GetOrCreateRepo(ctx context.Context, owner, name, endpoint string) (*Repo, error)
	GetRepo(ctx context.Context, id int64) (*Repo, error)

	// Tokens
	CreateToken(ctx context.Context, token *Token) error
	ListUserTokens(ctx context.Context, userID int64) ([]*Token, error)
	AdvanceTokenReset(ctx context.Context, tokenID int64, resetAt time.Time) error
	TokenJobCount(ctx context.Context, tokenID int64) (int, error)
	JobTokens(ctx context.Context, jobID string) ([]*Token, error)

	// Intentions and the prerequisite DAG
	GetOrCreateIntention(ctx context.Context, kind IntentionKind, userID, repoID int64) (*Intention, bool, error)
	GetIntention(ctx context.Context, id string) (*Intention, error)
	AddPrerequisite(ctx context.Context, intentionID, previousID string) error
	PrerequisiteCount(ctx context.Context, intentionID string) (int, error)
	SelectableIntentions(ctx context.Context, kind IntentionKind, userID int64, limit int, now time.Time) ([]*Intention, error)
	IntentionsForJob(ctx context.Context, jobID string) ([]*Intention, error)

	// Scheduling (transactional)
	FindRunningJob(ctx context.Context, in *Intention, now time.Time) (*Job, error)
	CreateJob(ctx context.Context, in *Intention, workerID string, now time.Time) (*Job, error)
	NextJob(ctx context.Context, kind IntentionKind, workerID string, now time.Time) (*Job, error)
	ReleaseJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error

	// Archival
	ArchiveIntention(ctx context.Context, in *Intention, status ArchiveStatus, archivedAt time.Time) error
	ListArchived(ctx context.Context, kind IntentionKind, limit, offset int) ([]*ArchivedIntention, error)

	// Reporting
	KindCounts(ctx context.Context, kind IntentionKind) (*Counts, error)
}
