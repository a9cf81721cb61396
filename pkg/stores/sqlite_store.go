package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
//
// _txlock=immediate makes every write transaction take the database lock
// up front, which is what serializes the claim/create critical sections
// across concurrent workers.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new write transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// isConstraint reports whether err is a SQLite constraint violation
// (typically a UNIQUE collision between two concurrent writers).
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT
	}
	return false
}

// isBusy reports whether err means the database lock could not be taken
// before the busy timeout expired.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// GetOrCreateUser returns the user with the given name, creating it if
// absent.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, username string) (*User, error) {
	query := `
		INSERT INTO users (username, created_at) VALUES (?, ?)
		ON CONFLICT(username) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, username, time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return s.GetUserByName(ctx, username)
}

// GetUserByName retrieves a user by username
func (s *SQLiteStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	query := `SELECT id, username, created_at FROM users WHERE username = ?`

	user := &User{}
	var created int64
	err := s.db.QueryRowContext(ctx, query, username).Scan(&user.ID, &user.Username, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.CreatedAt = time.Unix(created, 0).UTC()

	return user, nil
}

// UsersWithWork returns up to max random users that currently have at
// least one ready intention (no prerequisites left, no job yet).
func (s *SQLiteStore) UsersWithWork(ctx context.Context, max int) ([]*User, error) {
	query := `
		SELECT DISTINCT u.id, u.username, u.created_at
		FROM users u
		JOIN intentions i ON i.user_id = u.id
		WHERE i.job_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM intention_previous p WHERE p.intention_id = i.id
		  )
		ORDER BY RANDOM()
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, max)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with work: %w", err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		user := &User{}
		var created int64
		if err := rows.Scan(&user.ID, &user.Username, &created); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.CreatedAt = time.Unix(created, 0).UTC()
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

// GetOrCreateRepo returns the repo identified by (owner, name, endpoint),
// creating it if absent.
func (s *SQLiteStore) GetOrCreateRepo(ctx context.Context, owner, name, endpoint string) (*Repo, error) {
	query := `
		INSERT INTO repos (owner, name, endpoint, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, name, endpoint) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, owner, name, endpoint, time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("failed to create repo: %w", err)
	}

	repo := &Repo{}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, endpoint, created_at FROM repos WHERE owner = ? AND name = ? AND endpoint = ?`,
		owner, name, endpoint,
	).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.Endpoint, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to get repo: %w", err)
	}
	repo.CreatedAt = time.Unix(created, 0).UTC()

	return repo, nil
}

// GetRepo retrieves a repo by ID
func (s *SQLiteStore) GetRepo(ctx context.Context, id int64) (*Repo, error) {
	query := `SELECT id, owner, name, endpoint, created_at FROM repos WHERE id = ?`

	repo := &Repo{}
	var created int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.Endpoint, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repo not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repo: %w", err)
	}
	repo.CreatedAt = time.Unix(created, 0).UTC()

	return repo, nil
}

// CreateToken stores a new token. A zero MaxJobs gets the default cap; a
// zero ResetAt means the token is usable immediately.
func (s *SQLiteStore) CreateToken(ctx context.Context, token *Token) error {
	if token.MaxJobs <= 0 {
		token.MaxJobs = DefaultMaxJobs
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tokens (user_id, secret, max_jobs, reset_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, secret) DO UPDATE SET max_jobs = excluded.max_jobs
	`

	result, err := s.db.ExecContext(ctx, query,
		token.UserID,
		token.Secret,
		token.MaxJobs,
		token.ResetAt.Unix(),
		token.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get token ID: %w", err)
	}
	token.ID = id

	return nil
}

// ListUserTokens lists all tokens owned by a user
func (s *SQLiteStore) ListUserTokens(ctx context.Context, userID int64) ([]*Token, error) {
	query := `
		SELECT id, user_id, secret, max_jobs, reset_at, created_at
		FROM tokens
		WHERE user_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// AdvanceTokenReset pushes the token's reset time forward. This is the
// only mutation the scheduler ever applies to a token.
func (s *SQLiteStore) AdvanceTokenReset(ctx context.Context, tokenID int64, resetAt time.Time) error {
	query := `UPDATE tokens SET reset_at = ? WHERE id = ? AND reset_at < ?`

	ts := resetAt.Unix()
	if _, err := s.db.ExecContext(ctx, query, ts, tokenID, ts); err != nil {
		return fmt.Errorf("failed to advance token reset: %w", err)
	}

	return nil
}

// TokenJobCount returns the number of live jobs currently holding the
// token. Archived work never counts: jobs are deleted on archival and the
// join rows cascade with them.
func (s *SQLiteStore) TokenJobCount(ctx context.Context, tokenID int64) (int, error) {
	query := `SELECT COUNT(*) FROM token_jobs WHERE token_id = ?`

	var count int
	if err := s.db.QueryRowContext(ctx, query, tokenID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count token jobs: %w", err)
	}

	return count, nil
}

// JobTokens lists the tokens currently held by a job
func (s *SQLiteStore) JobTokens(ctx context.Context, jobID string) ([]*Token, error) {
	query := `
		SELECT t.id, t.user_id, t.secret, t.max_jobs, t.reset_at, t.created_at
		FROM tokens t
		JOIN token_jobs tj ON tj.token_id = t.id
		WHERE tj.job_id = ?
		ORDER BY t.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

func scanTokens(rows *sql.Rows) ([]*Token, error) {
	tokens := []*Token{}
	for rows.Next() {
		token := &Token{}
		var reset, created int64
		err := rows.Scan(
			&token.ID,
			&token.UserID,
			&token.Secret,
			&token.MaxJobs,
			&reset,
			&created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		token.ResetAt = time.Unix(reset, 0).UTC()
		token.CreatedAt = time.Unix(created, 0).UTC()
		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return tokens, nil
}
