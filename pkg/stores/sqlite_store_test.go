package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temp-file SQLite store for testing. A file
// path is used instead of :memory: because the connection pool would
// otherwise give each connection its own empty database.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
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

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "poolsched-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStorePoolConfig(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path:            filepath.Join(t.TempDir(), "poolsched-test.db"),
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if got := store.db.Stats().MaxOpenConnections; got != 2 {
		t.Errorf("expected pool limit 2, got %d", got)
	}

	def, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "poolsched-def.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if def.cfg.MaxOpenConns != 25 || def.cfg.MaxIdleConns != 5 || def.cfg.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("unexpected pool defaults: %+v", def.cfg)
	}
}

// TestStoreMigrations tests that the schema is in place
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()

	tables := []string{
		"users", "repos", "tokens", "jobs", "token_jobs",
		"intentions", "intention_previous", "archived_intentions",
	}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestGetOrCreateUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user, err := store.GetOrCreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if user.ID == 0 {
		t.Error("expected a non-zero user ID")
	}
	if user.Username != "alice" {
		t.Errorf("expected username alice, got %s", user.Username)
	}

	again, err := store.GetOrCreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("expected the same user row, got IDs %d and %d", user.ID, again.ID)
	}

	if _, err := store.GetUserByName(ctx, "nobody"); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestGetOrCreateRepo(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	repo, err := store.GetOrCreateRepo(ctx, "group", "project", "https://gitlab.com")
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	if repo.URL() != "https://gitlab.com/group/project" {
		t.Errorf("unexpected repo URL: %s", repo.URL())
	}

	again, err := store.GetOrCreateRepo(ctx, "group", "project", "https://gitlab.com")
	if err != nil {
		t.Fatalf("failed to get repo: %v", err)
	}
	if again.ID != repo.ID {
		t.Errorf("expected the same repo row, got IDs %d and %d", repo.ID, again.ID)
	}

	other, err := store.GetOrCreateRepo(ctx, "group", "project", "https://gitlab.example.org")
	if err != nil {
		t.Fatalf("failed to create repo on other endpoint: %v", err)
	}
	if other.ID == repo.ID {
		t.Error("same owner/name on a different endpoint must be a different repo")
	}

	got, err := store.GetRepo(ctx, repo.ID)
	if err != nil {
		t.Fatalf("failed to get repo by ID: %v", err)
	}
	if got.Owner != "group" || got.Name != "project" {
		t.Errorf("unexpected repo: %+v", got)
	}
}

func TestCreateTokenDefaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user, err := store.GetOrCreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	token := &Token{UserID: user.ID, Secret: "glpat-abc"}
	if err := store.CreateToken(ctx, token); err != nil {
		t.Fatalf("failed to create token: %v", err)
	}
	if token.MaxJobs != DefaultMaxJobs {
		t.Errorf("expected default cap %d, got %d", DefaultMaxJobs, token.MaxJobs)
	}

	// Re-importing the same secret updates the cap instead of duplicating.
	update := &Token{UserID: user.ID, Secret: "glpat-abc", MaxJobs: 5}
	if err := store.CreateToken(ctx, update); err != nil {
		t.Fatalf("failed to upsert token: %v", err)
	}

	tokens, err := store.ListUserTokens(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to list tokens: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token after re-import, got %d", len(tokens))
	}
	if tokens[0].MaxJobs != 5 {
		t.Errorf("expected cap 5 after re-import, got %d", tokens[0].MaxJobs)
	}
	if !tokens[0].Ready(time.Now()) {
		t.Error("a fresh token should be ready")
	}
}

func TestAdvanceTokenReset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user, err := store.GetOrCreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	token := &Token{UserID: user.ID, Secret: "glpat-abc"}
	if err := store.CreateToken(ctx, token); err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	future := time.Now().Add(30 * time.Minute)
	if err := store.AdvanceTokenReset(ctx, token.ID, future); err != nil {
		t.Fatalf("failed to advance reset: %v", err)
	}

	tokens, err := store.ListUserTokens(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to list tokens: %v", err)
	}
	if tokens[0].Ready(time.Now()) {
		t.Error("token should not be ready before its reset")
	}
	if !tokens[0].Ready(future.Add(time.Second)) {
		t.Error("token should be ready after its reset")
	}

	// Resets only move forward.
	past := time.Now().Add(-time.Hour)
	if err := store.AdvanceTokenReset(ctx, token.ID, past); err != nil {
		t.Fatalf("failed to advance reset: %v", err)
	}
	tokens, err = store.ListUserTokens(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to list tokens: %v", err)
	}
	if tokens[0].Ready(time.Now()) {
		t.Error("a reset in the past must not rewind the stored reset")
	}
}

func TestUsersWithWork(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	alice, err := store.GetOrCreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if _, err := store.GetOrCreateUser(ctx, "bob"); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	repo, err := store.GetOrCreateRepo(ctx, "group", "project", "https://gitlab.com")
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}

	users, err := store.UsersWithWork(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list users with work: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no users with work, got %d", len(users))
	}

	if _, _, err := store.GetOrCreateIntention(ctx, KindEnrich, alice.ID, repo.ID); err != nil {
		t.Fatalf("failed to create intention: %v", err)
	}

	users, err = store.UsersWithWork(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list users with work: %v", err)
	}
	if len(users) != 1 || users[0].ID != alice.ID {
		t.Fatalf("expected only alice to have work, got %+v", users)
	}
}
