package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("unexpected default worker count: %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.PollInterval != 5*time.Second {
		t.Errorf("unexpected default poll interval: %s", cfg.Scheduler.PollInterval)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "poolsched.yaml", `
database:
  path: /var/lib/poolsched/sched.db
scheduler:
  workers: 8
  poll_interval: 2s
  select_limit: 3
  max_users: 10
  job_logs_dir: /var/log/poolsched
  raw_command: ["perceval-gitlab"]
  enrich_command: ["enrich-gitlab"]
credentials:
  file: /etc/poolsched/credentials.yaml
  watch: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.Path != "/var/lib/poolsched/sched.db" {
		t.Errorf("unexpected database path: %s", cfg.Database.Path)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("unexpected worker count: %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.PollInterval != 2*time.Second {
		t.Errorf("unexpected poll interval: %s", cfg.Scheduler.PollInterval)
	}
	if !cfg.Credentials.Watch {
		t.Error("expected credential watching to be enabled")
	}
	// Fields absent from the file keep their defaults.
	if cfg.Telemetry == nil || cfg.Telemetry.Logging.Level != "info" {
		t.Error("expected default telemetry configuration to survive")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero workers": `
database:
  path: sched.db
scheduler:
  workers: 0
`,
		"watch without file": `
database:
  path: sched.db
credentials:
  watch: true
`,
		"negative poll interval": `
database:
  path: sched.db
scheduler:
  poll_interval: -1s
`,
	}

	for name, content := range cases {
		path := writeFile(t, "bad.yaml", content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadCredentials(t *testing.T) {
	path := writeFile(t, "credentials.yaml", `
users:
  - username: alice
    tokens:
      - secret: glpat-one
      - secret: glpat-two
        max_jobs: 5
  - username: bob
    tokens: []
`)

	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("failed to load credentials: %v", err)
	}
	if len(creds.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(creds.Users))
	}
	if len(creds.Users[0].Tokens) != 2 {
		t.Fatalf("expected 2 tokens for alice, got %d", len(creds.Users[0].Tokens))
	}
	if creds.Users[0].Tokens[1].MaxJobs != 5 {
		t.Errorf("unexpected max_jobs: %d", creds.Users[0].Tokens[1].MaxJobs)
	}
}

func TestLoadCredentialsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing username": `
users:
  - tokens:
      - secret: glpat-one
`,
		"empty secret": `
users:
  - username: alice
    tokens:
      - max_jobs: 2
`,
	}

	for name, content := range cases {
		path := writeFile(t, "bad-creds.yaml", content)
		if _, err := LoadCredentials(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
