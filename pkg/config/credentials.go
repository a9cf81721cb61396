package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CredentialFile is the YAML credential import format. Each user carries
// the tokens the scheduler may spend on their behalf.
type CredentialFile struct {
	Users []CredentialUser `yaml:"users"`
}

// CredentialUser is one user entry in the credential file.
type CredentialUser struct {
	Username string            `yaml:"username"`
	Tokens   []CredentialToken `yaml:"tokens"`
}

// CredentialToken is one token entry under a user.
type CredentialToken struct {
	// Secret is the raw token value handed to runners.
	Secret string `yaml:"secret"`

	// MaxJobs overrides the per-token concurrency cap. Zero means the
	// store default.
	MaxJobs int `yaml:"max_jobs"`
}

// LoadCredentials reads and validates a credential file.
func LoadCredentials(path string) (*CredentialFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds CredentialFile
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return nil, err
	}

	return &creds, nil
}

// Validate rejects credential files with empty usernames or secrets.
func (c *CredentialFile) Validate() error {
	for i, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("credentials entry %d: username is required", i)
		}
		for j, t := range u.Tokens {
			if t.Secret == "" {
				return fmt.Errorf("credentials for %s: token %d has no secret", u.Username, j)
			}
			if t.MaxJobs < 0 {
				return fmt.Errorf("credentials for %s: token %d has negative max_jobs", u.Username, j)
			}
		}
	}
	return nil
}
