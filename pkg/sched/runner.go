package sched

import "context"

// RawRunner performs the actual raw data collection for one repository.
// Implementations live outside the scheduler.
//
// The returned minutes value encodes the outcome: 0 means the collection
// finished; a positive value means the token was exhausted and gives the
// minutes until the external rate limit clears; any other non-zero value
// is an unrecoverable failure. Expected rate limiting must be reported
// through the return value, not an error.
type RawRunner interface {
	Run(ctx context.Context, repoURL, tokenSecret string) (minutes int, err error)
}

// EnrichRunner performs the enrichment step for one repository. An empty
// message means success; a non-empty message is an unrecoverable failure
// surfaced in the logs and the archive status.
type EnrichRunner interface {
	Run(ctx context.Context, repoURL string) (message string, err error)
}

// RawRunnerFunc adapts a function to the RawRunner interface.
type RawRunnerFunc func(ctx context.Context, repoURL, tokenSecret string) (int, error)

// Run implements RawRunner.
func (f RawRunnerFunc) Run(ctx context.Context, repoURL, tokenSecret string) (int, error) {
	return f(ctx, repoURL, tokenSecret)
}

// EnrichRunnerFunc adapts a function to the EnrichRunner interface.
type EnrichRunnerFunc func(ctx context.Context, repoURL string) (string, error)

// Run implements EnrichRunner.
func (f EnrichRunnerFunc) Run(ctx context.Context, repoURL string) (string, error) {
	return f(ctx, repoURL)
}
