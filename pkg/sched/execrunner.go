package sched

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// exitTempFail is the sysexits EX_TEMPFAIL code. A raw command exiting
// with it signals a rate-limited credential rather than a broken run.
const exitTempFail = 75

// defaultRetryMinutes is used when a rate-limited command does not report
// how long to back off.
const defaultRetryMinutes = 60

// CommandRawRunner adapts an external collector program to the RawRunner
// contract. The repository URL is appended as the final argument and the
// token secret is passed via the POOLSCHED_TOKEN environment variable so
// it never appears in process listings.
//
// Exit code 0 means the collection finished. Exit code 75 (EX_TEMPFAIL)
// means the token is exhausted; the command may print the retry delay in
// minutes as the last line of stdout. Any other exit is a hard failure.
type CommandRawRunner struct {
	Command []string
}

// Run executes the collector for one repository.
func (r *CommandRawRunner) Run(ctx context.Context, repoURL, tokenSecret string) (int, error) {
	if len(r.Command) == 0 {
		return 0, fmt.Errorf("raw command is not configured")
	}

	args := append(append([]string{}, r.Command[1:]...), repoURL)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	cmd.Env = append(os.Environ(), "POOLSCHED_TOKEN="+tokenSecret)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("failed to execute raw command: %w", err)
	}

	if exitErr.ExitCode() == exitTempFail {
		return parseRetryMinutes(stdout.String()), nil
	}

	return 0, fmt.Errorf("raw command exited %d: %s", exitErr.ExitCode(), tailLine(stderr.String()))
}

// CommandEnrichRunner adapts an external enrichment program to the
// EnrichRunner contract. Exit 0 is success; any other exit yields the
// last stderr line as the failure message.
type CommandEnrichRunner struct {
	Command []string
}

// Run executes the enricher for one repository.
func (r *CommandEnrichRunner) Run(ctx context.Context, repoURL string) (string, error) {
	if len(r.Command) == 0 {
		return "", fmt.Errorf("enrich command is not configured")
	}

	args := append(append([]string{}, r.Command[1:]...), repoURL)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return "", nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return "", fmt.Errorf("failed to execute enrich command: %w", err)
	}

	msg := tailLine(stderr.String())
	if msg == "" {
		msg = fmt.Sprintf("enrich command exited %d", exitErr.ExitCode())
	}
	return msg, nil
}

// parseRetryMinutes reads the retry delay from the last stdout line of a
// rate-limited command. 1 is reserved as the failure sentinel, so a
// one-minute report is rounded up.
func parseRetryMinutes(out string) int {
	line := tailLine(out)
	if n, err := strconv.Atoi(line); err == nil && n > 0 {
		if n == 1 {
			return 2
		}
		return n
	}
	return defaultRetryMinutes
}

// tailLine returns the last non-empty line of s.
func tailLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
