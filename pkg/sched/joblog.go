package sched

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// jobSink is a per-job log destination. Everything logged while a job
// runs is mirrored to job_logs_dir/job-<id>.log so a user can inspect
// exactly what their collection did.
type jobSink struct {
	logger zerolog.Logger
	file   *os.File
}

// attachJobSink opens the per-job log file and returns a logger writing
// to it. The caller must call release on every exit path; release is
// safe against a nil receiver so the usual pattern is
//
//	sink, err := attachJobSink(dir, jobID)
//	defer sink.release()
func attachJobSink(dir, jobID string) (*jobSink, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job log dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("job-%s.log", jobID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open job log: %w", err)
	}

	logger := zerolog.New(file).With().Timestamp().Str("job", jobID).Logger()
	return &jobSink{logger: logger, file: file}, nil
}

var nopJobLogger = zerolog.Nop()

// log returns the sink's logger, or a disabled one if the sink is nil.
func (s *jobSink) log() *zerolog.Logger {
	if s == nil {
		return &nopJobLogger
	}
	return &s.logger
}

// release closes the underlying file. Safe on nil and idempotent.
func (s *jobSink) release() {
	if s == nil || s.file == nil {
		return
	}
	_ = s.file.Close()
	s.file = nil
}
