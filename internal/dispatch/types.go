package dispatch

import (
	"errors"
	"fmt"
	"time"

	"wabatch/internal/message"
	"wabatch/internal/progress"
)

var (
	ErrNoRecipients = errors.New("dispatch: no recipients")
	ErrJobNotFound  = errors.New("dispatch: job not found")
	ErrJobFinished  = errors.New("dispatch: job already finished")
	ErrInvalidAddr  = errors.New("invalid number")
	ErrBadIdentity  = errors.New("dispatch: invalid identity")
)

// Job is one batch-send invocation.
type Job struct {
	ID         string
	Identity   string
	Recipients []string
	Spec       message.Spec

	// OnProgress, if set, observes every counter snapshot in order.
	OnProgress func(progress.Counts)
}

// Failure records one recipient that could not be reached.
type Failure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// maxFailures bounds the failures kept per summary.
const maxFailures = 200

// Summary is the outcome of a batch.
type Summary struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Failures   []Failure     `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (s Summary) Counts() progress.Counts {
	return progress.Counts{Total: s.Total, Successful: s.Successful, Failed: s.Failed}
}

// BatchError is returned when the loop itself faults (panic, cancellation).
// Summary holds the counters reached before the fault.
type BatchError struct {
	Summary Summary
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted after %d/%d: %v", e.Summary.Successful+e.Summary.Failed, e.Summary.Total, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

type JobState string

const (
	JobQueued   JobState = "queued"
	JobRunning  JobState = "running"
	JobDone     JobState = "done"
	JobFailed   JobState = "failed"
	JobCanceled JobState = "canceled"
)

func (s JobState) Finished() bool {
	return s == JobDone || s == JobFailed || s == JobCanceled
}

// JobStatus is the inspectable record of a job.
type JobStatus struct {
	ID         string          `json:"id"`
	Identity   string          `json:"identity"`
	Variant    message.Variant `json:"variant"`
	State      JobState        `json:"state"`
	Counts     progress.Counts `json:"counts"`
	Failures   []Failure       `json:"failures,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}
