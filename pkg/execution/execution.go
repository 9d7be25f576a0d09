package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound indicates that the requested execution record does not exist.
var ErrNotFound = errors.New("execution: record not found")

// Result is the final (or pending) status of a job execution.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
	ResultAborted Result = "ABORTED"
	// ResultUnknown covers executions that are still running or never reported a result.
	ResultUnknown Result = "UNKNOWN"
)

// ParseResult converts user input into a Result. Matching is case-insensitive.
func ParseResult(value string) (Result, error) {
	switch Result(strings.ToUpper(strings.TrimSpace(value))) {
	case ResultSuccess:
		return ResultSuccess, nil
	case ResultFailure:
		return ResultFailure, nil
	case ResultAborted:
		return ResultAborted, nil
	case ResultUnknown, "":
		return ResultUnknown, nil
	default:
		return "", fmt.Errorf("unsupported execution result %q", value)
	}
}

func (r Result) String() string {
	if r == "" {
		return string(ResultUnknown)
	}
	return string(r)
}

// Record describes a single run of a job as tracked by the host scheduler.
type Record struct {
	Job       string
	Number    int64
	StartedAt time.Time
	Result    Result
}

func (r Record) String() string {
	return fmt.Sprintf("%s#%d", r.Job, r.Number)
}

// Scheduler is the subset of the host scheduler API consumed by the cooldown gate.
// Execution records are owned by the host; implementations must treat history as
// append-only.
type Scheduler interface {
	// Previous returns the execution that immediately precedes record. The boolean
	// is false when record is the first known execution of the job.
	Previous(ctx context.Context, record Record) (Record, bool, error)
	// SetResult overwrites the result of record.
	SetResult(ctx context.Context, record Record, result Result) error
	// RequestStop asks the host executor to interrupt record.
	RequestStop(ctx context.Context, record Record) error
}
