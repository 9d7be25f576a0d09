package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryScheduler keeps execution history in process memory.
type MemoryScheduler struct {
	mu      sync.Mutex
	runs    map[string][]Record
	stops   map[string][]int64
	changes []ResultChange
}

// ResultChange captures a SetResult call observed by MemoryScheduler.
type ResultChange struct {
	Job    string
	Number int64
	Result Result
}

// NewMemoryScheduler seeds an in-memory history with the provided records.
func NewMemoryScheduler(records ...Record) *MemoryScheduler {
	s := &MemoryScheduler{
		runs:  make(map[string][]Record),
		stops: make(map[string][]int64),
	}
	for _, rec := range records {
		_ = s.Append(context.Background(), rec)
	}
	return s
}

// Append adds a record to the history. Numbers must increase per job.
func (s *MemoryScheduler) Append(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.runs[record.Job]
	if n := len(runs); n > 0 && runs[n-1].Number >= record.Number {
		return fmt.Errorf("execution %s is not newer than %s", record, runs[n-1])
	}
	if record.Result == "" {
		record.Result = ResultUnknown
	}
	s.runs[record.Job] = append(runs, record)
	return nil
}

// Get returns the stored copy of an execution.
func (s *MemoryScheduler) Get(_ context.Context, job string, number int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.runs[job]
	idx := s.index(runs, number)
	if idx < 0 {
		return Record{}, fmt.Errorf("%s#%d: %w", job, number, ErrNotFound)
	}
	return runs[idx], nil
}

// Previous implements Scheduler.
func (s *MemoryScheduler) Previous(ctx context.Context, record Record) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.runs[record.Job]
	pos := sort.Search(len(runs), func(i int) bool { return runs[i].Number >= record.Number })
	if pos == 0 {
		return Record{}, false, nil
	}
	return runs[pos-1], true, nil
}

// SetResult implements Scheduler.
func (s *MemoryScheduler) SetResult(_ context.Context, record Record, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.runs[record.Job]
	idx := s.index(runs, record.Number)
	if idx < 0 {
		return fmt.Errorf("set result for %s: %w", record, ErrNotFound)
	}
	runs[idx].Result = result
	s.changes = append(s.changes, ResultChange{Job: record.Job, Number: record.Number, Result: result})
	return nil
}

// RequestStop implements Scheduler.
func (s *MemoryScheduler) RequestStop(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index(s.runs[record.Job], record.Number) < 0 {
		return fmt.Errorf("stop %s: %w", record, ErrNotFound)
	}
	s.stops[record.Job] = append(s.stops[record.Job], record.Number)
	return nil
}

// StopRequested reports whether RequestStop was called for the execution.
func (s *MemoryScheduler) StopRequested(_ context.Context, job string, number int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.stops[job] {
		if n == number {
			return true, nil
		}
	}
	return false, nil
}

// ResultChanges returns every SetResult call in the order it was applied.
func (s *MemoryScheduler) ResultChanges() []ResultChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResultChange(nil), s.changes...)
}

func (s *MemoryScheduler) index(runs []Record, number int64) int {
	pos := sort.Search(len(runs), func(i int) bool { return runs[i].Number >= number })
	if pos < len(runs) && runs[pos].Number == number {
		return pos
	}
	return -1
}

var _ Scheduler = (*MemoryScheduler)(nil)
