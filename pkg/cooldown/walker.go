package cooldown

import (
	"context"
	"errors"
	"fmt"

	"github.com/jobcooldown/jobcooldown/pkg/execution"
)

// Walker searches execution history backwards for the nearest successful run.
type Walker struct {
	history  execution.Scheduler
	maxDepth int
}

// NewWalker builds a walker over history. A non-positive maxDepth selects DefaultMaxDepth.
func NewWalker(history execution.Scheduler, maxDepth int) (*Walker, error) {
	if history == nil {
		return nil, errors.New("walker requires an execution history")
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Walker{history: history, maxDepth: maxDepth}, nil
}

// MaxDepth returns the number of predecessors the walker inspects at most.
func (w *Walker) MaxDepth() int {
	return w.maxDepth
}

// WalkResult reports the nearest success and how many predecessors were visited.
type WalkResult struct {
	Found   bool
	Record  execution.Record
	Visited int
}

// FindNearestSuccess returns the closest predecessor of current whose result is SUCCESS.
// It gives up when the chain ends or after visiting maxDepth predecessors. A missing
// predecessor is not an error.
func (w *Walker) FindNearestSuccess(ctx context.Context, current execution.Record) (WalkResult, error) {
	cursor := current
	var res WalkResult
	for res.Visited < w.maxDepth {
		prev, ok, err := w.history.Previous(ctx, cursor)
		if err != nil {
			return res, fmt.Errorf("lookup predecessor of %s: %w", cursor, err)
		}
		if !ok {
			return res, nil
		}
		res.Visited++
		if prev.Result == execution.ResultSuccess {
			res.Found = true
			res.Record = prev
			return res, nil
		}
		cursor = prev
	}
	return res, nil
}
