package cooldown

import (
	"time"

	"github.com/jobcooldown/jobcooldown/pkg/execution"
)

const (
	// DefaultCooldown applies when a policy leaves the cooldown unset or at zero.
	DefaultCooldown = 2 * time.Hour
	// DefaultMaxDepth bounds how many predecessors the walker inspects.
	DefaultMaxDepth = 20
)

// Decision is the outcome of comparing a reference success against the cooldown window.
type Decision struct {
	InCooldown bool
	// RemainingSeconds is reference+cooldown-now. Only meaningful when InCooldown is set.
	RemainingSeconds int64
	CooldownSeconds  int64
	ElapsedSeconds   int64
	ReferenceStart   int64
	Now              int64
	Reference        *execution.Record
}

// Remaining returns RemainingSeconds as a duration.
func (d Decision) Remaining() time.Duration {
	return time.Duration(d.RemainingSeconds) * time.Second
}

// Evaluator decides whether a reference success still falls inside the cooldown window.
type Evaluator struct {
	defaultCooldown int64
}

// NewEvaluator builds an evaluator. A non-positive fallback selects DefaultCooldown.
func NewEvaluator(fallback time.Duration) Evaluator {
	seconds := int64(fallback / time.Second)
	if seconds <= 0 {
		seconds = int64(DefaultCooldown / time.Second)
	}
	return Evaluator{defaultCooldown: seconds}
}

// DefaultSeconds returns the cooldown used when a policy does not set one.
func (e Evaluator) DefaultSeconds() int64 {
	if e.defaultCooldown <= 0 {
		return int64(DefaultCooldown / time.Second)
	}
	return e.defaultCooldown
}

// EffectiveSeconds resolves the configured cooldown. Zero is treated the same as
// unset and falls back to the default, so a zero value cannot disable the window.
func (e Evaluator) EffectiveSeconds(cooldownSeconds int64) int64 {
	if cooldownSeconds == 0 {
		return e.DefaultSeconds()
	}
	return cooldownSeconds
}

// Evaluate compares referenceStart+cooldown with now at whole-second precision.
// The window is open while now is strictly before its end.
func (e Evaluator) Evaluate(referenceStart time.Time, cooldownSeconds int64, now time.Time) Decision {
	ref := referenceStart.Unix()
	cur := now.Unix()
	window := e.EffectiveSeconds(cooldownSeconds)
	end := ref + window

	return Decision{
		InCooldown:       end > cur,
		RemainingSeconds: end - cur,
		CooldownSeconds:  window,
		ElapsedSeconds:   cur - ref,
		ReferenceStart:   ref,
		Now:              cur,
	}
}

// EvaluateRecord evaluates against the start time of reference and attaches it to the decision.
func (e Evaluator) EvaluateRecord(reference execution.Record, cooldownSeconds int64, now time.Time) Decision {
	decision := e.Evaluate(reference.StartedAt, cooldownSeconds, now)
	ref := reference
	decision.Reference = &ref
	return decision
}
