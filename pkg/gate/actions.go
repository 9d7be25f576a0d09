package gate

import (
	"github.com/jobcooldown/jobcooldown/pkg/cooldown"
	"github.com/jobcooldown/jobcooldown/pkg/execution"
	"github.com/jobcooldown/jobcooldown/pkg/script"
)

// ActionKind names a side effect the gate applies to a blocked execution.
type ActionKind string

const (
	ActionSetResult   ActionKind = "set_result"
	ActionRunScript   ActionKind = "run_script"
	ActionRequestStop ActionKind = "request_stop"
)

// Action is one step of the cooldown response.
type Action struct {
	Kind ActionKind
	// Result is the status written by ActionSetResult.
	Result execution.Result
	// Script is the composed body run by ActionRunScript.
	Script string
}

// ActionRecord reports what happened to a planned Action.
type ActionRecord struct {
	Action   Action
	Executed bool
	Err      error
}

// Plan returns the ordered response to a decision that is in cooldown. The stop
// request is always last and does not depend on the script outcome.
func Plan(decision cooldown.Decision, template string, platform script.Platform) []Action {
	if !decision.InCooldown {
		return nil
	}
	return []Action{
		{Kind: ActionSetResult, Result: execution.ResultAborted},
		{Kind: ActionRunScript, Script: script.Compose(platform, decision.RemainingSeconds, template)},
		{Kind: ActionRequestStop},
	}
}
