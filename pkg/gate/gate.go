package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jobcooldown/jobcooldown/pkg/cooldown"
	"github.com/jobcooldown/jobcooldown/pkg/execution"
	"github.com/jobcooldown/jobcooldown/pkg/observability"
	"github.com/jobcooldown/jobcooldown/pkg/script"
)

// Policy is the per-job cooldown configuration.
type Policy struct {
	Enabled bool
	// CooldownSeconds is nil when unset. Nil and zero both select the default cooldown.
	CooldownSeconds *int64
	Script          string
}

func (p Policy) cooldownSeconds() int64 {
	if p.CooldownSeconds == nil {
		return 0
	}
	return *p.CooldownSeconds
}

func (p Policy) cooldownLabel() string {
	if p.CooldownSeconds == nil {
		return "null"
	}
	return strconv.FormatInt(*p.CooldownSeconds, 10)
}

// OutcomeStatus represents the final decision of a single gate evaluation.
type OutcomeStatus string

const (
	OutcomeDisabled   OutcomeStatus = "disabled"
	OutcomeNoBaseline OutcomeStatus = "no_baseline"
	OutcomeClear      OutcomeStatus = "clear"
	OutcomeCooldown   OutcomeStatus = "cooldown"
)

// Outcome summarises the steps performed during Check.
type Outcome struct {
	Status       OutcomeStatus
	Message      string
	EvaluationID string
	DryRun       bool
	Walk         cooldown.WalkResult
	Decision     *cooldown.Decision
	Script       string
	ScriptResult *script.Result
	ScriptStatus execution.Result
	Actions      []ActionRecord
}

// Blocked reports whether the execution was stopped by the cooldown.
func (o Outcome) Blocked() bool {
	return o.Status == OutcomeCooldown
}

// Gate decides whether a job execution may proceed and applies the cooldown response.
type Gate struct {
	policy          Policy
	scheduler       execution.Scheduler
	launcher        script.Launcher
	walker          *cooldown.Walker
	evaluator       cooldown.Evaluator
	reporter        Reporter
	now             func() time.Time
	newID           func() string
	maxDepth        int
	defaultCooldown time.Duration
	workspace       string
	env             map[string]string
	dryRun          bool
	platform        *script.Platform
}

// Option configures a Gate.
type Option func(*Gate)

// WithReporter attaches an observability reporter to the gate.
func WithReporter(rep Reporter) Option {
	return func(g *Gate) {
		if rep != nil {
			g.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithMaxDepth bounds how many predecessors are inspected for a success.
func WithMaxDepth(n int) Option {
	return func(g *Gate) {
		g.maxDepth = n
	}
}

// WithDefaultCooldown overrides the cooldown used when the policy leaves it unset or zero.
func WithDefaultCooldown(d time.Duration) Option {
	return func(g *Gate) {
		g.defaultCooldown = d
	}
}

// WithWorkspace sets the directory remediation scripts run in.
func WithWorkspace(dir string) Option {
	return func(g *Gate) {
		g.workspace = dir
	}
}

// WithScriptEnv adds environment variables to every remediation script run.
func WithScriptEnv(env map[string]string) Option {
	return func(g *Gate) {
		for k, v := range env {
			g.env[k] = v
		}
	}
}

// WithDryRun plans the cooldown response without touching the host or running scripts.
func WithDryRun(enabled bool) Option {
	return func(g *Gate) {
		g.dryRun = enabled
	}
}

// WithPlatform fixes the script dialect instead of asking the launcher.
func WithPlatform(p script.Platform) Option {
	return func(g *Gate) {
		g.platform = &p
	}
}

// WithIDGenerator overrides how evaluation ids are produced.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gate) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// New constructs a Gate. The launcher may only be nil in dry-run mode.
func New(policy Policy, scheduler execution.Scheduler, launcher script.Launcher, opts ...Option) (*Gate, error) {
	if scheduler == nil {
		return nil, errors.New("execution scheduler must not be nil")
	}
	if policy.CooldownSeconds != nil && *policy.CooldownSeconds < 0 {
		return nil, fmt.Errorf("cooldown must be non-negative, got %d", *policy.CooldownSeconds)
	}

	g := &Gate{
		policy:    policy,
		scheduler: scheduler,
		launcher:  launcher,
		reporter:  NoopReporter{},
		now:       time.Now,
		newID:     uuid.NewString,
		maxDepth:  cooldown.DefaultMaxDepth,
		env:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.launcher == nil && !g.dryRun {
		return nil, errors.New("script launcher must not be nil")
	}
	walker, err := cooldown.NewWalker(scheduler, g.maxDepth)
	if err != nil {
		return nil, err
	}
	g.walker = walker
	g.maxDepth = walker.MaxDepth()
	g.evaluator = cooldown.NewEvaluator(g.defaultCooldown)

	return g, nil
}

// Check evaluates current against its history. It returns an error only when the host
// scheduler fails; script failures are reported in the outcome.
func (g *Gate) Check(ctx context.Context, current execution.Record) (out Outcome, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ev := evaluation{gate: g, ctx: ctx, current: current, id: g.newID()}
	out.EvaluationID = ev.id
	out.DryRun = g.dryRun

	defer func() {
		if err != nil {
			ev.emit(observability.LevelError, "gate_failed", "evaluation failed: "+err.Error(), map[string]interface{}{"error": err.Error()})
			return
		}
		g.recordOutcome(ev, out)
	}()

	ev.emit(observability.LevelInfo, "gate_start", "[start]", nil)
	ev.emit(observability.LevelInfo, "policy_enabled", fmt.Sprintf("coolDownOpen=%t", g.policy.Enabled), map[string]interface{}{"enabled": g.policy.Enabled})
	ev.emit(observability.LevelInfo, "policy_cooldown", "cooldownTime="+g.policy.cooldownLabel(), map[string]interface{}{"cooldown": g.policy.cooldownLabel()})
	ev.emit(observability.LevelInfo, "policy_script", "cooldownScript="+g.policy.Script, nil)

	if !g.policy.Enabled {
		out.Status = OutcomeDisabled
		out.Message = "cooldown disabled for job"
		return out, nil
	}

	walk, err := g.walker.FindNearestSuccess(ctx, current)
	out.Walk = walk
	if err != nil {
		return out, fmt.Errorf("walk execution history: %w", err)
	}
	g.reporter.RecordMetric(observability.Metric{
		Name:        "history_walk_depth",
		Type:        observability.MetricHistogram,
		Value:       float64(walk.Visited),
		Labels:      map[string]string{"found": strconv.FormatBool(walk.Found)},
		Description: "Predecessors inspected while searching for the nearest success.",
	})
	if !walk.Found {
		ev.emit(observability.LevelInfo, "no_baseline",
			fmt.Sprintf("nearestSuccessBuild =none, visited=%d, maxDepth=%d", walk.Visited, g.maxDepth),
			map[string]interface{}{"visited": walk.Visited, "max_depth": g.maxDepth})
		out.Status = OutcomeNoBaseline
		out.Message = fmt.Sprintf("no successful execution within %d previous runs", g.maxDepth)
		return out, nil
	}

	decision := g.evaluator.EvaluateRecord(walk.Record, g.policy.cooldownSeconds(), g.now())
	out.Decision = &decision
	ev.emit(observability.LevelInfo, "cooldown_evaluated",
		fmt.Sprintf("nearestSuccessBuild =%d,curTime=%d, prevTime=%d, sub=%d, cooldown=%d",
			walk.Record.Number, decision.Now, decision.ReferenceStart, decision.ElapsedSeconds, decision.CooldownSeconds),
		map[string]interface{}{
			"reference_build":   walk.Record.Number,
			"in_cooldown":       decision.InCooldown,
			"remaining_seconds": decision.RemainingSeconds,
			"visited":           walk.Visited,
		})

	if !decision.InCooldown {
		out.Status = OutcomeClear
		out.Message = fmt.Sprintf("cooldown since #%d expired", walk.Record.Number)
		return out, nil
	}

	out.Status = OutcomeCooldown
	out.Message = fmt.Sprintf("last success #%d is %ds inside the %ds cooldown", walk.Record.Number, decision.ElapsedSeconds, decision.CooldownSeconds)
	g.reporter.RecordMetric(observability.Metric{
		Name:        "cooldown_remaining_seconds",
		Type:        observability.MetricGauge,
		Value:       float64(decision.RemainingSeconds),
		Description: "Remaining cooldown reported to the last blocked execution.",
		Unit:        "seconds",
	})
	ev.emit(observability.LevelWarn, "cooldown_active", "cur job cooling, stop job",
		map[string]interface{}{"remaining_seconds": decision.RemainingSeconds})

	if err := g.apply(ev, decision, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (g *Gate) scriptPlatform() script.Platform {
	if g.platform != nil {
		return *g.platform
	}
	if g.launcher == nil {
		return script.HostPlatform()
	}
	return script.PlatformFor(g.launcher.IsPosix())
}

// apply executes the planned actions in order. Host failures abort the sequence;
// script failures are recorded and the sequence continues.
func (g *Gate) apply(ev evaluation, decision cooldown.Decision, out *Outcome) error {
	for _, action := range Plan(decision, g.policy.Script, g.scriptPlatform()) {
		rec := ActionRecord{Action: action}
		if g.dryRun {
			if action.Kind == ActionRunScript {
				out.Script = action.Script
			}
			out.Actions = append(out.Actions, rec)
			ev.emit(observability.LevelInfo, "action_skipped", fmt.Sprintf("dry-run: skipping %s", action.Kind),
				map[string]interface{}{"action": string(action.Kind)})
			continue
		}

		switch action.Kind {
		case ActionSetResult:
			rec.Err = g.scheduler.SetResult(ev.ctx, ev.current, action.Result)
			g.recordHostAction(action.Kind, rec.Err)
		case ActionRunScript:
			out.Script = action.Script
			ev.emit(observability.LevelInfo, "script_start", "Running script  : "+g.policy.Script, nil)
			res, status, runErr := g.runScript(ev, action.Script, decision.RemainingSeconds)
			out.ScriptResult = &res
			out.ScriptStatus = status
			rec.Err = runErr
			g.recordScript(ev, res, status, runErr)
		case ActionRequestStop:
			rec.Err = g.scheduler.RequestStop(ev.ctx, ev.current)
			g.recordHostAction(action.Kind, rec.Err)
		}
		rec.Executed = true
		out.Actions = append(out.Actions, rec)

		if rec.Err != nil && action.Kind != ActionRunScript {
			return fmt.Errorf("%s for %s: %w", action.Kind, ev.current, rec.Err)
		}
	}
	return nil
}

func (g *Gate) runScript(ev evaluation, body string, remaining int64) (script.Result, execution.Result, error) {
	env := make(map[string]string, len(g.env)+3)
	for k, v := range g.env {
		env[k] = v
	}
	env["REMAIN_COOL_TIME"] = strconv.FormatInt(remaining, 10)
	env["COOLDOWN_JOB"] = ev.current.Job
	env["COOLDOWN_BUILD_NUMBER"] = strconv.FormatInt(ev.current.Number, 10)

	res, err := g.launcher.Run(ev.ctx, script.Request{Script: body, Workspace: g.workspace, Env: env})
	if err != nil || !res.Succeeded() {
		return res, execution.ResultFailure, err
	}
	return res, execution.ResultSuccess, nil
}

type evaluation struct {
	gate    *Gate
	ctx     context.Context
	current execution.Record
	id      string
}

func (e evaluation) emit(level observability.Level, name, message string, fields map[string]interface{}) {
	e.gate.reporter.RecordEvent(e.ctx, observability.Event{
		Level:        level,
		Job:          e.current.Job,
		Build:        e.current.Number,
		EvaluationID: e.id,
		Event:        name,
		Message:      message,
		Fields:       fields,
	})
}

func (g *Gate) recordScript(ev evaluation, res script.Result, status execution.Result, runErr error) {
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if status != execution.ResultSuccess {
		level = observability.LevelWarn
	}
	if runErr != nil {
		level = observability.LevelError
		fields["error"] = runErr.Error()
	}

	labels := map[string]string{"result": status.String()}
	g.reporter.RecordMetric(observability.Metric{
		Name:        "remediation_scripts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of remediation script runs grouped by result.",
	})
	g.reporter.RecordMetric(observability.Metric{
		Name:        "remediation_script_seconds",
		Type:        observability.MetricHistogram,
		Value:       res.Duration.Seconds(),
		Labels:      labels,
		Description: "Execution time of remediation scripts.",
		Unit:        "seconds",
	})

	ev.emit(level, "script_result", "Running script result : "+status.String(), fields)
}

func (g *Gate) recordHostAction(kind ActionKind, actionErr error) {
	result := "success"
	if actionErr != nil {
		result = "error"
	}
	g.reporter.RecordMetric(observability.Metric{
		Name:        "host_actions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"action": string(kind), "result": result},
		Description: "Number of scheduler calls made for blocked executions grouped by action and result.",
	})
}

func (g *Gate) recordOutcome(ev evaluation, out Outcome) {
	if out.Status == "" {
		return
	}

	level := observability.LevelInfo
	if out.Status == OutcomeCooldown {
		level = observability.LevelWarn
	}
	fields := map[string]interface{}{
		"status":  string(out.Status),
		"dry_run": out.DryRun,
	}
	if out.Message != "" {
		fields["message"] = out.Message
	}
	if out.Decision != nil {
		fields["remaining_seconds"] = out.Decision.RemainingSeconds
	}
	if out.ScriptStatus != "" {
		fields["script_status"] = out.ScriptStatus.String()
	}

	g.reporter.RecordMetric(observability.Metric{
		Name:        "gate_evaluations_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"status": string(out.Status)},
		Description: "Number of gate evaluations grouped by outcome status.",
	})

	ev.emit(level, "gate_end", "[end]", fields)
}
