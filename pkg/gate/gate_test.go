package gate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jobcooldown/jobcooldown/pkg/cooldown"
	"github.com/jobcooldown/jobcooldown/pkg/execution"
	"github.com/jobcooldown/jobcooldown/pkg/observability"
	"github.com/jobcooldown/jobcooldown/pkg/script"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type recordingScheduler struct {
	*execution.MemoryScheduler
	log          *callLog
	previous     int
	setResultErr error
	stopErr      error
}

func (s *recordingScheduler) Previous(ctx context.Context, rec execution.Record) (execution.Record, bool, error) {
	s.previous++
	return s.MemoryScheduler.Previous(ctx, rec)
}

func (s *recordingScheduler) SetResult(ctx context.Context, rec execution.Record, result execution.Result) error {
	s.log.add("set_result:" + result.String())
	if s.setResultErr != nil {
		return s.setResultErr
	}
	return s.MemoryScheduler.SetResult(ctx, rec, result)
}

func (s *recordingScheduler) RequestStop(ctx context.Context, rec execution.Record) error {
	s.log.add("request_stop")
	if s.stopErr != nil {
		return s.stopErr
	}
	return s.MemoryScheduler.RequestStop(ctx, rec)
}

type brokenHistory struct {
	execution.Scheduler
	err error
}

func (b brokenHistory) Previous(context.Context, execution.Record) (execution.Record, bool, error) {
	return execution.Record{}, false, b.err
}

type fakeLauncher struct {
	log      *callLog
	posix    bool
	result   script.Result
	err      error
	requests []script.Request
}

func (f *fakeLauncher) IsPosix() bool { return f.posix }

func (f *fakeLauncher) Run(ctx context.Context, req script.Request) (script.Result, error) {
	f.log.add("run_script")
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type fixture struct {
	scheduler *recordingScheduler
	launcher  *fakeLauncher
	console   *bytes.Buffer
	metrics   []observability.Metric
	current   execution.Record
	log       *callLog
}

func newFixture(history ...execution.Record) *fixture {
	log := &callLog{}
	current := execution.Record{Job: "deploy", Number: int64(len(history) + 1), StartedAt: time.Unix(1990, 0), Result: execution.ResultUnknown}
	records := append(append([]execution.Record(nil), history...), current)
	return &fixture{
		scheduler: &recordingScheduler{MemoryScheduler: execution.NewMemoryScheduler(records...), log: log},
		launcher:  &fakeLauncher{log: log, posix: true},
		console:   &bytes.Buffer{},
		current:   current,
		log:       log,
	}
}

func (f *fixture) gate(t *testing.T, policy Policy, opts ...Option) *Gate {
	t.Helper()
	reporter := NewStructuredReporter(
		observability.NewConsoleLogger(f.console),
		observability.MetricsCollectorFunc(func(m observability.Metric) { f.metrics = append(f.metrics, m) }),
	)
	base := []Option{
		WithReporter(reporter),
		WithTimeSource(func() time.Time { return time.Unix(2000, 0) }),
		WithIDGenerator(func() string { return "eval-1" }),
	}
	g, err := New(policy, f.scheduler, f.launcher, append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	return g
}

func (f *fixture) consoleLines() []string {
	return strings.Split(strings.TrimSuffix(f.console.String(), "\n"), "\n")
}

func (f *fixture) counter(name, label, value string) float64 {
	var total float64
	for _, m := range f.metrics {
		if m.Name == name && m.Labels[label] == value {
			total += m.Value
		}
	}
	return total
}

func success(number, started int64) execution.Record {
	return execution.Record{Job: "deploy", Number: number, StartedAt: time.Unix(started, 0), Result: execution.ResultSuccess}
}

func failure(number, started int64) execution.Record {
	return execution.Record{Job: "deploy", Number: number, StartedAt: time.Unix(started, 0), Result: execution.ResultFailure}
}

func seconds(n int64) *int64 { return &n }

func TestGateBlocksExecutionInsideCooldown(t *testing.T) {
	f := newFixture(success(1, 1000), failure(2, 1500))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.sh"})

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeCooldown || !out.Blocked() {
		t.Fatalf("expected cooldown outcome, got %s", out.Status)
	}
	if out.Decision == nil || out.Decision.RemainingSeconds != 2600 {
		t.Fatalf("expected 2600s remaining, got %+v", out.Decision)
	}
	if out.Walk.Record.Number != 1 || out.Walk.Visited != 2 {
		t.Fatalf("expected reference #1 after two hops, got %+v", out.Walk)
	}
	if out.Script != "remainCoolTime=2600;\nnotify.sh" {
		t.Fatalf("unexpected composed script %q", out.Script)
	}
	if out.ScriptStatus != execution.ResultSuccess {
		t.Fatalf("expected script status SUCCESS, got %s", out.ScriptStatus)
	}

	want := []string{"set_result:ABORTED", "run_script", "request_stop"}
	if got := f.log.snapshot(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected actions %v, got %v", want, got)
	}
	if len(out.Actions) != 3 {
		t.Fatalf("expected three action records, got %d", len(out.Actions))
	}
	for i, kind := range []ActionKind{ActionSetResult, ActionRunScript, ActionRequestStop} {
		if out.Actions[i].Action.Kind != kind || !out.Actions[i].Executed {
			t.Fatalf("action %d: expected executed %s, got %+v", i, kind, out.Actions[i])
		}
	}

	stored, err := f.scheduler.Get(context.Background(), "deploy", f.current.Number)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if stored.Result != execution.ResultAborted {
		t.Fatalf("expected current execution to be ABORTED, got %s", stored.Result)
	}

	req := f.launcher.requests[0]
	if req.Env["REMAIN_COOL_TIME"] != "2600" || req.Env["COOLDOWN_BUILD_NUMBER"] != "3" || req.Env["COOLDOWN_JOB"] != "deploy" {
		t.Fatalf("unexpected script env: %v", req.Env)
	}
	if f.counter("gate_evaluations_total", "status", "cooldown") != 1 {
		t.Fatalf("expected cooldown outcome metric, got %+v", f.metrics)
	}
}

func TestGateConsoleSequence(t *testing.T) {
	f := newFixture(success(1, 1000))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.sh"})

	if _, err := g.Check(context.Background(), f.current); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"[JobCooldown] [start]",
		"[JobCooldown] coolDownOpen=true",
		"[JobCooldown] cooldownTime=3600",
		"[JobCooldown] cooldownScript=notify.sh",
		"[JobCooldown] nearestSuccessBuild =1,curTime=2000, prevTime=1000, sub=1000, cooldown=3600",
		"[JobCooldown] cur job cooling, stop job",
		"[JobCooldown] Running script  : notify.sh",
		"[JobCooldown] Running script result : SUCCESS",
		"[JobCooldown] [end]",
	}
	got := f.consoleLines()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected console output:\n%s", strings.Join(got, "\n"))
	}
}

func TestGateScriptFailureStillAbortsAndStops(t *testing.T) {
	for name, configure := range map[string]func(*fakeLauncher){
		"non-zero exit": func(l *fakeLauncher) { l.result = script.Result{ExitCode: 2} },
		"launch error":  func(l *fakeLauncher) { l.err = errors.New("no such shell") },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(success(1, 1000))
			configure(f.launcher)
			g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.sh"})

			out, err := g.Check(context.Background(), f.current)
			if err != nil {
				t.Fatalf("script failure must not fail the gate: %v", err)
			}
			if out.ScriptStatus != execution.ResultFailure {
				t.Fatalf("expected FAILURE script status, got %s", out.ScriptStatus)
			}
			want := "set_result:ABORTED,run_script,request_stop"
			if got := strings.Join(f.log.snapshot(), ","); got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
			stopped, _ := f.scheduler.StopRequested(context.Background(), "deploy", f.current.Number)
			if !stopped {
				t.Fatal("expected stop to be requested after script failure")
			}
			if !strings.Contains(f.console.String(), "Running script result : FAILURE") {
				t.Fatalf("expected failure to be logged, got %s", f.console.String())
			}
			if f.counter("remediation_scripts_total", "result", "FAILURE") != 1 {
				t.Fatalf("expected failure metric, got %+v", f.metrics)
			}
		})
	}
}

func TestGateNoPriorSuccessIsClear(t *testing.T) {
	f := newFixture()
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.sh"})

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeNoBaseline || out.Blocked() {
		t.Fatalf("expected no_baseline, got %s", out.Status)
	}
	if out.Decision != nil {
		t.Fatalf("evaluator must not run without a baseline, got %+v", out.Decision)
	}
	if calls := f.log.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no side effects, got %v", calls)
	}
	if changes := f.scheduler.ResultChanges(); len(changes) != 0 {
		t.Fatalf("expected no result changes, got %v", changes)
	}
}

func TestGateOnlyFailuresInHistoryIsClear(t *testing.T) {
	f := newFixture(failure(1, 1000), failure(2, 1500))
	g := f.gate(t, Policy{Enabled: true, Script: "notify.sh"})

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeNoBaseline {
		t.Fatalf("expected no_baseline, got %s", out.Status)
	}
	if out.Walk.Visited != 2 {
		t.Fatalf("expected both predecessors visited, got %d", out.Walk.Visited)
	}
}

func TestGateClearAfterCooldownExpired(t *testing.T) {
	f := newFixture(success(1, 1000))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(1000), Script: "notify.sh"})

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeClear {
		t.Fatalf("expected clear at exact expiry, got %s", out.Status)
	}
	if out.Decision == nil || out.Decision.InCooldown {
		t.Fatalf("expected decision outside cooldown, got %+v", out.Decision)
	}
	if calls := f.log.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no side effects, got %v", calls)
	}
	lines := f.consoleLines()
	if lines[len(lines)-1] != "[JobCooldown] [end]" {
		t.Fatalf("expected [end] as last line, got %v", lines)
	}
}

func TestGateZeroCooldownUsesDefault(t *testing.T) {
	f := newFixture(success(1, 1000))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(0), Script: "notify.sh"})

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Decision == nil || out.Decision.CooldownSeconds != 7200 {
		t.Fatalf("expected default cooldown of 7200s, got %+v", out.Decision)
	}
	if out.Decision.RemainingSeconds != 6200 {
		t.Fatalf("expected 6200s remaining, got %d", out.Decision.RemainingSeconds)
	}
}

func TestGateInjectedDefaultCooldown(t *testing.T) {
	f := newFixture(success(1, 1000))
	g := f.gate(t, Policy{Enabled: true, Script: "notify.sh"}, WithDefaultCooldown(10*time.Minute))

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeClear {
		t.Fatalf("expected clear with a 600s default, got %s", out.Status)
	}
	if !strings.Contains(f.console.String(), "cooldownTime=null") {
		t.Fatalf("expected unset cooldown to be logged as null, got %s", f.console.String())
	}
}

func TestGateMaxDepthBoundsWalk(t *testing.T) {
	f := newFixture(success(1, 1000), failure(2, 1100), failure(3, 1200))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600)}, WithMaxDepth(2))

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeNoBaseline {
		t.Fatalf("expected success beyond depth to be ignored, got %s", out.Status)
	}
	if f.scheduler.previous != 2 {
		t.Fatalf("expected exactly two predecessor lookups, got %d", f.scheduler.previous)
	}
}

func TestGateDisabledSkipsHistory(t *testing.T) {
	f := newFixture(success(1, 1990))
	g := f.gate(t, Policy{Enabled: false, Script: "notify.sh"})

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeDisabled {
		t.Fatalf("expected disabled, got %s", out.Status)
	}
	if f.scheduler.previous != 0 {
		t.Fatalf("expected history untouched, got %d lookups", f.scheduler.previous)
	}
	want := []string{
		"[JobCooldown] [start]",
		"[JobCooldown] coolDownOpen=false",
		"[JobCooldown] cooldownTime=null",
		"[JobCooldown] cooldownScript=notify.sh",
		"[JobCooldown] [end]",
	}
	if got := f.consoleLines(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected console output:\n%s", strings.Join(got, "\n"))
	}
}

func TestGateWindowsPrefix(t *testing.T) {
	f := newFixture(success(1, 1000))
	f.launcher.posix = false
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.bat"})

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Script != "set remainCoolTime=2600;\nnotify.bat" {
		t.Fatalf("unexpected windows script %q", out.Script)
	}
}

func TestGateSetResultFailurePropagates(t *testing.T) {
	f := newFixture(success(1, 1000))
	f.scheduler.setResultErr = errors.New("scheduler offline")
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.sh"})

	_, err := g.Check(context.Background(), f.current)
	if err == nil || !strings.Contains(err.Error(), "scheduler offline") {
		t.Fatalf("expected propagated host error, got %v", err)
	}
	if got := strings.Join(f.log.snapshot(), ","); got != "set_result:ABORTED" {
		t.Fatalf("expected sequence to stop after failed set_result, got %s", got)
	}
	if strings.Contains(f.console.String(), "[end]") {
		t.Fatalf("expected no [end] line after host failure, got %s", f.console.String())
	}
	if f.counter("host_actions_total", "result", "error") != 1 {
		t.Fatalf("expected host error metric, got %+v", f.metrics)
	}
}

func TestGateRequestStopFailurePropagates(t *testing.T) {
	f := newFixture(success(1, 1000))
	f.scheduler.stopErr = errors.New("executor gone")
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.sh"})

	out, err := g.Check(context.Background(), f.current)
	if err == nil || !strings.Contains(err.Error(), "executor gone") {
		t.Fatalf("expected propagated host error, got %v", err)
	}
	if out.ScriptStatus != execution.ResultSuccess {
		t.Fatalf("expected script to have run before stop, got %s", out.ScriptStatus)
	}
}

func TestGateHistoryFailurePropagates(t *testing.T) {
	f := newFixture(success(1, 1000))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600)})

	walker, err := cooldown.NewWalker(brokenHistory{err: errors.New("etcd unavailable")}, 0)
	if err != nil {
		t.Fatalf("failed to create walker: %v", err)
	}
	g.walker = walker

	_, err = g.Check(context.Background(), f.current)
	if err == nil || !strings.Contains(err.Error(), "etcd unavailable") {
		t.Fatalf("expected history error to propagate, got %v", err)
	}
	if len(f.log.snapshot()) != 0 {
		t.Fatal("expected no side effects when history fails")
	}
}

func TestGateDryRunPlansWithoutSideEffects(t *testing.T) {
	f := newFixture(success(1, 1000))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(3600), Script: "notify.sh"}, WithDryRun(true))

	out, err := g.Check(context.Background(), f.current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.DryRun || out.Status != OutcomeCooldown {
		t.Fatalf("expected dry-run cooldown outcome, got %+v", out)
	}
	if out.Script != "remainCoolTime=2600;\nnotify.sh" {
		t.Fatalf("expected planned script, got %q", out.Script)
	}
	if calls := f.log.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no side effects in dry-run, got %v", calls)
	}
	for _, rec := range out.Actions {
		if rec.Executed {
			t.Fatalf("expected action %s to be skipped", rec.Action.Kind)
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Policy{}, nil, &fakeLauncher{}); err == nil {
		t.Fatal("expected error without scheduler")
	}
	if _, err := New(Policy{}, execution.NewMemoryScheduler(), nil); err == nil {
		t.Fatal("expected error without launcher")
	}
	if _, err := New(Policy{}, execution.NewMemoryScheduler(), nil, WithDryRun(true)); err != nil {
		t.Fatalf("dry-run gate should not need a launcher: %v", err)
	}
	if _, err := New(Policy{CooldownSeconds: seconds(-1)}, execution.NewMemoryScheduler(), &fakeLauncher{}); err == nil {
		t.Fatal("expected error for negative cooldown")
	}
}

func TestPlanOnlyForCooldown(t *testing.T) {
	f := newFixture(success(1, 1000))
	g := f.gate(t, Policy{Enabled: true, CooldownSeconds: seconds(100)})
	decision := g.evaluator.Evaluate(time.Unix(1000, 0), 100, time.Unix(2000, 0))
	if actions := Plan(decision, "x", script.PlatformPosix); actions != nil {
		t.Fatalf("expected no actions outside cooldown, got %v", actions)
	}
}
