package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

const (
	defaultPosixShell   = "/bin/sh -xe"
	defaultWindowsShell = "cmd /c call"
)

// Launcher runs a composed remediation script on behalf of the gate.
type Launcher interface {
	IsPosix() bool
	Run(ctx context.Context, req Request) (Result, error)
}

// Request describes a single script execution.
type Request struct {
	Script    string
	Workspace string
	Env       map[string]string
}

// Result captures the outcome of executing a script.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Succeeded reports whether the script exited with status zero.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// ShellOptions configures a ShellLauncher.
type ShellOptions struct {
	Platform Platform
	// Shell is the interpreter command line; the script file path is appended to it.
	Shell   string
	Timeout time.Duration
	Env     map[string]string
	// Output, when set, also receives the script's stdout and stderr as they are produced.
	Output io.Writer
}

// ShellLauncher writes scripts to a temporary file in the workspace and runs them
// through the platform shell, enforcing a timeout and injecting environment variables.
type ShellLauncher struct {
	platform Platform
	shell    []string
	timeout  time.Duration
	env      map[string]string
	output   io.Writer
}

// NewShellLauncher constructs a launcher for the given platform.
func NewShellLauncher(opts ShellOptions) (*ShellLauncher, error) {
	line := strings.TrimSpace(opts.Shell)
	if line == "" {
		line = defaultPosixShell
		if opts.Platform == PlatformWindows {
			line = defaultWindowsShell
		}
	}
	shell, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse shell command %q: %w", line, err)
	}
	if len(shell) == 0 {
		return nil, errors.New("shell command must not be empty")
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("script timeout must be non-negative, got %s", opts.Timeout)
	}

	envCopy := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		envCopy[k] = v
	}
	launcher := &ShellLauncher{
		platform: opts.Platform,
		shell:    shell,
		timeout:  opts.Timeout,
		env:      envCopy,
	}
	if opts.Output != nil {
		launcher.output = &lockedWriter{w: opts.Output}
	}
	return launcher, nil
}

// IsPosix implements Launcher.
func (l *ShellLauncher) IsPosix() bool {
	return l.platform == PlatformPosix
}

// Shell returns the parsed interpreter command line.
func (l *ShellLauncher) Shell() []string {
	return append([]string(nil), l.shell...)
}

// Run implements Launcher. A non-zero exit is reported through Result.ExitCode; the
// error return is reserved for scripts that could not be started or timed out.
func (l *ShellLauncher) Run(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	workspace := strings.TrimSpace(req.Workspace)
	if workspace == "" {
		workspace = os.TempDir()
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare workspace: %w", err)
	}

	path, err := l.writeScript(workspace, req.Script)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(path)

	execCtx := ctx
	var cancel context.CancelFunc
	if l.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), l.shell[1:]...), path)
	cmd := exec.CommandContext(execCtx, l.shell[0], args...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), formatEnv(l.env)...)
	cmd.Env = append(cmd.Env, formatEnv(req.Env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = l.tee(&stdout)
	cmd.Stderr = l.tee(&stderr)

	start := time.Now()
	err = cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("remediation script timed out after %s", l.timeout)
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("remediation script execution failed: %w", err)
	}
	return result, nil
}

func (l *ShellLauncher) writeScript(workspace, body string) (string, error) {
	pattern := "jobcooldown-*.sh"
	if l.platform == PlatformWindows {
		pattern = "jobcooldown-*.bat"
	}
	f, err := os.CreateTemp(workspace, pattern)
	if err != nil {
		return "", fmt.Errorf("create script file: %w", err)
	}
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write script file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close script file: %w", err)
	}
	if l.platform == PlatformPosix {
		if err := os.Chmod(f.Name(), 0o700); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("chmod script file: %w", err)
		}
	}
	return f.Name(), nil
}

func (l *ShellLauncher) tee(buf *bytes.Buffer) io.Writer {
	if l.output == nil {
		return buf
	}
	return io.MultiWriter(buf, l.output)
}

// lockedWriter serialises writes from the stdout and stderr copy goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func formatEnv(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	formatted := make([]string, 0, len(values))
	for k, v := range values {
		formatted = append(formatted, k+"="+v)
	}
	sort.Strings(formatted)
	return formatted
}

var _ Launcher = (*ShellLauncher)(nil)
