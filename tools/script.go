package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

// maxScriptTimeout caps the timeout a call may request.
const maxScriptTimeout = 10 * time.Minute

// ExecResult is the outcome of running a script.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Output renders stdout and stderr together.
func (r *ExecResult) Output() string {
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Stderr
	}
	return out
}

// interpreters maps script extensions to the command that runs them.
var interpreters = map[string][]string{
	".py":   {"python3"},
	".sh":   {"/bin/sh"},
	".bash": {"/bin/bash"},
	".js":   {"node"},
	".rb":   {"ruby"},
	".pl":   {"perl"},
}

type scriptArgs struct {
	Path           string `json:"path" jsonschema:"description=Script inside the workspace"`
	Interpreter    string `json:"interpreter,omitempty" jsonschema:"description=Command used to run the script; chosen from the extension when empty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	ReturnType     string `json:"return_type,omitempty" jsonschema:"enum=output,enum=stdout,enum=json,description=output (default) merges stdout and stderr; json returns the full result"`
}

func executeScript(cfg Config) (*capability.Capability, error) {
	c, err := capability.Func("execute_script",
		"Run a script from the workspace and return what it printed.",
		CategoryOS,
		func(ctx context.Context, a scriptArgs) (any, error) {
			path, err := resolvePath(cfg.Workspace, a.Path)
			if err != nil {
				return nil, err
			}
			if info, err := os.Stat(path); err != nil || info.IsDir() {
				return nil, failure.New(failure.InvalidArgs, "script %q not found", a.Path)
			}
			command, err := scriptCommand(path, a.Interpreter)
			if err != nil {
				return nil, err
			}

			timeout := cfg.ScriptTimeout
			if a.TimeoutSeconds > 0 {
				timeout = min(time.Duration(a.TimeoutSeconds)*time.Second, maxScriptTimeout)
			}
			res, err := runScript(ctx, command, filepath.Dir(path), timeout)
			if err != nil {
				return nil, err
			}
			cfg.Logger.Debug("script finished", "path", a.Path, "exit_code", res.ExitCode, "duration_ms", res.DurationMs)

			if res.TimedOut {
				return nil, failure.New(failure.Timeout, "script %q exceeded %s", a.Path, timeout)
			}
			if a.ReturnType == "json" {
				return res, nil
			}
			if res.ExitCode != 0 {
				return nil, failure.New(failure.ExecutionError, "script exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Output()))
			}
			if a.ReturnType == "stdout" {
				return res.Stdout, nil
			}
			return res.Output(), nil
		})
	if err != nil {
		return nil, err
	}
	// The script bounds itself; leave headroom over the largest request.
	c.Timeout = maxScriptTimeout + 5*time.Second
	return c, nil
}

func scriptCommand(path, interpreter string) ([]string, error) {
	if interpreter = strings.TrimSpace(interpreter); interpreter != "" {
		return append(strings.Fields(interpreter), path), nil
	}
	if cmd, ok := interpreters[strings.ToLower(filepath.Ext(path))]; ok {
		return append(append([]string{}, cmd...), path), nil
	}
	return nil, failure.New(failure.InvalidArgs, "no interpreter known for %q; pass interpreter", filepath.Base(path))
}

// runScript runs command in its own process group so that a timeout kills
// every child it spawned.
func runScript(ctx context.Context, command []string, dir string, timeout time.Duration) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = filterEnvironment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, failure.Wrap(failure.ExecutionError, err, "start %s", command[0])
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		err      error
		timedOut bool
	)
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		err = <-done
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		if !timedOut {
			return nil, ctx.Err()
		}
	}

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if timedOut {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("execute_script: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// sensitiveEnvPatterns are suffixes of variables never passed to scripts.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}
