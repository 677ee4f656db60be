package adb

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"ApkExtractor/pkg/types"
)

// Executor runs one adb command to completion.
// A non-zero exit is reported in the result, not as an error.
type Executor interface {
	Run(ctx context.Context, cmd Command) (types.CommandResult, error)
}

// Runner executes commands against a real adb binary.
type Runner struct {
	binary    string
	waitDelay time.Duration

	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
}

// NewRunner creates a runner for the given adb path ("adb" resolves through PATH).
func NewRunner(binary string) *Runner {
	if binary == "" {
		binary = "adb"
	}
	return &Runner{
		binary:    binary,
		waitDelay: 2 * time.Second,
		running:   make(map[*exec.Cmd]struct{}),
	}
}

// Binary returns the configured executable.
func (r *Runner) Binary() string {
	return r.binary
}

// Run starts the command and waits for it. Cancelling ctx kills the child.
func (r *Runner) Run(ctx context.Context, c Command) (types.CommandResult, error) {
	result := types.CommandResult{Command: c.String(), ExitCode: -1}

	cmd := exec.CommandContext(ctx, r.binary, c.Argv()...)
	cmd.Env = cleanEnv(os.Environ())
	cmd.WaitDelay = r.waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		result.Elapsed = time.Since(start)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return result, &types.Error{
				Kind:    types.KindToolNotFound,
				Op:      c.Action,
				Message: "adb not found, install Android SDK Platform-Tools and make sure adb is in PATH",
				Err:     err,
			}
		}
		return result, types.WrapError(types.KindLaunchFailure, c.Action, err)
	}

	r.track(cmd)
	err := cmd.Wait()
	r.untrack(cmd)

	result.Elapsed = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, types.WrapError(types.KindLaunchFailure, c.Action, err)
	}
	return result, nil
}

// Terminate kills every child still running.
func (r *Runner) Terminate() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for cmd := range r.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			n++
		}
	}
	return n
}

// Running returns the number of live children.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) track(cmd *exec.Cmd) {
	r.mu.Lock()
	r.running[cmd] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrack(cmd *exec.Cmd) {
	r.mu.Lock()
	delete(r.running, cmd)
	r.mu.Unlock()
}

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}

// cleanEnv drops proxy variables; adb talks to a local server and must not be proxied.
func cleanEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			out = append(out, e)
		}
	}
	return out
}

// Call is the future for one asynchronously executed command.
type Call struct {
	Command Command
	done    chan struct{}
	result  types.CommandResult
	err     error
}

// Go runs cmd on its own goroutine and returns immediately.
func Go(ctx context.Context, e Executor, cmd Command) *Call {
	c := &Call{Command: cmd, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		c.result, c.err = e.Run(ctx, cmd)
	}()
	return c
}

// Done is closed when the command has finished.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the command finishes.
func (c *Call) Result() (types.CommandResult, error) {
	<-c.done
	return c.result, c.err
}
