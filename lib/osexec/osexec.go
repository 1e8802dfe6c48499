// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package osexec is the single choke point for invoking external system
// tools (sfdisk, losetup, cryptsetup, mkfs.*, systemd-nspawn, ...).
//
// All image-building logic goes through the [Runner] interface rather
// than os/exec directly, so tests can substitute a recording fake and
// assert on the exact command lines without root privileges or real
// block devices.
package osexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Spec describes one external tool invocation.
type Spec struct {
	// Argv is the command line. Argv[0] is the tool name, resolved
	// against PATH.
	Argv []string

	// Stdin is connected to the tool's standard input when non-nil.
	// Used for sfdisk table scripts and cryptsetup passphrases.
	Stdin io.Reader

	// Stdout receives the tool's standard output when non-nil.
	// When nil, stdout is captured and attached to any ToolError.
	Stdout io.Writer

	// Stderr receives the tool's standard error when non-nil.
	// When nil, stderr is captured and attached to any ToolError.
	Stderr io.Writer

	// Env lists extra KEY=VALUE pairs appended to the inherited
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string
}

// Runner executes external tools.
type Runner interface {
	// Run executes the tool and waits for it to exit. A non-zero exit
	// is returned as a *ToolError carrying the captured output.
	Run(ctx context.Context, spec Spec) error

	// Output executes the tool and returns its standard output.
	// Spec.Stdout must be nil.
	Output(ctx context.Context, spec Spec) ([]byte, error)
}

// ToolError is returned when an external tool exits non-zero or cannot
// be started. Output holds whatever the tool wrote to its captured
// streams, which is usually the actually useful diagnostic.
type ToolError struct {
	// Tool is the command name (Argv[0]).
	Tool string

	// Code is the exit code, or -1 if the tool did not run.
	Code int

	// Output is the captured (non-redirected) output, trimmed.
	Output string

	// Err is the underlying error from os/exec.
	Err error
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s failed with exit code %d: %s", e.Tool, e.Code, e.Output)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ExitStatus extracts the exit code from an error returned by a Runner.
// Returns (0, false) if the error is not a ToolError.
func ExitStatus(err error) (int, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Code, true
	}
	return 0, false
}

// execRunner is the production Runner backed by os/exec.
type execRunner struct {
	logger *slog.Logger
}

// New returns a Runner that executes tools on the host. Every
// invocation is logged at Debug level with its full command line.
func New(logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &execRunner{logger: logger}
}

func (r *execRunner) Run(ctx context.Context, spec Spec) error {
	_, err := r.execute(ctx, spec, false)
	return err
}

func (r *execRunner) Output(ctx context.Context, spec Spec) ([]byte, error) {
	return r.execute(ctx, spec, true)
}

func (r *execRunner) execute(ctx context.Context, spec Spec, wantStdout bool) ([]byte, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command line")
	}

	r.logger.Debug("running tool", "argv", strings.Join(spec.Argv, " "))

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Stdin = spec.Stdin
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	// Anything not redirected by the caller is captured so a failure
	// can report what the tool actually said.
	var captured bytes.Buffer
	var stdout bytes.Buffer
	switch {
	case wantStdout:
		cmd.Stdout = &stdout
		cmd.Stderr = &captured
	case spec.Stdout != nil:
		cmd.Stdout = spec.Stdout
		cmd.Stderr = &captured
	default:
		cmd.Stdout = &captured
		cmd.Stderr = &captured
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, &ToolError{
			Tool:   spec.Argv[0],
			Code:   code,
			Output: strings.TrimSpace(captured.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// WithBackoff retries fn with exponentially growing delays until it
// succeeds, attempts are exhausted, or the context is cancelled. The
// delay starts at base, doubles after every failure, and is capped at
// one second. Used for kernel-facing operations that fail transiently
// while the device is briefly busy (partition table re-reads, loop
// device races).
func WithBackoff(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	delay := base
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > time.Second {
			delay = time.Second
		}
	}
	return err
}
