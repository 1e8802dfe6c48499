// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/osmith-project/osmith/lib/osexec"
)

// Call is one recorded tool invocation. Stdin is drained at call time
// so tests can assert on piped input such as sfdisk table scripts.
type Call struct {
	Argv  []string
	Stdin string
	Env   []string
	Dir   string
}

// Line returns the space-joined command line.
func (c Call) Line() string {
	return strings.Join(c.Argv, " ")
}

// RecordingRunner is a fake osexec.Runner. Unscripted tools succeed
// with empty output; Handle scripts per-tool behavior. All invocations
// are recorded in order.
type RecordingRunner struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]func(Call) ([]byte, error)
}

// NewRecordingRunner returns an empty RecordingRunner.
func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{
		handlers: make(map[string]func(Call) ([]byte, error)),
	}
}

// Handle scripts the response for every invocation of the named tool
// (matched against Argv[0]). The handler's byte return becomes the
// tool's stdout.
func (r *RecordingRunner) Handle(tool string, fn func(Call) ([]byte, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tool] = fn
}

// Fail scripts a plain failure for the named tool, mimicking a
// non-zero exit.
func (r *RecordingRunner) Fail(tool string, message string) {
	r.Handle(tool, func(call Call) ([]byte, error) {
		return nil, &osexec.ToolError{Tool: tool, Code: 1, Output: message}
	})
}

func (r *RecordingRunner) record(spec osexec.Spec) (Call, func(Call) ([]byte, error), error) {
	if len(spec.Argv) == 0 {
		return Call{}, nil, fmt.Errorf("empty command line")
	}
	call := Call{Argv: spec.Argv, Env: spec.Env, Dir: spec.Dir}
	if spec.Stdin != nil {
		data, err := io.ReadAll(spec.Stdin)
		if err != nil {
			return Call{}, nil, fmt.Errorf("draining stdin for %s: %w", spec.Argv[0], err)
		}
		call.Stdin = string(data)
	}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	handler := r.handlers[spec.Argv[0]]
	r.mu.Unlock()
	return call, handler, nil
}

// Run implements osexec.Runner.
func (r *RecordingRunner) Run(ctx context.Context, spec osexec.Spec) error {
	call, handler, err := r.record(spec)
	if err != nil {
		return err
	}
	if handler == nil {
		return nil
	}
	out, err := handler(call)
	if err != nil {
		return err
	}
	if spec.Stdout != nil && len(out) > 0 {
		if _, err := spec.Stdout.Write(out); err != nil {
			return err
		}
	}
	return nil
}

// Output implements osexec.Runner.
func (r *RecordingRunner) Output(ctx context.Context, spec osexec.Spec) ([]byte, error) {
	call, handler, err := r.record(spec)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, nil
	}
	return handler(call)
}

// Calls returns every recorded invocation in order.
func (r *RecordingRunner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsFor returns the recorded invocations of one tool.
func (r *RecordingRunner) CallsFor(tool string) []Call {
	var matched []Call
	for _, call := range r.Calls() {
		if call.Argv[0] == tool {
			matched = append(matched, call)
		}
	}
	return matched
}

// Lines returns every recorded command line, space-joined, in order.
// Convenient for strings.Contains assertions over a whole build.
func (r *RecordingRunner) Lines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, call := range calls {
		lines[i] = call.Line()
	}
	return lines
}
