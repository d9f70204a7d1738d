// Package sandbox abstracts the code-execution environment workers run
// their code in. The orchestrator assumes best-effort deletion; handle
// leaks are logged, never fatal.
package sandbox

import (
	"context"
	"time"
)

// execTimeout bounds a single command execution.
const execTimeout = 30 * time.Second

// ExecResult is the outcome of one command run.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exit_code"`
}

// Success reports whether the command exited cleanly.
func (r ExecResult) Success() bool { return r.ExitCode == 0 }

// Provider is the sandbox surface consumed by the worker driver.
type Provider interface {
	// Create provisions a sandbox for the given language and returns
	// an opaque handle.
	Create(ctx context.Context, name, language string) (string, error)
	// Exec runs a command in the sandbox.
	Exec(ctx context.Context, handle, cmd string) (ExecResult, error)
	// Upload writes a file into the sandbox.
	Upload(ctx context.Context, handle, path string, data []byte) error
	// PreviewURL returns the public URL for a port, or "" when the
	// port is not exposed.
	PreviewURL(ctx context.Context, handle string, port int) (string, error)
	// FindByName returns the handle of an existing sandbox, or "" when
	// none matches.
	FindByName(ctx context.Context, name string) (string, error)
	// Delete releases the sandbox. Best effort.
	Delete(ctx context.Context, handle string) error
}
