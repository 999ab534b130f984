package sandbox

import (
	"context"
	"io"
)

// StartRequest describes one isolated run of a persisted script.
type StartRequest struct {
	// SessionID identifies the run, implementations may use it to name resources.
	SessionID string
	// ArtifactPath is the host path of the file holding the submitted source text.
	ArtifactPath string
	Env          []string
}

type Result struct {
	ExitCode int
	TimeMS   int64
}

// Process is a handle to a running isolated process.
// Only the session that started it may write to it or kill it.
type Process interface {
	// Output returns the combined stdout and stderr of the process, in arrival order.
	// The reader returns io.EOF once the process has closed both streams.
	Output() io.Reader

	// WriteStdin writes to the standard input of the process.
	WriteStdin(b []byte) error

	// Kill terminates the process without waiting for it to exit. It is safe to call more than once.
	Kill() error

	// Wait blocks until the process exits or the context is done.
	Wait(ctx context.Context) (*Result, error)
}

// Runtime launches isolated processes. How the isolation is achieved is up to the implementation.
type Runtime interface {
	Start(ctx context.Context, req StartRequest) (Process, error)
}

// Prepare runs the optional Prepare(ctx) step of a runtime, such as pulling an image.
func Prepare(ctx context.Context, rt Runtime) error {
	if p, ok := rt.(interface{ Prepare(context.Context) error }); ok {
		return p.Prepare(ctx)
	}
	return nil
}
