// Package host defines the boundary between the dispatch core and the
// child-process host that actually executes a bundle. The node owns exactly
// one Process per worker and consumes its streams; everything behind this
// interface is an external collaborator.
package host

import (
	"context"
	"io"

	"github.com/workernodes/workernodes/pkg/models"
)

// Exit is the terminal outcome of a child process. Fault is non-nil when the
// child ended with an error rather than a plain exit code.
type Exit struct {
	Code  int
	Fault *models.WorkerError
}

// Process is a running child. The stream readers are owned by the node; each
// is read from exactly one goroutine.
type Process interface {
	// Online is closed once the child signals it has begun executing.
	Online() <-chan struct{}

	// Messages yields inter-process messages produced by the child, in
	// order. Closed when the child ends.
	Messages() <-chan []byte

	Stdout() io.Reader
	Stderr() io.Reader

	// WriteStdin delivers bytes to the child's standard input. Only valid
	// when the worker was spawned with stdin enabled.
	WriteStdin(p []byte) error

	// Send delivers an inter-process message to the child.
	Send(msg []byte) error

	// Terminate requests graceful termination.
	Terminate() error

	// Done is closed with the terminal outcome after the child ends.
	Done() <-chan Exit
}

// Host spawns child processes for bundle artifacts.
type Host interface {
	Start(ctx context.Context, entrypoint string, opts models.SpawnOptions) (Process, error)
}
