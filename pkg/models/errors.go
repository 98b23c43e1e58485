package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoNodeAvailable is returned by spawn when no node is registered.
	ErrNoNodeAvailable = errors.New("no node available")

	// ErrNodeUnreachable wraps probe and upload transport failures.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrBundleRejected is returned when the node refuses a worker-create
	// request for an unknown bundle fingerprint.
	ErrBundleRejected = errors.New("bundle rejected by node")

	// ErrWorkerDisconnected is surfaced on the handle when the event stream
	// closes before a terminal event was seen.
	ErrWorkerDisconnected = errors.New("worker event stream disconnected")

	// ErrWorkerAfterExit is returned by handle operations invoked after the
	// worker exited.
	ErrWorkerAfterExit = errors.New("worker has exited")
)

// WorkerError is a fault reported by the child, reconstructed from the error
// envelope on the event stream.
type WorkerError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *WorkerError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
