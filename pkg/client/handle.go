package client

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
	"github.com/workernodes/workernodes/pkg/protocol"
	"github.com/workernodes/workernodes/pkg/retry"
)

// Handle is the caller's view of a remote worker. It demultiplexes the event
// stream into stdout/stderr readers and callbacks, and carries control
// records over a long-lived stream that reconnects silently while the worker
// is alive.
type Handle struct {
	id       string
	node     *NodeClient
	retryCfg retry.Config
	log      *logging.Logger

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu           sync.Mutex
	state        models.WorkerState
	exitCode     int
	err          error
	finished     bool
	stdinEnabled bool
	stdinWarned  bool
	onOnline     []func()
	onMessage    []func([]byte)
	onError      []func(error)
	onExit       []func(int)

	controlMu sync.Mutex
	control   *ControlStream

	done chan struct{}
}

func newHandle(node *NodeClient, id string, stdinEnabled bool, retryCfg retry.Config, log *logging.Logger) *Handle {
	h := &Handle{
		id:           id,
		node:         node,
		retryCfg:     retryCfg,
		log:          log,
		state:        models.WorkerStatePending,
		stdinEnabled: stdinEnabled,
		done:         make(chan struct{}),
	}
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	return h
}

// ID returns the worker identifier assigned by the node.
func (h *Handle) ID() string { return h.id }

// Node returns the node the worker runs on.
func (h *Handle) Node() *NodeClient { return h.node }

// State returns the last observed lifecycle state.
func (h *Handle) State() models.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stdout returns the worker's standard output. It reaches EOF when the
// worker exits cleanly and fails with the terminal error otherwise.
func (h *Handle) Stdout() io.Reader { return h.stdoutR }

// Stderr returns the worker's standard error.
func (h *Handle) Stderr() io.Reader { return h.stderrR }

// Stdin returns a writer feeding the worker's standard input. If the worker
// was spawned without stdin enabled, writes are dropped with a single
// warning, matching the behavior of writing to a closed child pipe being
// ignored rather than fatal.
func (h *Handle) Stdin() io.Writer { return stdinWriter{h} }

// OnOnline registers a callback fired when the worker reports ready. If the
// worker is already online the callback fires immediately.
func (h *Handle) OnOnline(fn func()) {
	h.mu.Lock()
	if h.state == models.WorkerStateOnline {
		h.mu.Unlock()
		fn()
		return
	}
	h.onOnline = append(h.onOnline, fn)
	h.mu.Unlock()
}

// OnMessage registers a callback for structured messages from the worker.
func (h *Handle) OnMessage(fn func([]byte)) {
	h.mu.Lock()
	h.onMessage = append(h.onMessage, fn)
	h.mu.Unlock()
}

// OnError registers a callback for the terminal error, if any. Without a
// subscriber, terminal errors are logged at ERROR level.
func (h *Handle) OnError(fn func(error)) {
	h.mu.Lock()
	if h.finished && h.err != nil {
		err := h.err
		h.mu.Unlock()
		fn(err)
		return
	}
	h.onError = append(h.onError, fn)
	h.mu.Unlock()
}

// OnExit registers a callback fired with the exit code on clean exit.
func (h *Handle) OnExit(fn func(int)) {
	h.mu.Lock()
	if h.finished && h.err == nil {
		code := h.exitCode
		h.mu.Unlock()
		fn(code)
		return
	}
	h.onExit = append(h.onExit, fn)
	h.mu.Unlock()
}

// PostMessage sends a structured message to the worker.
func (h *Handle) PostMessage(ctx context.Context, data []byte) error {
	return h.controlWrite(ctx, protocol.Binary(protocol.ControlWorkerMessage, data))
}

// Terminate asks the node to kill the worker and waits for the terminal
// event to arrive on the event stream.
func (h *Handle) Terminate(ctx context.Context) error {
	if err := h.controlWrite(ctx, protocol.Text(protocol.ControlTerminate, "true")); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the worker reaches a terminal state. It returns the exit
// code for a clean exit and the terminal error otherwise.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.err
}

// Done is closed once the worker has reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// demux pumps the event stream through the frame parser until it ends. A
// stream that ends before a terminal record means the node vanished.
func (h *Handle) demux(events io.ReadCloser) {
	parser := protocol.NewParser(h.dispatch)
	_, copyErr := io.Copy(parser, events)
	events.Close()

	h.mu.Lock()
	finished := h.finished
	h.mu.Unlock()
	if !finished {
		err := models.ErrWorkerDisconnected
		if copyErr != nil {
			err = fmt.Errorf("%w: %v", models.ErrWorkerDisconnected, copyErr)
		}
		h.finish(0, err)
	}
}

func (h *Handle) dispatch(rec protocol.Record) {
	switch rec.Name {
	case protocol.EventOnline:
		if rec.Value != "true" {
			return
		}
		h.mu.Lock()
		if h.state != models.WorkerStatePending {
			h.mu.Unlock()
			return
		}
		h.state = models.WorkerStateOnline
		fns := h.onOnline
		h.onOnline = nil
		h.mu.Unlock()
		for _, fn := range fns {
			fn()
		}

	case protocol.EventStdout:
		if data, err := rec.Payload(); err == nil {
			h.stdoutW.Write(data)
		}

	case protocol.EventStderr:
		if data, err := rec.Payload(); err == nil {
			h.stderrW.Write(data)
		}

	case protocol.EventMessage:
		data, err := rec.Payload()
		if err != nil {
			return
		}
		h.mu.Lock()
		fns := make([]func([]byte), len(h.onMessage))
		copy(fns, h.onMessage)
		h.mu.Unlock()
		for _, fn := range fns {
			fn(data)
		}

	case protocol.EventExit:
		code, err := strconv.Atoi(rec.Value)
		if err != nil {
			code = -1
		}
		h.finish(code, nil)

	case protocol.EventError:
		werr, err := rec.ErrorPayload()
		if err != nil {
			h.finish(0, fmt.Errorf("worker failed with undecodable error: %w", err))
			return
		}
		h.finish(0, werr)
	}
}

// finish records the terminal state exactly once, releases the stream
// readers, and fires the terminal callbacks.
func (h *Handle) finish(code int, err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.state = models.WorkerStateExited
	h.exitCode = code
	h.err = err
	onExit := h.onExit
	onError := h.onError
	h.onExit, h.onError = nil, nil
	h.mu.Unlock()

	if err == nil {
		h.stdoutW.Close()
		h.stderrW.Close()
	} else {
		h.stdoutW.CloseWithError(err)
		h.stderrW.CloseWithError(err)
	}
	close(h.done)
	h.node.workerStopped()

	if err != nil {
		if len(onError) == 0 {
			h.log.Error("Worker failed", map[string]interface{}{"error": err.Error()})
		}
		for _, fn := range onError {
			fn(err)
		}
		return
	}
	for _, fn := range onExit {
		fn(code)
	}
}

// maintainControl keeps a control stream open while the worker is alive,
// reopening it whenever the connection drops.
func (h *Handle) maintainControl() {
	for {
		select {
		case <-h.done:
			return
		default:
		}

		cs, err := h.node.OpenControl(context.Background(), h.id)
		if err != nil {
			h.log.Warn("Control stream open failed", map[string]interface{}{"error": err.Error()})
			select {
			case <-h.done:
				return
			case <-time.After(h.retryCfg.InitialBackoff):
			}
			continue
		}

		h.controlMu.Lock()
		h.control = cs
		h.controlMu.Unlock()

		select {
		case <-h.done:
			cs.Close()
			return
		case <-cs.Done():
			h.controlMu.Lock()
			if h.control == cs {
				h.control = nil
			}
			h.controlMu.Unlock()
		}
	}
}

func (h *Handle) controlWrite(ctx context.Context, rec protocol.Record) error {
	select {
	case <-h.done:
		return models.ErrWorkerAfterExit
	default:
	}

	return retry.Do(ctx, h.retryCfg, func() error {
		select {
		case <-h.done:
			return models.ErrWorkerAfterExit
		default:
		}

		h.controlMu.Lock()
		cs := h.control
		h.controlMu.Unlock()
		if cs == nil {
			return fmt.Errorf("control stream not connected")
		}
		if err := protocol.Write(cs, rec); err != nil {
			h.controlMu.Lock()
			if h.control == cs {
				h.control = nil
			}
			h.controlMu.Unlock()
			cs.Close()
			return err
		}
		return nil
	})
}

type stdinWriter struct {
	h *Handle
}

func (w stdinWriter) Write(p []byte) (int, error) {
	h := w.h
	select {
	case <-h.done:
		return 0, models.ErrWorkerAfterExit
	default:
	}

	h.mu.Lock()
	enabled := h.stdinEnabled
	warned := h.stdinWarned
	if !enabled {
		h.stdinWarned = true
	}
	h.mu.Unlock()

	if !enabled {
		if !warned {
			h.log.Warn("Stdin write ignored: worker was spawned without stdin")
		}
		return len(p), nil
	}

	if err := h.controlWrite(context.Background(), protocol.Binary(protocol.ControlStdin, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
