package node

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/workernodes/workernodes/pkg/host"
	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
	"github.com/workernodes/workernodes/pkg/protocol"
)

// readerBuffer is the per-reader event backlog. A reader that falls this far
// behind is treated like a broken transport and dropped.
const readerBuffer = 256

// Reader is one attached event stream. Records arrive on C in emission order;
// C is closed after the terminal event.
type Reader struct {
	C chan protocol.Record

	exitOnEnd bool
}

// Worker owns one child process and fans its lifecycle out to any number of
// attached readers. All state is guarded by mu; event ordering is defined by
// the order broadcasts acquire it.
type Worker struct {
	ID         string
	BundleHash string

	proc         host.Process
	stdinEnabled bool
	grace        time.Duration
	log          *logging.Logger
	onExit       func(*Worker)

	mu         sync.Mutex
	state      models.WorkerState
	wentOnline bool
	exitCode   int
	terminal   *protocol.Record
	readers    map[*Reader]struct{}
	graceTimer *time.Timer

	pumps sync.WaitGroup
}

func newWorker(id, bundleHash string, proc host.Process, stdinEnabled bool, grace time.Duration, log *logging.Logger, onExit func(*Worker)) *Worker {
	w := &Worker{
		ID:           id,
		BundleHash:   bundleHash,
		proc:         proc,
		stdinEnabled: stdinEnabled,
		grace:        grace,
		log:          log.WithField("worker_id", id),
		onExit:       onExit,
		state:        models.WorkerStatePending,
		readers:      make(map[*Reader]struct{}),
	}

	w.pumps.Add(3)
	go w.pumpStream(proc.Stdout(), protocol.EventStdout)
	go w.pumpStream(proc.Stderr(), protocol.EventStderr)
	go w.pumpMessages()
	go w.watchLifecycle()

	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() models.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ReaderCount returns the number of currently attached event streams.
func (w *Worker) ReaderCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.readers)
}

// Attach registers a new event stream. The reader's channel is primed with
// the online snapshot so a late reader learns current state, and with the
// terminal event when the worker already exited (in which case the channel is
// already closed). exitOnEnd marks readers whose disconnection may schedule
// child termination.
func (w *Worker) Attach(exitOnEnd bool) *Reader {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := &Reader{
		C:         make(chan protocol.Record, readerBuffer),
		exitOnEnd: exitOnEnd,
	}

	// Snapshot from the recorded transition, not the state: an exited
	// worker that never came online must not replay online as true.
	online := "false"
	if w.wentOnline {
		online = "true"
	}
	r.C <- protocol.Text(protocol.EventOnline, online)

	if w.state == models.WorkerStateExited {
		if w.terminal != nil {
			r.C <- *w.terminal
		}
		close(r.C)
		return r
	}

	w.readers[r] = struct{}{}
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
	return r
}

// Detach removes a reader. If it was the last one and carried the
// exit-on-request-end flag, the child is terminated unless another reader
// attaches within the grace window.
func (w *Worker) Detach(r *Reader) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.readers[r]; !ok {
		return
	}
	delete(w.readers, r)

	if !r.exitOnEnd || w.state == models.WorkerStateExited || len(w.readers) > 0 {
		return
	}
	if w.graceTimer != nil {
		w.graceTimer.Stop()
	}
	w.log.Debug("Last reader gone, scheduling termination", map[string]interface{}{"grace": w.grace.String()})
	w.graceTimer = time.AfterFunc(w.grace, w.graceExpired)
}

func (w *Worker) graceExpired() {
	w.mu.Lock()
	abort := len(w.readers) > 0 || w.state == models.WorkerStateExited
	w.mu.Unlock()
	if abort {
		return
	}
	w.log.Info("No reader reattached within grace window, terminating child")
	if err := w.proc.Terminate(); err != nil {
		w.log.Warn("Failed to terminate child", map[string]interface{}{"error": err.Error()})
	}
}

// Control dispatches one control record received from the client. Unknown
// names are ignored for forward compatibility.
func (w *Worker) Control(rec protocol.Record) {
	switch rec.Name {
	case protocol.ControlStdin:
		if !w.stdinEnabled {
			w.log.Debug("Dropping stdin data, stdin not enabled")
			return
		}
		payload, err := rec.Payload()
		if err != nil {
			w.log.Warn("Discarding malformed stdin record", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := w.proc.WriteStdin(payload); err != nil {
			w.log.Warn("Failed to write child stdin", map[string]interface{}{"error": err.Error()})
		}
	case protocol.ControlWorkerMessage:
		payload, err := rec.Payload()
		if err != nil {
			w.log.Warn("Discarding malformed message record", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := w.proc.Send(payload); err != nil {
			w.log.Warn("Failed to deliver message to child", map[string]interface{}{"error": err.Error()})
		}
	case protocol.ControlTerminate:
		if err := w.proc.Terminate(); err != nil {
			w.log.Warn("Failed to terminate child", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Terminate requests graceful termination of the child.
func (w *Worker) Terminate() error {
	return w.proc.Terminate()
}

// pumpStream forwards one standard stream chunk-wise. Chunk boundaries are
// whatever the pipe yields; byte order within the stream is preserved because
// a single goroutine owns each pipe.
func (w *Worker) pumpStream(r io.Reader, event string) {
	defer w.pumps.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.broadcast(protocol.Binary(event, buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) pumpMessages() {
	defer w.pumps.Done()
	for msg := range w.proc.Messages() {
		w.broadcast(protocol.Binary(protocol.EventMessage, msg))
	}
}

// watchLifecycle drives the pending->online and ->exited transitions. The
// terminal event is only emitted after the stream pumps drained, so exit is
// always the last record a reader sees.
func (w *Worker) watchLifecycle() {
	select {
	case <-w.proc.Online():
		w.setOnline()
	case exit := <-w.proc.Done():
		w.pumps.Wait()
		w.finish(exit)
		return
	}

	exit := <-w.proc.Done()
	w.pumps.Wait()
	w.finish(exit)
}

func (w *Worker) setOnline() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != models.WorkerStatePending {
		return
	}
	w.state = models.WorkerStateOnline
	w.wentOnline = true
	w.broadcastLocked(protocol.Text(protocol.EventOnline, "true"))
}

func (w *Worker) finish(exit host.Exit) {
	w.mu.Lock()
	if w.state == models.WorkerStateExited {
		w.mu.Unlock()
		return
	}
	w.state = models.WorkerStateExited
	w.exitCode = exit.Code

	var terminal protocol.Record
	if exit.Fault != nil {
		rec, err := protocol.ErrorEvent(exit.Fault)
		if err != nil {
			rec = protocol.Text(protocol.EventExit, strconv.Itoa(exit.Code))
		}
		terminal = rec
	} else {
		terminal = protocol.Text(protocol.EventExit, strconv.Itoa(exit.Code))
	}
	w.terminal = &terminal
	w.broadcastLocked(terminal)

	// All event streams close after the terminal event.
	for r := range w.readers {
		close(r.C)
		delete(w.readers, r)
	}
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
	w.mu.Unlock()

	w.log.Info("Worker exited", map[string]interface{}{"code": exit.Code, "fault": exit.Fault != nil})
	if w.onExit != nil {
		w.onExit(w)
	}
}

func (w *Worker) broadcast(rec protocol.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == models.WorkerStateExited {
		return
	}
	w.broadcastLocked(rec)
}

// broadcastLocked fans a record out to every reader. A reader whose backlog
// is full gets dropped, leaving the child and the other readers untouched.
func (w *Worker) broadcastLocked(rec protocol.Record) {
	for r := range w.readers {
		select {
		case r.C <- rec:
		default:
			w.log.Warn("Dropping stalled reader")
			close(r.C)
			delete(w.readers, r)
		}
	}
}
