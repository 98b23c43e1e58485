// Package hosttest provides a scripted child-process host for tests. Tests
// drive the fake child directly: mark it online, emit output and messages,
// then end it with an exit code or a fault.
package hosttest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/workernodes/workernodes/pkg/host"
	"github.com/workernodes/workernodes/pkg/models"
)

// Process is a scripted implementation of host.Process.
type Process struct {
	// OnTerminate, when set, replaces the default Terminate behavior of
	// exiting with code 0.
	OnTerminate func()

	onlineOnce sync.Once
	online     chan struct{}
	messages   chan []byte
	done       chan host.Exit
	endOnce    sync.Once

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu         sync.Mutex
	stdin      bytes.Buffer
	sent       [][]byte
	terminated bool
}

// NewProcess creates an idle scripted process.
func NewProcess() *Process {
	p := &Process{
		online:   make(chan struct{}),
		messages: make(chan []byte, 64),
		done:     make(chan host.Exit, 1),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *Process) Online() <-chan struct{} { return p.online }
func (p *Process) Messages() <-chan []byte { return p.messages }
func (p *Process) Stdout() io.Reader       { return p.stdoutR }
func (p *Process) Stderr() io.Reader       { return p.stderrR }
func (p *Process) Done() <-chan host.Exit  { return p.done }

func (p *Process) WriteStdin(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.stdin.Write(b)
	return err
}

func (p *Process) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(msg))
	copy(cp, msg)
	p.sent = append(p.sent, cp)
	return nil
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	fn := p.OnTerminate
	p.mu.Unlock()
	if fn != nil {
		fn()
	} else {
		p.ExitWith(0)
	}
	return nil
}

// EmitOnline marks the child as executing.
func (p *Process) EmitOnline() {
	p.onlineOnce.Do(func() { close(p.online) })
}

// EmitStdout writes a chunk to the child's standard output.
func (p *Process) EmitStdout(b []byte) {
	p.stdoutW.Write(b)
}

// EmitStderr writes a chunk to the child's standard error.
func (p *Process) EmitStderr(b []byte) {
	p.stderrW.Write(b)
}

// EmitMessage emits an inter-process message from the child.
func (p *Process) EmitMessage(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.messages <- cp
}

// ExitWith ends the child with an exit code.
func (p *Process) ExitWith(code int) {
	p.end(host.Exit{Code: code})
}

// FailWith ends the child with a fault.
func (p *Process) FailWith(werr *models.WorkerError) {
	p.end(host.Exit{Code: -1, Fault: werr})
}

func (p *Process) end(exit host.Exit) {
	p.endOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.messages)
		p.done <- exit
		close(p.done)
	})
}

// StdinBytes returns everything the node delivered to standard input.
func (p *Process) StdinBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stdin.Bytes()...)
}

// SentMessages returns the inter-process messages delivered to the child.
func (p *Process) SentMessages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// StartCall records one Host.Start invocation.
type StartCall struct {
	Entrypoint string
	Opts       models.SpawnOptions
}

// Host is a scripted implementation of host.Host. Queued processes are handed
// out in order; when the queue runs dry a fresh idle process is created.
type Host struct {
	mu     sync.Mutex
	queue  []*Process
	all    []*Process
	starts []StartCall
}

// NewHost creates a scripted host with an optional queue of processes.
func NewHost(procs ...*Process) *Host {
	return &Host{queue: procs}
}

func (h *Host) Start(ctx context.Context, entrypoint string, opts models.SpawnOptions) (host.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var p *Process
	if len(h.queue) > 0 {
		p = h.queue[0]
		h.queue = h.queue[1:]
	} else {
		p = NewProcess()
	}
	h.all = append(h.all, p)
	h.starts = append(h.starts, StartCall{Entrypoint: entrypoint, Opts: opts})
	return p, nil
}

// Starts returns the recorded Start invocations.
func (h *Host) Starts() []StartCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StartCall, len(h.starts))
	copy(out, h.starts)
	return out
}

// Processes returns every process handed out, in start order.
func (h *Host) Processes() []*Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Process, len(h.all))
	copy(out, h.all)
	return out
}
