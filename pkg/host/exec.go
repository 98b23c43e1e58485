package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
	"github.com/workernodes/workernodes/pkg/protocol"
)

// resourceLimitsEnv carries the forwarded resource limits to the interpreter,
// which is responsible for applying them.
const resourceLimitsEnv = "WORKERNODES_RESOURCE_LIMITS"

// ExecHost runs bundles as child processes under a configurable interpreter.
// The child talks back on file descriptor 3 and listens on descriptor 4 using
// the shared line framing: an "online" record once it is executing, "message"
// records for inter-process messages in both directions.
type ExecHost struct {
	// Interpreter is the argv prefix, e.g. ["node"]. The spawn options'
	// execArgv and the artifact path are appended.
	Interpreter []string

	// KillTimeout bounds how long Terminate waits between SIGTERM and
	// SIGKILL. Zero means 5 seconds.
	KillTimeout time.Duration

	// AssumeOnline marks the child online as soon as it starts, for
	// interpreters that do not implement the descriptor-3 handshake.
	AssumeOnline bool

	Log *logging.Logger
}

// NewExecHost creates a host running bundles under the given interpreter argv.
func NewExecHost(interpreter []string, log *logging.Logger) *ExecHost {
	return &ExecHost{
		Interpreter: interpreter,
		KillTimeout: 5 * time.Second,
		Log:         log,
	}
}

// Start spawns the child for the given artifact.
func (h *ExecHost) Start(ctx context.Context, entrypoint string, opts models.SpawnOptions) (Process, error) {
	if len(h.Interpreter) == 0 {
		return nil, fmt.Errorf("exec host has no interpreter configured")
	}

	argv := make([]string, 0, len(h.Interpreter)+len(opts.ExecArgv)+len(opts.Argv)+1)
	argv = append(argv, h.Interpreter...)
	argv = append(argv, opts.ExecArgv...)
	argv = append(argv, entrypoint)
	argv = append(argv, opts.Argv...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = childEnv(opts)

	// Plain os.Pipe instead of cmd.StdoutPipe: Wait runs concurrently with
	// the stream pumps and must not close the read ends under them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var stdinR *os.File
	var stdin io.WriteCloser
	if opts.Stdin {
		var stdinW *os.File
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			stderrR.Close()
			stderrW.Close()
			return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		cmd.Stdin = stdinR
		stdin = stdinW
	}

	// IPC pipes: child writes fd 3, reads fd 4.
	ipcOutR, ipcOutW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		if stdinR != nil {
			stdinR.Close()
			stdin.Close()
		}
		return nil, fmt.Errorf("failed to create ipc pipe: %w", err)
	}
	ipcInR, ipcInW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		if stdinR != nil {
			stdinR.Close()
			stdin.Close()
		}
		ipcOutR.Close()
		ipcOutW.Close()
		return nil, fmt.Errorf("failed to create ipc pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{ipcOutW, ipcInR}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		if stdinR != nil {
			stdinR.Close()
			stdin.Close()
		}
		ipcOutR.Close()
		ipcOutW.Close()
		ipcInR.Close()
		ipcInW.Close()
		return nil, fmt.Errorf("failed to start child: %w", err)
	}
	// Parent keeps the read ends of stdout/stderr/fd3 and the write ends of
	// stdin/fd4; the child-held copies close now so EOF tracks child exit.
	stdoutW.Close()
	stderrW.Close()
	if stdinR != nil {
		stdinR.Close()
	}
	ipcOutW.Close()
	ipcInR.Close()

	p := &execProcess{
		cmd:         cmd,
		stdout:      stdoutR,
		stderr:      stderrR,
		stdin:       stdin,
		ipcIn:       ipcInW,
		ipcOut:      ipcOutR,
		online:      make(chan struct{}),
		messages:    make(chan []byte, 64),
		ipcDone:     make(chan struct{}),
		done:        make(chan Exit, 1),
		killTimeout: h.KillTimeout,
	}
	if p.killTimeout == 0 {
		p.killTimeout = 5 * time.Second
	}
	if h.AssumeOnline {
		p.markOnline()
	}
	p.cgroup = applyMemoryLimit(cmd.Process.Pid, opts.ResourceLimits, h.Log)

	go p.readIPC(ipcOutR)
	go p.wait(ctx)

	if h.Log != nil {
		h.Log.Debug("Child started", map[string]interface{}{"pid": cmd.Process.Pid, "entrypoint": entrypoint})
	}
	return p, nil
}

// childEnv builds the child environment. A nil env map inherits the host
// environment; callers wanting isolation pass an explicit (possibly empty)
// map.
func childEnv(opts models.SpawnOptions) []string {
	var env []string
	if opts.Env == nil {
		env = os.Environ()
	} else {
		env = make([]string, 0, len(opts.Env)+1)
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
	}
	if opts.ResourceLimits != nil {
		if raw, err := json.Marshal(opts.ResourceLimits); err == nil {
			env = append(env, resourceLimitsEnv+"="+string(raw))
		}
	}
	return env
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	stdin  io.WriteCloser
	ipcIn  *os.File
	ipcOut *os.File
	cgroup *cgroup

	onlineOnce sync.Once
	online     chan struct{}
	messages   chan []byte
	ipcDone    chan struct{}
	done       chan Exit

	ipcMu       sync.Mutex
	killTimeout time.Duration
}

func (p *execProcess) Online() <-chan struct{}   { return p.online }
func (p *execProcess) Messages() <-chan []byte   { return p.messages }
func (p *execProcess) Stdout() io.Reader         { return p.stdout }
func (p *execProcess) Stderr() io.Reader         { return p.stderr }
func (p *execProcess) Done() <-chan Exit         { return p.done }

func (p *execProcess) markOnline() {
	p.onlineOnce.Do(func() { close(p.online) })
}

func (p *execProcess) WriteStdin(b []byte) error {
	if p.stdin == nil {
		return fmt.Errorf("stdin not enabled")
	}
	_, err := p.stdin.Write(b)
	return err
}

func (p *execProcess) Send(msg []byte) error {
	p.ipcMu.Lock()
	defer p.ipcMu.Unlock()
	return protocol.Write(p.ipcIn, protocol.Binary(protocol.EventMessage, msg))
}

func (p *execProcess) Terminate() error {
	proc := p.cmd.Process
	if proc == nil {
		return fmt.Errorf("child not started")
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(p.killTimeout):
			proc.Kill()
		}
	}()
	return nil
}

// readIPC parses the child's descriptor-3 stream until it closes. It owns
// the messages channel: only EOF on the pipe closes it, so messages written
// right before exit still come through.
func (p *execProcess) readIPC(r *os.File) {
	defer close(p.ipcDone)
	defer close(p.messages)
	defer r.Close()
	parser := protocol.NewParser(func(rec protocol.Record) {
		switch rec.Name {
		case protocol.EventOnline:
			p.markOnline()
		case protocol.EventMessage:
			if payload, err := rec.Payload(); err == nil {
				p.messages <- payload
			}
		}
	})
	io.Copy(parser, r)
}

func (p *execProcess) wait(ctx context.Context) {
	waitErr := p.cmd.Wait()
	p.cgroup.release()
	p.ipcIn.Close()
	if p.stdin != nil {
		p.stdin.Close()
	}
	// Wait runs independently of the pipe pumps, so the fd-3 reader may
	// still be draining buffered records and exit must not overtake them.
	// A grandchild that inherited the write end can keep the pipe open
	// past the child's death; after the kill timeout the reader is cut
	// loose rather than holding exit hostage.
	select {
	case <-p.ipcDone:
	case <-time.After(p.killTimeout):
		p.ipcOut.Close()
		<-p.ipcDone
	}

	var exit Exit
	switch err := waitErr.(type) {
	case nil:
		exit = Exit{Code: 0}
	case *exec.ExitError:
		exit = Exit{Code: err.ExitCode()}
	default:
		exit = Exit{Code: -1, Fault: &models.WorkerError{
			Name:    "HostError",
			Message: waitErr.Error(),
		}}
	}
	p.done <- exit
	close(p.done)
}
