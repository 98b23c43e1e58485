package node

import (
	"testing"
	"time"

	"github.com/workernodes/workernodes/pkg/host/hosttest"
	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
	"github.com/workernodes/workernodes/pkg/protocol"
)

func testLogger() *logging.Logger {
	log := logging.NewLogger(logging.ERROR, false)
	return log
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drain(t *testing.T, r *Reader) []protocol.Record {
	t.Helper()
	var recs []protocol.Record
	timeout := time.After(2 * time.Second)
	for {
		select {
		case rec, ok := <-r.C:
			if !ok {
				return recs
			}
			recs = append(recs, rec)
		case <-timeout:
			t.Fatalf("timed out draining reader, got %d records", len(recs))
		}
	}
}

func TestWorkerEventOrdering(t *testing.T) {
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), nil)

	r := w.Attach(false)

	proc.EmitOnline()
	waitFor(t, "worker online", func() bool { return w.State() == models.WorkerStateOnline })

	proc.EmitStdout([]byte("hello"))
	proc.EmitStderr([]byte("oops"))
	proc.EmitMessage([]byte(`{"n":1}`))
	proc.ExitWith(0)

	recs := drain(t, r)
	if len(recs) < 5 {
		t.Fatalf("expected at least 5 records, got %d: %v", len(recs), recs)
	}

	if recs[0].Name != protocol.EventOnline || recs[0].Value != "false" {
		t.Errorf("first record should be the online snapshot, got %+v", recs[0])
	}
	if recs[1].Name != protocol.EventOnline || recs[1].Value != "true" {
		t.Errorf("second record should be the online transition, got %+v", recs[1])
	}

	last := recs[len(recs)-1]
	if last.Name != protocol.EventExit || last.Value != "0" {
		t.Errorf("terminal record should be exit 0, got %+v", last)
	}

	names := map[string][]byte{}
	for _, rec := range recs[2 : len(recs)-1] {
		payload, err := rec.Payload()
		if err != nil {
			t.Fatalf("payload decode failed for %s: %v", rec.Name, err)
		}
		names[rec.Name] = append(names[rec.Name], payload...)
	}
	if string(names[protocol.EventStdout]) != "hello" {
		t.Errorf("stdout = %q, want %q", names[protocol.EventStdout], "hello")
	}
	if string(names[protocol.EventStderr]) != "oops" {
		t.Errorf("stderr = %q, want %q", names[protocol.EventStderr], "oops")
	}
	if string(names[protocol.EventMessage]) != `{"n":1}` {
		t.Errorf("message = %q, want %q", names[protocol.EventMessage], `{"n":1}`)
	}
}

func TestWorkerLateAttachSeesOnlineSnapshot(t *testing.T) {
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), nil)

	proc.EmitOnline()
	waitFor(t, "worker online", func() bool { return w.State() == models.WorkerStateOnline })

	r := w.Attach(false)
	rec := <-r.C
	if rec.Name != protocol.EventOnline || rec.Value != "true" {
		t.Fatalf("late reader should see online snapshot true, got %+v", rec)
	}

	proc.ExitWith(0)
	drain(t, r)
}

func TestWorkerAttachAfterPendingFaultReportsOffline(t *testing.T) {
	exited := make(chan struct{})
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), func(*Worker) { close(exited) })

	// Fault before the online handshake ever happened.
	proc.FailWith(&models.WorkerError{Name: "Error", Message: "boot failed"})
	<-exited

	r := w.Attach(false)
	recs := drain(t, r)
	if len(recs) != 2 {
		t.Fatalf("expected snapshot plus terminal, got %d records: %v", len(recs), recs)
	}
	if recs[0].Name != protocol.EventOnline || recs[0].Value != "false" {
		t.Errorf("worker that never came online replayed snapshot %+v", recs[0])
	}
	if recs[1].Name != protocol.EventError {
		t.Errorf("terminal record = %+v, want error", recs[1])
	}
}

func TestWorkerAttachAfterExitReplaysTerminal(t *testing.T) {
	exited := make(chan struct{})
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), func(*Worker) { close(exited) })

	proc.EmitOnline()
	proc.ExitWith(3)
	<-exited

	r := w.Attach(false)
	recs := drain(t, r)
	if len(recs) != 2 {
		t.Fatalf("expected snapshot plus terminal, got %v", recs)
	}
	if recs[0].Name != protocol.EventOnline || recs[0].Value != "true" {
		t.Errorf("snapshot = %+v", recs[0])
	}
	if recs[1].Name != protocol.EventExit || recs[1].Value != "3" {
		t.Errorf("terminal = %+v", recs[1])
	}
}

func TestWorkerFaultEmitsErrorEnvelope(t *testing.T) {
	exited := make(chan struct{})
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), func(*Worker) { close(exited) })

	r := w.Attach(false)
	proc.EmitOnline()
	proc.FailWith(&models.WorkerError{Name: "Error", Message: "boom", Stack: "at main"})
	<-exited

	recs := drain(t, r)
	last := recs[len(recs)-1]
	if last.Name != protocol.EventError {
		t.Fatalf("terminal should be an error record, got %+v", last)
	}
	werr, err := last.ErrorPayload()
	if err != nil {
		t.Fatalf("error envelope decode failed: %v", err)
	}
	if werr.Name != "Error" || werr.Message != "boom" {
		t.Errorf("envelope = %+v", werr)
	}
}

func TestWorkerGraceWindowTerminatesChild(t *testing.T) {
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, 30*time.Millisecond, testLogger(), nil)
	proc.EmitOnline()

	r := w.Attach(true)
	w.Detach(r)

	waitFor(t, "child termination", proc.Terminated)
}

func TestWorkerReattachWithinGraceCancelsTermination(t *testing.T) {
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, 50*time.Millisecond, testLogger(), nil)
	proc.EmitOnline()

	r := w.Attach(true)
	w.Detach(r)
	r2 := w.Attach(true)

	time.Sleep(150 * time.Millisecond)
	if proc.Terminated() {
		t.Fatal("child was terminated despite a reader reattaching in time")
	}

	// Detaching again restarts the countdown.
	w.Detach(r2)
	waitFor(t, "child termination after final detach", proc.Terminated)
}

func TestWorkerPlainReaderDoesNotScheduleTermination(t *testing.T) {
	proc := hosttest.NewProcess()
	w := newWorker("w1", "hash", proc, false, 30*time.Millisecond, testLogger(), nil)
	proc.EmitOnline()

	r := w.Attach(false)
	w.Detach(r)

	time.Sleep(100 * time.Millisecond)
	if proc.Terminated() {
		t.Fatal("plain reader detach must not terminate the child")
	}
}

func TestWorkerControlDispatch(t *testing.T) {
	t.Run("stdin enabled", func(t *testing.T) {
		proc := hosttest.NewProcess()
		w := newWorker("w1", "hash", proc, true, time.Second, testLogger(), nil)

		w.Control(protocol.Binary(protocol.ControlStdin, []byte("input\n")))
		if got := string(proc.StdinBytes()); got != "input\n" {
			t.Errorf("stdin = %q", got)
		}
	})

	t.Run("stdin disabled drops data", func(t *testing.T) {
		proc := hosttest.NewProcess()
		w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), nil)

		w.Control(protocol.Binary(protocol.ControlStdin, []byte("input")))
		if got := proc.StdinBytes(); len(got) != 0 {
			t.Errorf("stdin should stay empty, got %q", got)
		}
	})

	t.Run("worker message", func(t *testing.T) {
		proc := hosttest.NewProcess()
		w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), nil)

		w.Control(protocol.Binary(protocol.ControlWorkerMessage, []byte(`{"k":"v"}`)))
		msgs := proc.SentMessages()
		if len(msgs) != 1 || string(msgs[0]) != `{"k":"v"}` {
			t.Errorf("sent = %v", msgs)
		}
	})

	t.Run("terminate", func(t *testing.T) {
		proc := hosttest.NewProcess()
		w := newWorker("w1", "hash", proc, false, time.Second, testLogger(), nil)

		w.Control(protocol.Text(protocol.ControlTerminate, "true"))
		waitFor(t, "terminate delivery", proc.Terminated)
	})
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(testLogger())

	procA := hosttest.NewProcess()
	a := newWorker("a", "h1", procA, false, time.Second, testLogger(), func(w *Worker) { reg.Remove(w.ID) })
	reg.Add(a)

	procB := hosttest.NewProcess()
	b := newWorker("b", "h2", procB, false, time.Second, testLogger(), func(w *Worker) { reg.Remove(w.ID) })
	reg.Add(b)

	if got := reg.IDs(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("ids = %v", got)
	}

	procA.ExitWith(0)
	waitFor(t, "exited worker removal", func() bool { return reg.Count() == 1 })

	if _, ok := reg.Get("a"); ok {
		t.Error("exited worker still retrievable")
	}
	if _, ok := reg.Get("b"); !ok {
		t.Error("live worker missing")
	}
}
