// Package protocol implements the line framing shared by the event stream
// (node to client) and the control stream (client to node). Each record is a
// single line "name: value\n"; values that may carry arbitrary bytes are
// base64-encoded so they survive the text transport.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/workernodes/workernodes/pkg/models"
)

// Event record names (node to client).
const (
	EventOnline  = "online"
	EventStdout  = "stdout"
	EventStderr  = "stderr"
	EventMessage = "message"
	EventExit    = "exit"
	EventError   = "error"
)

// Control record names (client to node).
const (
	ControlStdin         = "stdin"
	ControlWorkerMessage = "worker_message"
	ControlTerminate     = "terminate"
)

// Record is one framed line. Value is stored in its on-the-wire form.
type Record struct {
	Name  string
	Value string
}

// Text builds a record with a plain ASCII value (exit codes, online flag).
func Text(name, value string) Record {
	return Record{Name: name, Value: value}
}

// Binary builds a record whose payload is base64-encoded on the wire.
func Binary(name string, payload []byte) Record {
	return Record{Name: name, Value: base64.StdEncoding.EncodeToString(payload)}
}

// ErrorEvent builds the terminal error record carrying a JSON envelope.
func ErrorEvent(werr *models.WorkerError) (Record, error) {
	data, err := json.Marshal(werr)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal error envelope: %w", err)
	}
	return Binary(EventError, data), nil
}

// Payload base64-decodes the record value.
func (r Record) Payload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(r.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", r.Name, err)
	}
	return data, nil
}

// ErrorPayload decodes the JSON envelope of an error record.
func (r Record) ErrorPayload() (*models.WorkerError, error) {
	data, err := r.Payload()
	if err != nil {
		return nil, err
	}
	werr := &models.WorkerError{}
	if err := json.Unmarshal(data, werr); err != nil {
		return nil, fmt.Errorf("invalid error envelope: %w", err)
	}
	return werr, nil
}

// Encode renders the record as one framed line.
func (r Record) Encode() []byte {
	buf := make([]byte, 0, len(r.Name)+len(r.Value)+3)
	buf = append(buf, r.Name...)
	buf = append(buf, ':', ' ')
	buf = append(buf, r.Value...)
	buf = append(buf, '\n')
	return buf
}

// Write encodes the record onto w and flushes if w supports it, so streaming
// peers see each record as soon as it is produced.
func Write(w io.Writer, r Record) error {
	if _, err := w.Write(r.Encode()); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Parser reassembles records from a chunked byte stream. Chunk boundaries are
// arbitrary: the trailing fragment of each chunk is carried until the next
// newline arrives. Parser implements io.Writer so a response body can be
// copied straight into it.
type Parser struct {
	pending []byte
	emit    func(Record)
}

// NewParser returns a parser that calls emit for every complete record.
func NewParser(emit func(Record)) *Parser {
	return &Parser{emit: emit}
}

func (p *Parser) Write(chunk []byte) (int, error) {
	rest := chunk
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			p.pending = append(p.pending, rest...)
			return len(chunk), nil
		}
		line := rest[:i]
		rest = rest[i+1:]
		if len(p.pending) > 0 {
			line = append(p.pending, line...)
			p.pending = nil
		}
		if rec, ok := parseLine(line); ok {
			p.emit(rec)
		}
	}
}

// parseLine splits "name: value". Lines without a separator are dropped;
// unknown names are the receiver's problem.
func parseLine(line []byte) (Record, bool) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return Record{}, false
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return Record{Name: string(line[:i]), Value: string(value)}, true
}
