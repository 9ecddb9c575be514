// Package protocol decodes the worker's newline-delimited JSON progress
// protocol. The stream may interleave ordinary log text with events; any line
// that is not a recognized event is dropped without error.
package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
)

// Discriminator values of the "event" field.
const (
	EventProgress     = "progress"
	EventWroteResults = "wrote_results"
	EventError        = "error"
)

// MaxLineBytes bounds a single protocol line. Longer lines are discarded.
const MaxLineBytes = 1 << 20

// Event is the closed set of messages the orchestrator acts on.
type Event interface {
	isEvent()
}

// Progress reports a completed episode. Total is zero when the worker did
// not send a usable total.
type Progress struct {
	Episode int
	Total   int
}

// WroteResults signals that the result artifact has been written.
type WroteResults struct {
	Path string
}

func (Progress) isEvent()     {}
func (WroteResults) isEvent() {}

type wireEvent struct {
	Event   string          `json:"event"`
	Episode json.RawMessage `json:"episode,omitempty"`
	Total   json.RawMessage `json:"total,omitempty"`
	Path    string          `json:"path,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ParseLine decodes one line. ok is false for anything that is not a
// recognized event: non-JSON text, other JSON shapes, unknown discriminators,
// or a progress event without a usable episode number.
func ParseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}

	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, false
	}

	switch w.Event {
	case EventProgress:
		episode, ok := parseCount(w.Episode)
		if !ok {
			return nil, false
		}
		total, ok := parseCount(w.Total)
		if !ok {
			total = 0
		}
		return Progress{Episode: episode, Total: total}, true
	case EventWroteResults:
		return WroteResults{Path: w.Path}, true
	default:
		return nil, false
	}
}

// parseCount accepts a JSON number or numeric string and truncates it to a
// non-negative int.
func parseCount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := string(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// Parser turns an arbitrarily chunked byte stream into events. It implements
// io.WriteCloser so a pipe can be copied straight into it. A Parser is not
// safe for concurrent use; each stream gets its own.
type Parser struct {
	buf       []byte
	discard   bool
	emit      func(Event)
	maxLine   int
	dropped   int
	delivered int
}

var _ io.WriteCloser = (*Parser)(nil)

// NewParser creates a parser that calls emit for each recognized event, in
// stream order.
func NewParser(emit func(Event)) *Parser {
	return &Parser{emit: emit, maxLine: MaxLineBytes}
}

// Write buffers p and emits an event for each complete recognized line.
func (p *Parser) Write(chunk []byte) (int, error) {
	n := len(chunk)
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.append(chunk)
			break
		}
		p.append(chunk[:i])
		p.flushLine()
		chunk = chunk[i+1:]
	}
	return n, nil
}

// Close processes a trailing line that had no terminator.
func (p *Parser) Close() error {
	if len(p.buf) > 0 || p.discard {
		p.flushLine()
	}
	return nil
}

// Stats reports how many lines were delivered as events and how many were dropped.
func (p *Parser) Stats() (delivered, dropped int) {
	return p.delivered, p.dropped
}

func (p *Parser) append(b []byte) {
	if p.discard {
		return
	}
	if len(p.buf)+len(b) > p.maxLine {
		p.buf = p.buf[:0]
		p.discard = true
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *Parser) flushLine() {
	line := p.buf
	discard := p.discard
	p.buf = p.buf[:0]
	p.discard = false

	if discard {
		p.dropped++
		return
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	ev, ok := ParseLine(line)
	if !ok {
		p.dropped++
		return
	}
	p.delivered++
	if p.emit != nil {
		p.emit(ev)
	}
}

// Encoder writes protocol events, one JSON object per line. The bundled
// trainer uses it for its stdout.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Progress writes a progress event.
func (e *Encoder) Progress(episode, total int) error {
	return e.write(map[string]interface{}{"event": EventProgress, "episode": episode, "total": total})
}

// WroteResults writes a results-written event.
func (e *Encoder) WroteResults(path string) error {
	return e.write(map[string]interface{}{"event": EventWroteResults, "path": path})
}

// Error writes an error event. Workers send these on stderr.
func (e *Encoder) Error(message string) error {
	return e.write(map[string]interface{}{"event": EventError, "message": message})
}

func (e *Encoder) write(v map[string]interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = e.w.Write(b)
	return err
}

// Diagnostic returns the text to record for one stderr line. A worker error
// event is reduced to its message; any other line is returned trimmed.
func Diagnostic(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return line
	}
	var w wireEvent
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return line
	}
	if w.Event == EventError && w.Message != "" {
		return w.Message
	}
	return line
}
