package claude

import (
	"bytes"
	"log/slog"
	"sync/atomic"
	"time"
)

// StreamParser splits the CLI's stdout into newline-delimited JSON records.
//
// Feed must be called from a single goroutine; LastEventTime and Discarded
// are safe to call from anywhere.
type StreamParser struct {
	log  *slog.Logger
	buf  []byte
	off  int // start of the unconsumed bytes in buf
	scan int // bytes after off already searched for a newline

	lastEvent atomic.Int64 // unix nanos of the last valid record
	discarded atomic.Int64

	now func() time.Time
}

// compactThreshold is how many consumed bytes may sit at the front of the
// buffer before the residual line is moved down.
const compactThreshold = 64 * 1024

// NewStreamParser creates a parser with an empty residual buffer.
func NewStreamParser(log *slog.Logger) *StreamParser {
	return &StreamParser{log: log, now: time.Now}
}

// Feed appends chunk to the residual buffer and decodes every complete line.
// The trailing partial line, if any, is kept for the next call and is not
// searched again.
func (p *StreamParser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(p.buf[p.off+p.scan:], '\n')
		if i < 0 {
			p.scan = len(p.buf) - p.off
			break
		}
		end := p.off + p.scan + i
		if ev, ok := p.parseLine(p.buf[p.off:end]); ok {
			events = append(events, ev)
		}
		p.off = end + 1
		p.scan = 0
	}

	p.compact()
	return events
}

func (p *StreamParser) compact() {
	switch {
	case p.off == len(p.buf):
		p.buf = p.buf[:0]
		p.off = 0
	case p.off >= compactThreshold && p.off >= len(p.buf)-p.off:
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
}

// Flush decodes whatever remains in the residual buffer. Called at EOF,
// when the final record may lack a trailing newline.
func (p *StreamParser) Flush() []Event {
	line := p.buf[p.off:]
	p.buf, p.off, p.scan = nil, 0, 0
	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Pending returns the number of residual bytes awaiting a newline.
func (p *StreamParser) Pending() int {
	return len(p.buf) - p.off
}

// LastEventTime returns when the last valid record was decoded, or the zero
// time if none has been.
func (p *StreamParser) LastEventTime() time.Time {
	ns := p.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Discarded returns how many non-JSON lines have been dropped.
func (p *StreamParser) Discarded() int64 {
	return p.discarded.Load()
}

func (p *StreamParser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	if line[0] != '{' {
		p.discardLine(line, nil)
		return Event{}, false
	}

	ev, err := decodeEvent(line)
	if err != nil {
		p.discardLine(line, err)
		return Event{}, false
	}
	p.lastEvent.Store(p.now().UnixNano())
	return ev, true
}

// discardLine is the tolerance path for output that is not a protocol
// record, such as diagnostics printed by the CLI or its hooks.
func (p *StreamParser) discardLine(line []byte, err error) {
	p.discarded.Add(1)
	if p.log != nil {
		p.log.Debug("discarding non-protocol line", "line", truncateForLog(string(line)), "error", err)
	}
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
