// ABOUTME: Server-Sent Events parser used by the streaming provider adapters.
// ABOUTME: Yields events per the W3C EventSource spec, tolerating CR, LF, and CRLF line endings.
package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Event is a single parsed Server-Sent Event.
type Event struct {
	Type  string // "event:" field, defaults to "message"
	Data  string // "data:" field(s), multi-line data joined with newlines
	ID    string // "id:" field
	Retry int    // "retry:" field, -1 when absent
}

// Parser incrementally reads SSE events from a stream.
type Parser struct {
	r    *bufio.Reader
	cur  builder
	done bool
}

// builder accumulates fields for the event currently being parsed.
type builder struct {
	eventType string
	data      []string
	id        string
	retry     int
}

func (b *builder) reset() {
	*b = builder{retry: -1}
}

func (b *builder) event() Event {
	typ := b.eventType
	if typ == "" {
		typ = "message"
	}
	return Event{
		Type:  typ,
		Data:  strings.Join(b.data, "\n"),
		ID:    b.id,
		Retry: b.retry,
	}
}

// NewParser wraps a reader in an SSE parser.
func NewParser(r io.Reader) *Parser {
	p := &Parser{r: bufio.NewReaderSize(r, 4096)}
	p.cur.reset()
	return p
}

// Next returns the next event, or io.EOF when the stream is exhausted. A
// partially accumulated event at EOF is dispatched before EOF is reported.
func (p *Parser) Next() (Event, error) {
	if p.done {
		return Event{}, io.EOF
	}

	for {
		line, err := p.readLine()
		if err != nil {
			if err == io.EOF {
				p.done = true
				if len(p.cur.data) > 0 {
					evt := p.cur.event()
					p.cur.reset()
					return evt, nil
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		switch {
		case line == "":
			// Blank line dispatches; empty accumulations are skipped so
			// consecutive blank lines do not produce empty events.
			if len(p.cur.data) == 0 {
				continue
			}
			evt := p.cur.event()
			p.cur.reset()
			return evt, nil

		case strings.HasPrefix(line, ":"):
			// Comment line.
			continue

		default:
			p.field(line)
		}
	}
}

// field parses one "name: value" line into the current event state.
func (p *Parser) field(line string) {
	name, value := line, ""
	if i := strings.IndexByte(line, ':'); i >= 0 {
		name, value = line[:i], line[i+1:]
		value = strings.TrimPrefix(value, " ")
	}

	switch name {
	case "event":
		p.cur.eventType = value
	case "data":
		p.cur.data = append(p.cur.data, value)
	case "id":
		p.cur.id = value
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			p.cur.retry = n
		}
	}
}

// readLine reads one line, treating CR, LF, and CRLF as terminators.
// bufio.Scanner only splits on LF/CRLF, and some backends emit bare CR.
func (p *Parser) readLine() (string, error) {
	var line strings.Builder
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			if err == io.EOF && line.Len() > 0 {
				return line.String(), nil
			}
			return "", err
		}

		switch b {
		case '\n':
			return line.String(), nil
		case '\r':
			if next, err := p.r.ReadByte(); err == nil && next != '\n' {
				_ = p.r.UnreadByte()
			}
			return line.String(), nil
		default:
			line.WriteByte(b)
		}
	}
}
