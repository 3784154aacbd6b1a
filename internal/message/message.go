// Package message implements the framing state machine of spec.md §4.D:
// it turns a byte stream delivered in arbitrary chunks into discrete
// messages — a header block terminated by a blank line, followed by an
// optional payload whose length is given by a "Length" header — grounded
// on original_source/src/libmdsserver/mds-message.h (the mds_message_t
// state machine: buffer/buffer_size/buffer_ptr, payload/payload_size/
// payload_ptr, stage).
package message

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/mdsproject/mds/internal/marshal"
)

// Version is the Parser's own marshal format version.
const Version = 0

// Stage is the parser's position within one message.
type Stage int

const (
	StageHeaders Stage = iota
	StagePayload
	StageComplete
)

// ErrInterrupted indicates the underlying read was interrupted by a
// signal; the caller should retry.
var ErrInterrupted = errors.New("message: read interrupted")

// ErrMalformed indicates the byte stream violated framing rules (an
// over-long header line, a disallowed byte, or a non-numeric Length
// value). It is non-recoverable: the Parser that produced it must be
// discarded, matching spec.md's "no resynchronization" requirement.
var ErrMalformed = errors.New("message: malformed framing")

// maxHeaderLine bounds a single header line; exceeding it is malformed.
const maxHeaderLine = 16 * 1024

// defaultBufferCapacity is the parser's first buffer allocation size,
// doubled on overflow (spec.md §4.D).
const defaultBufferCapacity = 128

// Header is one "Name: value" line. Raw preserves the header verbatim
// (spec.md: "The parser preserves headers verbatim"); Name/Value are the
// first-colon split spec.md §9's Open Question resolves on.
type Header struct {
	Raw   string
	Name  string
	Value string
}

// Message is one fully framed message: an ordered header sequence plus
// an optional payload.
type Message struct {
	Headers []Header
	Payload []byte
}

// Header returns the value of the first header named name, and whether
// it was present.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// HasHeader reports whether a header named name is present.
func (m *Message) HasHeader(name string) bool {
	_, ok := m.Header(name)
	return ok
}

// HasHeaderLine reports whether any header's verbatim "Name: value" form
// equals raw — used for exact-match dispatch like "Command: register".
func (m *Message) HasHeaderLine(raw string) bool {
	for _, h := range m.Headers {
		if h.Raw == raw {
			return true
		}
	}
	return false
}

// splitHeader splits a header line on its first colon. Per spec.md §9's
// Open Question: the first colon is the separator, and the value is
// everything after ": " (or, lacking the space, everything after the
// colon) to end of line.
func splitHeader(line string) (name, value string) {
	i := bytes.IndexByte([]byte(line), ':')
	if i < 0 {
		return line, ""
	}
	name = line[:i]
	rest := line[i+1:]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return name, rest
}

// Parser is the single-owner framing state machine that accumulates
// bytes from a reader and delivers complete Messages. It is never safe
// to share across goroutines (spec.md §4.D, "Concurrency").
type Parser struct {
	buf       []byte
	fill      int // bytes valid in buf
	lineStart int // start of the header line currently being scanned
	scanFrom  int // resume point for the next '\n' search

	stage        Stage
	headers      []Header
	hasLength    bool
	payloadSize  int
	payloadStart int // offset in buf where the payload begins, once known
	payload      []byte

	dead bool // true after ErrMalformed; the parser must be discarded
}

// New returns a freshly initialised Parser.
func New() *Parser {
	return &Parser{buf: make([]byte, defaultBufferCapacity)}
}

// Stage reports the parser's current position within the in-flight
// message.
func (p *Parser) Stage() Stage { return p.stage }

func (p *Parser) growIfFull() {
	if p.fill < len(p.buf) {
		return
	}
	grown := make([]byte, len(p.buf)*2)
	copy(grown, p.buf[:p.fill])
	p.buf = grown
}

func (p *Parser) resetForNextMessage() {
	consumedEnd := p.payloadStart + p.payloadSize
	leftover := p.fill - consumedEnd
	copy(p.buf, p.buf[consumedEnd:p.fill])
	p.fill = leftover
	p.lineStart = 0
	p.scanFrom = 0
	p.stage = StageHeaders
	p.headers = nil
	p.hasLength = false
	p.payloadSize = 0
	p.payloadStart = 0
	p.payload = nil
}

// tryParse attempts to complete one message using only already-buffered
// bytes. It returns (msg, true, nil) on success, (nil, false, nil) if
// more input is needed, or (nil, false, ErrMalformed).
func (p *Parser) tryParse() (*Message, bool, error) {
	for p.stage == StageHeaders {
		idx := bytes.IndexByte(p.buf[p.scanFrom:p.fill], '\n')
		if idx < 0 {
			p.scanFrom = p.fill
			return nil, false, nil
		}
		absIdx := p.scanFrom + idx
		line := p.buf[p.lineStart:absIdx]
		if bytes.IndexByte(line, '\r') >= 0 {
			return nil, false, ErrMalformed
		}
		if len(line) > maxHeaderLine {
			return nil, false, ErrMalformed
		}
		if len(line) == 0 {
			// Blank line: header block is done.
			p.payloadStart = absIdx + 1
			p.lineStart = p.payloadStart
			p.scanFrom = p.payloadStart
			p.stage = StagePayload
			break
		}
		name, value := splitHeader(string(line))
		h := Header{Raw: string(line), Name: name, Value: value}
		if name == "Length" {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, false, ErrMalformed
			}
			p.hasLength = true
			p.payloadSize = int(n)
		}
		p.headers = append(p.headers, h)
		p.lineStart = absIdx + 1
		p.scanFrom = p.lineStart
	}

	if !p.hasLength {
		msg := &Message{Headers: p.headers}
		p.resetForNextMessage()
		return msg, true, nil
	}

	if p.fill-p.payloadStart < p.payloadSize {
		return nil, false, nil
	}

	payload := make([]byte, p.payloadSize)
	copy(payload, p.buf[p.payloadStart:p.payloadStart+p.payloadSize])
	p.payload = payload
	p.stage = StageComplete

	msg := &Message{Headers: p.headers, Payload: p.payload}
	p.resetForNextMessage()
	return msg, true, nil
}

// Feed appends bytes the caller already pulled out of the underlying
// reader (typically a bufio.Reader's buffered-but-unconsumed look-ahead)
// directly into the parser's own buffer, growing it if necessary. It
// exists for the re-exec handoff path: duplicating a connection's file
// descriptor does not carry along whatever bufio.Reader had already
// read into its userspace buffer, so that buffer must be drained into
// the parser before the connection's fd is handed to the new process
// image, or those bytes would be silently lost.
func (p *Parser) Feed(extra []byte) {
	needed := p.fill + len(extra)
	if needed > len(p.buf) {
		grown := make([]byte, needed)
		copy(grown, p.buf[:p.fill])
		p.buf = grown
	}
	copy(p.buf[p.fill:needed], extra)
	p.fill = needed
}

// fillFrom reads one chunk from r into the parser's buffer, growing the
// buffer (doubling from its 128-byte default) if it is full.
func (p *Parser) fillFrom(r io.Reader) error {
	p.growIfFull()
	n, err := r.Read(p.buf[p.fill:])
	if n > 0 {
		p.fill += n
	}
	if err != nil {
		if isInterrupted(err) {
			return ErrInterrupted
		}
		return err
	}
	if n == 0 {
		return io.EOF
	}
	return nil
}

// ReadMessage reads from r, accumulating bytes until one full message is
// available, and returns it. It returns ErrInterrupted on a
// signal-interrupted read (the caller should retry the call), any other
// read error verbatim (the bus loop distinguishes ECONNRESET for
// reconnection), or ErrMalformed if framing is violated — once that
// happens the Parser is dead and every subsequent call returns
// ErrMalformed immediately.
func (p *Parser) ReadMessage(r io.Reader) (*Message, error) {
	if p.dead {
		return nil, ErrMalformed
	}
	for {
		msg, ok, err := p.tryParse()
		if err != nil {
			p.dead = true
			return nil, err
		}
		if ok {
			return msg, nil
		}
		if err := p.fillFrom(r); err != nil {
			return nil, err
		}
	}
}

// MarshalSize returns the number of bytes Marshal will write. includeBuffer
// must match the value passed to Marshal, since it changes the layout:
// spec.md's `include_buffer` flag lets a re-exec either carry a
// mid-message parser's unconsumed bytes across execve verbatim, or drop
// them when the caller knows the connection will be fully reframed
// (e.g. after a reconnection reset).
func (p *Parser) MarshalSize(includeBuffer bool) int {
	size := 4 + 4 + 8 + 8 // version int32, stage int32, dead bool, hasLength bool
	size += 8 + 8 + 8 + 8 + 8 // payloadSize, payloadStart, fill, lineStart, scanFrom
	size += 8                 // header count
	for _, h := range p.headers {
		size += marshal.SizeCString(h.Raw)
	}
	size += 8 + len(p.payload)
	size += 8 // includeBuffer flag
	if includeBuffer {
		size += 8 + p.fill
	}
	return size
}

// Marshal writes the parser's in-flight framing state, so a re-exec'd
// process can resume exactly where the old one left off instead of
// requiring every connection to restart its current message.
func (p *Parser) Marshal(w *marshal.Writer, includeBuffer bool) {
	w.Int32(Version)
	w.Int32(int32(p.stage))
	w.Bool(p.dead)
	w.Bool(p.hasLength)
	w.Uint64(uint64(p.payloadSize))
	w.Uint64(uint64(p.payloadStart))
	w.Uint64(uint64(p.fill))
	w.Uint64(uint64(p.lineStart))
	w.Uint64(uint64(p.scanFrom))
	w.Uint64(uint64(len(p.headers)))
	for _, h := range p.headers {
		w.CString(h.Raw)
	}
	w.Uint64(uint64(len(p.payload)))
	w.RawBytes(p.payload)
	w.Bool(includeBuffer)
	if includeBuffer {
		w.Uint64(uint64(p.fill))
		w.RawBytes(p.buf[:p.fill])
	}
}

// Unmarshal reconstructs a Parser from r. If the buffer was marshalled
// without its receive buffer (includeBuffer false at Marshal time), the
// returned Parser starts with an empty buffer at StageHeaders regardless
// of the recorded stage — the caller must be certain the peer connection
// will be reframed from the next byte it sends.
func Unmarshal(r *marshal.Reader) (*Parser, error) {
	if _, err := r.Version(Version); err != nil {
		return nil, err
	}
	stage, err := r.Int32()
	if err != nil {
		return nil, err
	}
	dead, err := r.Bool()
	if err != nil {
		return nil, err
	}
	hasLength, err := r.Bool()
	if err != nil {
		return nil, err
	}
	payloadSize, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	payloadStart, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	fill, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	lineStart, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	scanFrom, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	headerCount, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	headers := make([]Header, 0, headerCount)
	for i := uint64(0); i < headerCount; i++ {
		raw, err := r.CString()
		if err != nil {
			return nil, err
		}
		name, value := splitHeader(raw)
		headers = append(headers, Header{Raw: raw, Name: name, Value: value})
	}
	payloadLen, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	payload, err := r.RawBytes(int(payloadLen))
	if err != nil {
		return nil, err
	}
	includeBuffer, err := r.Bool()
	if err != nil {
		return nil, err
	}

	if !includeBuffer {
		// Without the receive buffer, any mid-message position is
		// meaningless: the caller is certain the peer connection will
		// be fully reframed, so start clean rather than resuming a
		// stage we have no bytes for.
		return New(), nil
	}

	p := &Parser{
		stage:        Stage(stage),
		dead:         dead,
		hasLength:    hasLength,
		payloadSize:  int(payloadSize),
		payloadStart: int(payloadStart),
		lineStart:    int(lineStart),
		scanFrom:     int(scanFrom),
		headers:      headers,
		payload:      payload,
	}

	bufLen, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	buf, err := r.RawBytes(int(bufLen))
	if err != nil {
		return nil, err
	}
	if len(buf) < defaultBufferCapacity {
		grown := make([]byte, defaultBufferCapacity)
		copy(grown, buf)
		buf = grown
	}
	p.buf = buf
	p.fill = int(fill)
	return p, nil
}
