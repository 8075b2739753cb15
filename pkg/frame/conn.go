package frame

import (
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/HookedBehemoth/twili/pkg/protocol"
)

// DefaultMaxPayloadSize and DefaultMaxObjectCount bound a single
// frame; a frame exceeding either flags its connection for deletion
// rather than allocating unbounded memory for a malicious or
// corrupted header.
const (
	DefaultMaxPayloadSize = 256 * 1024 * 1024
	DefaultMaxObjectCount = 64
)

// ErrOversizedFrame is returned from Process (and recorded via
// MarkDeleted) when a header declares a payload or object count
// beyond the configured limits.
var ErrOversizedFrame = errors.New("frame: payload_size or object_count exceeds limit")

// Conn wraps a byte-stream endpoint with an inbound buffer fed by a
// single reader and an outbound buffer fed by any number of
// producers. It has no notion of request vs. response; that
// interpretation belongs to the caller's Deliver function.
type Conn struct {
	rwc io.ReadWriteCloser

	// inbound is appended to and parsed by a single goroutine
	// (PumpInput/Process), so it needs no lock of its own.
	inbound bytes.Buffer

	outMu  sync.Mutex
	outbuf bytes.Buffer

	maxPayloadSize uint64
	maxObjectCount uint64

	mu      sync.Mutex
	deleted bool
}

// NewConn constructs a Conn with the default size limits.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:            rwc,
		maxPayloadSize: DefaultMaxPayloadSize,
		maxObjectCount: DefaultMaxObjectCount,
	}
}

// Enqueue appends a frame to the outbound buffer. Safe to call from
// multiple goroutines concurrently; PumpOutput drains it from a
// single writer goroutine.
func (c *Conn) Enqueue(f Frame) {
	b := f.Marshal()
	c.outMu.Lock()
	c.outbuf.Write(b)
	c.outMu.Unlock()
}

// PumpOutput writes as much of the outbound buffer as the underlying
// stream will currently accept.
func (c *Conn) PumpOutput() error {
	c.outMu.Lock()
	pending := c.outbuf.Bytes()
	c.outbuf.Reset()
	c.outMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	n, err := c.rwc.Write(pending)
	if n < len(pending) {
		// Put back whatever didn't make it out, ahead of anything
		// enqueued in the meantime, so the next PumpOutput call
		// retries it without reordering.
		unwritten := append([]byte(nil), pending[n:]...)
		c.outMu.Lock()
		rest := c.outbuf.Bytes()
		c.outbuf.Reset()
		c.outbuf.Write(unwritten)
		c.outbuf.Write(rest)
		c.outMu.Unlock()
	}
	return err
}

// PumpInput drains whatever is currently available from the
// underlying stream into the inbound buffer. It blocks until at
// least one byte (or EOF/error) is available, matching the
// teacher's one-goroutine-per-connection read loop.
func (c *Conn) PumpInput() error {
	tmp := make([]byte, 64*1024)
	n, err := c.rwc.Read(tmp)
	if n > 0 {
		c.inbound.Write(tmp[:n])
	}
	return err
}

// Process parses as many whole frames as are currently buffered and
// invokes deliver for each, in order. A frame becomes available
// exactly when header + payload + object-id trailer are fully
// present; a partial frame remains buffered for the next call.
//
// If a header declares a payload or object count beyond the
// configured limits, the connection is flagged for deletion and
// Process returns ErrOversizedFrame; no further frames are parsed
// from the now-untrustworthy buffer.
func (c *Conn) Process(deliver func(Frame)) error {
	for {
		if c.inbound.Len() < protocol.HeaderLen {
			return nil
		}

		raw := c.inbound.Bytes()
		header := protocol.UnmarshalHeader(raw[:protocol.HeaderLen])

		if header.PayloadSize > c.maxPayloadSize || header.ObjectCount > c.maxObjectCount {
			c.MarkDeleted()
			return ErrOversizedFrame
		}

		total := uint64(protocol.HeaderLen) + header.PayloadSize + 4*header.ObjectCount
		if uint64(c.inbound.Len()) < total {
			return nil
		}

		body := raw[protocol.HeaderLen:total]
		payload := append([]byte(nil), body[:header.PayloadSize]...)
		objectIDs := protocol.UnmarshalObjectIDs(body[header.PayloadSize:], header.ObjectCount)

		c.inbound.Next(int(total))

		deliver(Frame{Header: header, Payload: payload, ObjectIDs: objectIDs})
	}
}

// MarkDeleted flags the connection for teardown. It is idempotent and
// safe to call from any goroutine.
func (c *Conn) MarkDeleted() {
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
}

// Deleted reports whether MarkDeleted has been called.
func (c *Conn) Deleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// Serve runs PumpInput+Process in a loop on the calling goroutine
// until the stream errs, EOFs, or is marked deleted; each parsed
// frame is handed to deliver. Callers typically run Serve in its own
// goroutine and a separate PumpOutput-driven writer loop in another.
func (c *Conn) Serve(deliver func(Frame)) error {
	for !c.Deleted() {
		if err := c.PumpInput(); err != nil {
			c.MarkDeleted()
			return err
		}
		if err := c.Process(deliver); err != nil {
			return err
		}
	}
	return nil
}
