// Package mock provides test doubles for the s2s package interfaces.
//
// Dialer fails a configurable number of times before handing out Conns. Conn
// lets a test push inbound frames and inspect every frame the code under test
// wrote.
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Failures: 2, Conns: []*mock.Conn{conn}}
//	conn.PushJSON(map[string]string{"type": "Welcome"})
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/pkg/provider/s2s"
)

var (
	_ s2s.Dialer = (*Dialer)(nil)
	_ s2s.Conn   = (*Conn)(nil)
)

// ErrDial is returned by Dialer.Dial for scripted failures when DialErr is nil.
var ErrDial = errors.New("mock: dial failed")

// Dialer is a mock implementation of s2s.Dialer.
type Dialer struct {
	mu sync.Mutex

	// ValidateErr is returned by Validate.
	ValidateErr error

	// Failures is the number of leading Dial calls that fail.
	Failures int

	// DialErr is returned for failed dials. Defaults to ErrDial.
	DialErr error

	// Conns are handed out in order by successful dials. When exhausted a
	// fresh Conn is created.
	Conns []*Conn

	// DialCalls counts every Dial invocation.
	DialCalls int

	// Dialed collects every Conn returned so far.
	Dialed []*Conn
}

// Validate returns ValidateErr.
func (d *Dialer) Validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ValidateErr
}

// Dial returns the next scripted result.
func (d *Dialer) Dial(ctx context.Context) (s2s.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls++
	if d.DialCalls <= d.Failures {
		if d.DialErr != nil {
			return nil, d.DialErr
		}
		return nil, ErrDial
	}
	var c *Conn
	if len(d.Conns) > 0 {
		c = d.Conns[0]
		d.Conns = d.Conns[1:]
	} else {
		c = NewConn()
	}
	d.Dialed = append(d.Dialed, c)
	return c, nil
}

// Calls returns the number of Dial invocations.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCalls
}

// Conn is a mock implementation of s2s.Conn.
type Conn struct {
	inbound chan s2s.Frame
	failCh  chan error
	closed  chan struct{}

	mu         sync.Mutex
	json       []json.RawMessage
	audio      [][]byte
	closeCalls int
	writeErr   error
}

// NewConn returns an open Conn with a buffered inbound queue.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan s2s.Frame, 256),
		failCh:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Push queues an inbound frame.
func (c *Conn) Push(f s2s.Frame) { c.inbound <- f }

// PushJSON marshals v and queues it as a text frame.
func (c *Conn) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Push(s2s.Frame{Data: data})
}

// PushRaw queues a text frame with the given payload.
func (c *Conn) PushRaw(data string) { c.Push(s2s.Frame{Data: []byte(data)}) }

// PushAudio queues a binary frame.
func (c *Conn) PushAudio(pcm []byte) { c.Push(s2s.Frame{Binary: true, Data: pcm}) }

// Fail makes the next Read (after queued frames drain) return err.
func (c *Conn) Fail(err error) {
	select {
	case c.failCh <- err:
	default:
	}
}

// SetWriteErr makes every subsequent write fail with err.
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Read returns queued frames in order.
func (c *Conn) Read(ctx context.Context) (s2s.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbound:
		return f, nil
	case err := <-c.failCh:
		return s2s.Frame{}, err
	case <-c.closed:
		return s2s.Frame{}, net.ErrClosed
	case <-ctx.Done():
		return s2s.Frame{}, ctx.Err()
	}
}

// WriteJSON records the marshalled message.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		return err
	}
	c.json = append(c.json, data)
	return nil
}

// WriteAudio records a copy of pcm.
func (c *Conn) WriteAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		return err
	}
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	return nil
}

func (c *Conn) writableLocked() error {
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
		return nil
	}
}

// Close marks the Conn closed and unblocks Read. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closeCalls == 1 {
		close(c.closed)
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns the number of Close invocations.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// JSON returns every text frame written so far.
func (c *Conn) JSON() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.json...)
}

// Audio returns every binary frame written so far.
func (c *Conn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

// MessagesOfType decodes written text frames and returns those whose type
// tag equals typ.
func (c *Conn) MessagesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, raw := range c.JSON() {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// WaitForType polls until at least n messages of typ were written or timeout
// elapses.
func (c *Conn) WaitForType(typ string, n int, timeout time.Duration) []map[string]any {
	deadline := time.Now().Add(timeout)
	for {
		msgs := c.MessagesOfType(typ)
		if len(msgs) >= n || time.Now().After(deadline) {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
}
