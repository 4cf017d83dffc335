// Package pipe provides in-memory connection pairs.
//
// Each end owns a bounded receive buffer which it exposes through
// [iolib.BufReader], so parsers can peek at received bytes
// without copying them through an extra bufio layer.
package pipe

import (
	"bytes"
	iolib "reftake/lib/io"
	"reftake/transport"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// See:
// - https://github.com/golang/go/issues/24205
// - https://github.com/golang/go/issues/34502
type End struct {
	addr Addr

	buf *bytes.Buffer // protected by in.

	in, out  sync.Cond
	serialMu sync.Mutex // For serialized write operations.

	_closed  bool
	closedMu sync.Mutex

	rdeadLine, wdeadLine *deadline

	// the opposite end.
	counterpart *End
}

type Addr struct {
	Name string
}

func (a Addr) Identifier() any { return a.Name }
func (a Addr) String() string  { return a.Name }

var (
	_ transport.Addr         = Addr{}
	_ transport.BufferedConn = (*End)(nil)
	_ iolib.BufReader        = (*End)(nil)
)

// New creates a pair of connected ends. Writes complete as soon as the
// counterpart's buffer takes them, so bufSize MUST be more than 0.
func New(name1, name2 string, clock clock.Clock, bufSize uint) (e1, e2 *End) {
	if bufSize == 0 {
		panic("buffer size cannot be 0")
	}

	e1, e2 = newEnd(name1, clock, bufSize), newEnd(name2, clock, bufSize)
	e1.counterpart, e2.counterpart = e2, e1
	return
}

func newEnd(name string, clock clock.Clock, bufSize uint) *End {
	e := &End{
		buf:       bytes.NewBuffer(make([]byte, 0, bufSize)),
		rdeadLine: newDeadLine(clock),
		wdeadLine: newDeadLine(clock),
		addr:      Addr{Name: name},
	}
	e.in.L, e.out.L = &sync.Mutex{}, &sync.Mutex{}
	return e
}

func (e *End) ReadBufSize() uint          { return uint(e.buf.Cap()) }
func (e *End) WriteBufSize() uint         { return uint(e.counterpart.buf.Cap()) }
func (e *End) LocalAddr() transport.Addr  { return e.addr }
func (e *End) RemoteAddr() transport.Addr { return e.counterpart.addr }

func (e *End) Close() error {
	e.closedMu.Lock()
	e._closed = true
	e.closedMu.Unlock()

	broadcast(&e.in)
	broadcast(&e.out)
	broadcast(&e.counterpart.in)
	broadcast(&e.counterpart.out)
	return nil
}

func (e *End) Read(b []byte) (n int, err error) {
	defer func() {
		if err == nil {
			e.releaseWriter()
		}
	}()

	e.in.L.Lock()
	defer e.in.L.Unlock()

	if err := e.waitReadable(); err != nil {
		return 0, err
	}
	return e.buf.Read(b)
}

// FillBuf waits for received bytes and returns a copy of all of them
// without consuming.
func (e *End) FillBuf() ([]byte, error) {
	e.in.L.Lock()
	defer e.in.L.Unlock()

	if err := e.waitReadable(); err != nil {
		return nil, err
	}
	// Writer may compact the buffer in place, so don't hand out its memory.
	return bytes.Clone(e.buf.Bytes()), nil
}

func (e *End) Consume(n int) {
	e.in.L.Lock()
	e.buf.Next(n)
	e.in.L.Unlock()

	e.releaseWriter()
}

// waitReadable returns nil once the buffer has bytes. Caller holds in.L.
func (e *End) waitReadable() error {
	for {
		// We must check for deadline first.
		if e.rdeadLine.exceeded() {
			return transport.ErrDeadLineExceeded
		}

		// Even if connection is closed, we must be able to read from buffer.
		if e.buf.Len() > 0 {
			return nil
		}

		if e.closed() || e.counterpart.closed() {
			return transport.ErrConnClosed
		}

		e.in.Wait()
	}
}

// releaseWriter wakes the counterpart if it waits for buffer space.
func (e *End) releaseWriter() {
	e.counterpart.out.L.Lock()
	e.counterpart.notifyWrite()
	e.counterpart.out.L.Unlock()
}

func (e *End) Write(b []byte) (n int, err error) {
	// Serialize write operations to prevent interleaving write.
	e.serialMu.Lock()
	defer e.serialMu.Unlock()

	e.out.L.Lock()
	defer e.out.L.Unlock()

	// Ensure all the bytes are sent.
	nn := 0
	for once := true; once || len(b) > 0; once = false {
		if e.wdeadLine.exceeded() {
			return nn, transport.ErrDeadLineExceeded
		}

		if e.closed() || e.counterpart.closed() {
			return nn, transport.ErrConnClosed
		}

		// It might race with counterpart's read. So acquire lock.
		e.counterpart.in.L.Lock()

		// We don't want counterpart's buffer to grow.
		remain := e.counterpart.buf.Cap() - e.counterpart.buf.Len()

		if canWrite := min(len(b), remain); canWrite > 0 {
			// Counterpart's read starts after we release its lock.
			e.counterpart.notifyRead()

			e.counterpart.buf.Write(b[:canWrite])
			b = b[canWrite:]
			nn += canWrite

			e.counterpart.in.L.Unlock()
			continue
		}

		e.counterpart.in.L.Unlock()
		e.out.Wait()
	}

	return nn, nil
}

func (e *End) closed() bool {
	e.closedMu.Lock()
	defer e.closedMu.Unlock()

	return e._closed
}

// notifyRead's caller already holds lock. So no need to hold it in here.
func (e *End) notifyRead()  { e.in.Signal() }
func (e *End) notifyWrite() { e.out.Signal() }

func (e *End) SetReadDeadLine(t time.Time)  { e.rdeadLine.set(t, func() { broadcast(&e.in) }) }
func (e *End) SetWriteDeadLine(t time.Time) { e.wdeadLine.set(t, func() { broadcast(&e.out) }) }

// broadcast holds c.L so that a waiter can't miss the wakeup
// between checking the deadline and calling Wait.
func broadcast(c *sync.Cond) {
	c.L.Lock()
	c.Broadcast()
	c.L.Unlock()
}

func newDeadLine(clock clock.Clock) *deadline { return &deadline{clock: clock} }

type deadline struct {
	clock clock.Clock
	m     sync.Mutex

	timer *clock.Timer
	t     time.Time
}

func (d *deadline) set(t time.Time, onExceed func()) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.t = t

	if !t.IsZero() {
		// onExceed takes the cond lock, which is held while calling exceeded.
		// So it must run without holding m.
		d.timer = d.clock.AfterFunc(d.clock.Until(t), onExceed)
	}
}

func (d *deadline) exceeded() bool {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t.IsZero() {
		return false
	}

	return d.clock.Until(d.t) <= 0
}
