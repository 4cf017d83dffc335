package iolib

import "io"

// BufReader is a reader exposing its internal buffer.
//
// FillBuf returns the buffered bytes without consuming them, filling the
// buffer from the underlying source first if it is empty.
// An empty slice with nil error means end of stream.
// Consume marks n bytes of the last FillBuf result as read.
type BufReader interface {
	io.Reader
	FillBuf() ([]byte, error)
	Consume(n int)
}

// Limiter is a reader with an adjustable byte limit.
// Both [*RefTake] and [*BufRefTake] implement it.
type Limiter interface {
	io.Reader
	Limit() uint64
	SetLimit(n uint64)
}

// TakeRef limits r to n bytes without taking it over.
// If r is a [BufReader], the result is a [*BufRefTake], otherwise [*RefTake].
// Assert to the concrete type for Inner, or to [BufReader] for FillBuf.
func TakeRef(r io.Reader, n uint64) Limiter {
	if br, ok := r.(BufReader); ok {
		return TakeBuffered(br, n)
	}
	return Take(r, n)
}

// Take creates new [RefTake] reading at most n bytes from r.
func Take(r io.Reader, n uint64) *RefTake { return &RefTake{r: r, n: n} }

// RefTake is [io.LimitedReader] over a borrowed reader.
// It never closes r, and r keeps its position after the view is dropped,
// so the caller can continue reading from it exactly where the view stopped.
type RefTake struct {
	r io.Reader
	n uint64 // max bytes remaining
}

var (
	_ io.ByteReader = (*RefTake)(nil)
	_ Limiter       = (*RefTake)(nil)
	_ Limiter       = (*BufRefTake)(nil)
)

func (l *RefTake) Read(p []byte) (n int, err error) {
	// Don't touch r once the limit is spent. It may block.
	if l.n == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if uint64(len(p)) > l.n {
		p = p[:l.n]
	}

	n, err = l.r.Read(p)
	if n < 0 || n > len(p) {
		panic("iolib: source returned invalid count from Read")
	}
	l.n -= uint64(n)
	return n, err
}

// maxConsecutiveEmptyReads is the same threshold bufio uses.
const maxConsecutiveEmptyReads = 100

func (l *RefTake) ReadByte() (byte, error) {
	var b [1]byte
	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err := l.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, io.ErrNoProgress
}

// Limit returns how many bytes can still be read.
func (l *RefTake) Limit() uint64 { return l.n }

// SetLimit overrides the remaining limit regardless of what was read before.
func (l *RefTake) SetLimit(n uint64) { l.n = n }

// Inner returns the borrowed reader.
// The view should not be used after this.
func (l *RefTake) Inner() io.Reader { return l.r }

// TakeBuffered creates new [BufRefTake] reading at most n bytes from br.
func TakeBuffered(br BufReader, n uint64) *BufRefTake {
	return &BufRefTake{RefTake: RefTake{r: br, n: n}, br: br}
}

// BufRefTake is [RefTake] over a [BufReader]. It is a [BufReader] itself.
type BufRefTake struct {
	RefTake
	br BufReader
}

var _ BufReader = (*BufRefTake)(nil)

// FillBuf returns the source's buffer cut at the remaining limit.
func (l *BufRefTake) FillBuf() ([]byte, error) {
	if l.n == 0 {
		return []byte{}, nil
	}

	buf, err := l.br.FillBuf()
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) > l.n {
		buf = buf[:l.n]
	}
	return buf, nil
}

// Consume consumes n bytes from the source.
// n is clamped to the remaining limit so an oversized value can neither
// reset the limit nor skip bytes the view never exposed.
func (l *BufRefTake) Consume(n int) {
	if n <= 0 {
		return
	}
	if uint64(n) > l.n {
		n = int(l.n)
	}
	l.n -= uint64(n)
	l.br.Consume(n)
}

// Inner returns the borrowed buffered reader.
func (l *BufRefTake) Inner() BufReader { return l.br }
