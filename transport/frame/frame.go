// Package frame reads and writes length-delimited records over a
// [transport.Conn] without taking the connection over.
//
// A frame is a header line followed by exactly size payload bytes:
//
//	frame  = size *( ";" key "=" value ) CRLF payload
//	size   = 1*HEXDIG
//
// Each frame body is handed out as a limited view of the shared reader,
// so a body can never read into the next frame.
package frame

import (
	"bytes"
	"io"
	iolib "reftake/lib/io"
	"reftake/transport"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var crlf = []byte("\r\n")

const defaultMaxHeaderSize = 1024

var (
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrMalformedHeader  = errors.New("malformed frame header")
	ErrInvalidExtension = errors.New("invalid frame extension")
)

type Options struct {
	// Timeout bounds the time spent on a single frame. Zero means no limit.
	Timeout time.Duration
	// MaxSize is the largest accepted payload. Zero means no limit.
	MaxSize uint64
	// MaxHeaderSize bounds the header line including CRLF.
	// Zero means 1024.
	MaxHeaderSize uint64

	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.MaxHeaderSize == 0 {
		o.MaxHeaderSize = defaultMaxHeaderSize
	}
	return o
}

type Frame struct {
	Size       uint64
	Extensions [][2]string

	// Body is valid until the next call to [Reader.Next].
	Body *iolib.BufRefTake
}

type Reader struct {
	conn transport.Conn
	ur   *iolib.UntilReader
	opts Options

	last *Frame
}

// NewReader creates a frame reader on conn. Closing conn is up to the caller.
func NewReader(conn transport.Conn, opts Options) *Reader {
	return &Reader{
		conn: conn,
		ur:   iolib.NewUntilReader(conn),
		opts: opts.withDefaults(),
	}
}

// Next skips the unread rest of the previous frame and decodes the next one.
func (r *Reader) Next() (*Frame, error) {
	if r.last != nil {
		if err := discard(r.last.Body); err != nil {
			return nil, errors.Wrap(err, "discarding previous frame body")
		}
		r.last = nil
	}

	if r.opts.Timeout > 0 {
		r.conn.SetReadDeadLine(r.opts.Clock.Now().Add(r.opts.Timeout))
	}

	line, err := r.readHeaderLine()
	if err != nil {
		return nil, errors.Wrap(err, "reading frame header")
	}

	f, err := decodeHeader(line)
	if err != nil {
		return nil, errors.Wrap(err, "decoding frame header")
	}

	if r.opts.MaxSize > 0 && f.Size > r.opts.MaxSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes, max %d", f.Size, r.opts.MaxSize)
	}

	f.Body = iolib.TakeBuffered(r.ur, f.Size)
	r.last = f
	return f, nil
}

// readHeaderLine reads up to CRLF and cuts it.
func (r *Reader) readHeaderLine() ([]byte, error) {
	max := r.opts.MaxHeaderSize
	line, err := r.ur.ReadUntilLimit(crlf, max)
	switch {
	case err == io.EOF && uint64(len(line)) >= max:
		return nil, errors.Wrapf(ErrMalformedHeader, "longer than %d bytes", max)
	case err == io.EOF && len(line) > 0:
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}

	return line[:len(line)-len(crlf)], nil
}

// discard drops what is left in body.
func discard(body *iolib.BufRefTake) error {
	for body.Limit() > 0 {
		buf, err := body.FillBuf()
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			return errors.Wrapf(io.ErrUnexpectedEOF, "%d bytes missing", body.Limit())
		}
		body.Consume(len(buf))
	}
	return nil
}

func decodeHeader(line []byte) (*Frame, error) {
	parts := bytes.Split(line, []byte{';'})

	sizeRaw := bytes.TrimSpace(parts[0])
	if len(sizeRaw) == 0 {
		return nil, errors.Wrap(ErrMalformedHeader, "missing size")
	}

	size, err := strconv.ParseUint(string(sizeRaw), 16, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedHeader, "size %q", sizeRaw)
	}

	extensions := make([][2]string, 0, len(parts)-1)
	for _, part := range parts[1:] {
		k, v, _ := bytes.Cut(part, []byte{'='})
		k, v = bytes.TrimSpace(k), bytes.TrimSpace(v)
		if len(k) == 0 {
			return nil, errors.Wrap(ErrMalformedHeader, "empty extension name")
		}

		extensions = append(extensions, [2]string{string(k), string(v)})
	}

	return &Frame{Size: size, Extensions: extensions}, nil
}

type Writer struct {
	conn      transport.Conn
	opts      Options
	headerBuf *bytes.Buffer
}

func NewWriter(conn transport.Conn, opts Options) *Writer {
	return &Writer{
		conn:      conn,
		opts:      opts.withDefaults(),
		headerBuf: bytes.NewBuffer(nil),
	}
}

func (w *Writer) WriteFrame(payload []byte, extensions [][2]string) error {
	if w.opts.MaxSize > 0 && uint64(len(payload)) > w.opts.MaxSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes, max %d", len(payload), w.opts.MaxSize)
	}

	buf := w.headerBuf
	buf.Reset()
	buf.WriteString(strconv.FormatUint(uint64(len(payload)), 16))
	for _, ext := range extensions {
		if !validExtension(ext[0]) || !validExtension(ext[1]) || ext[0] == "" {
			return errors.Wrapf(ErrInvalidExtension, "%q=%q", ext[0], ext[1])
		}
		buf.WriteByte(';')
		buf.WriteString(ext[0])
		buf.WriteByte('=')
		buf.WriteString(ext[1])
	}
	buf.Write(crlf)

	if w.opts.Timeout > 0 {
		w.conn.SetWriteDeadLine(w.opts.Clock.Now().Add(w.opts.Timeout))
	}

	if _, err := iolib.WriteFull(w.conn, buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := iolib.WriteFull(w.conn, payload); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}

	return nil
}

func validExtension(s string) bool {
	return s == strings.TrimSpace(s) && !strings.ContainsAny(s, ";=\r\n")
}
