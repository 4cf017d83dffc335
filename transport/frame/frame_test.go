package frame

import (
	"bytes"
	"errors"
	"io"
	"reftake/transport"
	"reftake/transport/pipe"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type FrameTestSuite struct {
	suite.Suite

	clock  *clock.Mock
	c1, c2 *pipe.End
	wg     sync.WaitGroup

	done  chan struct{}
	timer *time.Timer
}

func TestFrameTestSuite(t *testing.T) {
	suite.Run(t, new(FrameTestSuite))
}

func (s *FrameTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.c1, s.c2 = pipe.New("writer", "reader", s.clock, 16)

	s.done = make(chan struct{})
	s.timer = time.AfterFunc(time.Second, func() {
		select {
		case <-s.done:
		default:
			s.FailNow("timeout exceeded")
		}
	})
}

func (s *FrameTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.NoError(s.c1.Close())
	s.NoError(s.c2.Close())
	s.wg.Wait()
	close(s.done)
	s.timer.Stop()
}

type rawFrame struct {
	payload    []byte
	extensions [][2]string
}

func (s *FrameTestSuite) write(frames ...rawFrame) {
	w := NewWriter(s.c1, Options{Clock: s.clock})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, f := range frames {
			s.NoError(w.WriteFrame(f.payload, f.extensions))
		}
	}()
}

func (s *FrameTestSuite) TestReadFrames() {
	s.write(
		rawFrame{payload: []byte("hello"), extensions: [][2]string{{"ext", "foo"}}},
		rawFrame{payload: []byte("hello world")},
		rawFrame{payload: nil},
		rawFrame{payload: []byte("last")},
	)

	r := NewReader(s.c2, Options{Clock: s.clock})

	f, err := r.Next()
	s.Require().NoError(err)
	s.Equal(uint64(5), f.Size)
	s.Equal([][2]string{{"ext", "foo"}}, f.Extensions)
	b, err := io.ReadAll(f.Body)
	s.Require().NoError(err)
	s.Equal([]byte("hello"), b)

	// Read only part of the body. Next must skip the rest.
	f, err = r.Next()
	s.Require().NoError(err)
	s.Equal(uint64(11), f.Size)
	b = make([]byte, 3)
	_, err = io.ReadFull(f.Body, b)
	s.Require().NoError(err)
	s.Equal([]byte("hel"), b)
	s.Equal(uint64(8), f.Body.Limit())

	f, err = r.Next()
	s.Require().NoError(err)
	s.Zero(f.Size)
	b, err = io.ReadAll(f.Body)
	s.Require().NoError(err)
	s.Empty(b)

	f, err = r.Next()
	s.Require().NoError(err)
	b, err = io.ReadAll(f.Body)
	s.Require().NoError(err)
	s.Equal([]byte("last"), b)
}

func (s *FrameTestSuite) TestStaleBody() {
	s.write(
		rawFrame{payload: []byte("first")},
		rawFrame{payload: []byte("second")},
	)

	r := NewReader(s.c2, Options{Clock: s.clock})

	first, err := r.Next()
	s.Require().NoError(err)

	second, err := r.Next()
	s.Require().NoError(err)

	// The skipped body is spent and can't steal bytes from the next frame.
	n, err := first.Body.Read(make([]byte, 10))
	s.ErrorIs(err, io.EOF)
	s.Zero(n)

	b, err := io.ReadAll(second.Body)
	s.Require().NoError(err)
	s.Equal([]byte("second"), b)
}

func (s *FrameTestSuite) TestPeekBody() {
	s.write(rawFrame{payload: []byte("abcdef")}, rawFrame{payload: []byte("xyz")})

	r := NewReader(s.c2, Options{Clock: s.clock})

	f, err := r.Next()
	s.Require().NoError(err)

	// Body never shows bytes of the next frame, whatever is buffered.
	for f.Body.Limit() > 0 {
		buf, err := f.Body.FillBuf()
		s.Require().NoError(err)
		s.LessOrEqual(uint64(len(buf)), f.Body.Limit())
		f.Body.Consume(len(buf))
	}

	f, err = r.Next()
	s.Require().NoError(err)
	b, err := io.ReadAll(f.Body)
	s.Require().NoError(err)
	s.Equal([]byte("xyz"), b)
}

func (s *FrameTestSuite) TestMaxSize() {
	s.write(rawFrame{payload: []byte("hello")})

	r := NewReader(s.c2, Options{Clock: s.clock, MaxSize: 4})
	_, err := r.Next()
	s.ErrorIs(err, ErrFrameTooLarge)

	w := NewWriter(s.c1, Options{Clock: s.clock, MaxSize: 4})
	s.ErrorIs(w.WriteFrame([]byte("hello"), nil), ErrFrameTooLarge)
}

func (s *FrameTestSuite) TestShortBody() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.c1.Write([]byte("a\r\nabc"))
		s.NoError(err)
		s.NoError(s.c1.Close())
	}()

	r := NewReader(s.c2, Options{Clock: s.clock})
	f, err := r.Next()
	s.Require().NoError(err)
	s.Equal(uint64(10), f.Size)

	_, err = r.Next()
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *FrameTestSuite) TestReadTimeout() {
	timeout := time.Second
	deadlineSet := make(chan struct{}, 1)
	conn := &notifyConn{End: s.c2, deadlineSet: deadlineSet}
	r := NewReader(conn, Options{Clock: s.clock, Timeout: timeout})

	errc := make(chan error, 1)
	go func() {
		_, err := r.Next()
		errc <- err
	}()

	// The deadline timer exists once SetReadDeadLine returns.
	<-deadlineSet
	s.clock.Add(timeout)

	s.ErrorIs(<-errc, transport.ErrDeadLineExceeded)
}

func (s *FrameTestSuite) TestInvalidExtension() {
	w := NewWriter(s.c1, Options{Clock: s.clock})

	testcases := [][2]string{
		{"", "v"},
		{"k;", "v"},
		{"k", "a=b"},
		{"k", "line\r\n"},
		{" k", "v"},
	}

	for _, ext := range testcases {
		err := w.WriteFrame([]byte("x"), [][2]string{ext})
		s.ErrorIs(err, ErrInvalidExtension, "%q", ext)
	}
}

func TestDecodeHeader(t *testing.T) {
	testcases := []struct {
		desc     string
		input    string
		expected Frame
		wantErr  bool
	}{
		{
			desc:     "size only",
			input:    "1a",
			expected: Frame{Size: 26, Extensions: [][2]string{}},
		},
		{
			desc:  "with extensions",
			input: "5 ; ext = foo;flag",
			expected: Frame{
				Size:       5,
				Extensions: [][2]string{{"ext", "foo"}, {"flag", ""}},
			},
		},
		{
			desc:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			desc:    "not hex",
			input:   "zz",
			wantErr: true,
		},
		{
			desc:    "larger than 64bit",
			input:   "1ffffffffffffffff",
			wantErr: true,
		},
		{
			desc:    "empty extension name",
			input:   "5;=foo",
			wantErr: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			f, err := decodeHeader([]byte(tc.input))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedHeader)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, *f)
		})
	}
}

// notifyConn reports each read deadline it sets.
type notifyConn struct {
	*pipe.End
	deadlineSet chan struct{}
}

func (c *notifyConn) SetReadDeadLine(t time.Time) {
	c.End.SetReadDeadLine(t)
	c.deadlineSet <- struct{}{}
}

// readerConn is a [transport.Conn] reading from a fixed source.
type readerConn struct {
	io.Reader
}

func (readerConn) Write(p []byte) (int, error) { return len(p), nil }
func (readerConn) Close() error                { return nil }
func (readerConn) LocalAddr() transport.Addr   { return pipe.Addr{} }
func (readerConn) RemoteAddr() transport.Addr  { return pipe.Addr{} }
func (readerConn) SetReadDeadLine(time.Time)   {}
func (readerConn) SetWriteDeadLine(time.Time)  {}

func TestReaderShortBodyAtEOF(t *testing.T) {
	r := NewReader(readerConn{strings.NewReader("a\r\nabc")}, Options{})

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), f.Size)

	b, err := io.ReadAll(f.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b)
	assert.Equal(t, uint64(7), f.Body.Limit())

	_, err = r.Next()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestReaderHeaderCutByEOF(t *testing.T) {
	r := NewReader(readerConn{strings.NewReader("1a;ext")}, Options{})

	_, err := r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderHeaderTooLong(t *testing.T) {
	header := "1;key=" + strings.Repeat("v", 32) + "\r\nx"
	r := NewReader(readerConn{strings.NewReader(header)}, Options{MaxHeaderSize: 16})

	_, err := r.Next()
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestReaderEOFBetweenFrames(t *testing.T) {
	conn := bufConn{bytes.NewBuffer(nil)}
	w := NewWriter(conn, Options{})
	require.NoError(t, w.WriteFrame([]byte("abc"), nil))
	require.NoError(t, w.WriteFrame([]byte("de"), [][2]string{{"k", "v"}}))

	r := NewReader(conn, Options{})

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.Size)

	// Second body is left unread. Next skips it and stops at a clean end.
	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"k", "v"}}, f.Extensions)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, io.ErrUnexpectedEOF)
}

// bufConn reads back what was written to it.
type bufConn struct {
	*bytes.Buffer
}

func (bufConn) Close() error               { return nil }
func (bufConn) LocalAddr() transport.Addr  { return pipe.Addr{} }
func (bufConn) RemoteAddr() transport.Addr { return pipe.Addr{} }
func (bufConn) SetReadDeadLine(time.Time)  {}
func (bufConn) SetWriteDeadLine(time.Time) {}
