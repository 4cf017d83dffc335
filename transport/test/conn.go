package test

import (
	"bytes"
	"io"
	iolib "reftake/lib/io"
	"reftake/transport"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// ConnTestSuite checks a pair of connected [transport.BufferedConn].
// Embedders set C1 and C2 in SetupTest after calling this SetupTest.
type ConnTestSuite struct {
	suite.Suite
	C1, C2 transport.BufferedConn
	Clock  *clock.Mock

	done  chan struct{}
	timer *time.Timer
}

func (s *ConnTestSuite) SetupTest() {
	s.done = make(chan struct{})
	s.Clock = clock.NewMock()

	s.timer = time.AfterFunc(time.Second, func() {
		select {
		case <-s.done:
		default:
			s.FailNow("timeout exceeded")
		}
	})
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.NoError(s.C1.Close())
	s.NoError(s.C2.Close())
	close(s.done)
	s.timer.Stop()
}

func (s *ConnTestSuite) TestReadWrite() {
	data := []byte("Hello, World!")

	n, err := s.C1.Write(data)
	s.Require().NoError(err)
	s.Require().Equal(len(data), n)

	buf := make([]byte, 10)
	n, err = s.C2.Read(buf)
	s.Require().NoError(err)
	s.Equal(len(buf), n)
	s.Equal(data[:n], buf)

	n, err = s.C2.Read(buf)
	s.Require().NoError(err)
	s.Equal(len(data)-len(buf), n)
	s.Equal(data[len(buf):], buf[:n])
}

func (s *ConnTestSuite) TestWriteLargerThanBuffer() {
	data := bytes.Repeat([]byte("ABCD"), int(s.C1.WriteBufSize()))

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := s.C1.Write(data)
		s.NoError(err)
		s.Equal(len(data), n)
	}()

	got := make([]byte, len(data))
	_, err := io.ReadFull(s.C2, got)
	s.Require().NoError(err)
	s.Equal(data, got)
}

func (s *ConnTestSuite) TestWriteRace() {
	data := []byte("ABCD")
	N := 10

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		result := make([]byte, 0)

		b := make([]byte, 10)
		for {
			n, err := s.C2.Read(b)
			if err != nil {
				s.ErrorIs(err, transport.ErrConnClosed)
				s.Equal(bytes.Repeat(data, N), result)
				return
			}
			result = append(result, b[:n]...)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var wwg sync.WaitGroup
		for i := 0; i < N; i++ {
			wwg.Add(1)
			go func() {
				defer wwg.Done()
				n, err := s.C1.Write(data)
				s.NoError(err)
				s.Equal(len(data), n)
			}()
		}
		wwg.Wait()
		s.NoError(s.C1.Close())
	}()
}

func (s *ConnTestSuite) TestClose() {
	s.Require().NoError(s.C1.Close())

	for _, conn := range []transport.Conn{s.C1, s.C2} {
		buf := make([]byte, 10)

		n, err := conn.Read(buf)
		s.ErrorIs(err, transport.ErrConnClosed)
		s.Zero(n)

		n, err = conn.Write(buf)
		s.ErrorIs(err, transport.ErrConnClosed)
		s.Zero(n)
	}
}

func (s *ConnTestSuite) TestReadAfterClose() {
	size := int(s.C1.ReadBufSize())

	n, err := s.C2.Write(make([]byte, size))
	s.Require().NoError(err)
	s.Require().Equal(size, n)

	s.Require().NoError(s.C2.Close())

	n, err = s.C1.Read(make([]byte, size))
	s.Require().NoError(err)
	s.Equal(size, n)

	n, err = s.C1.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrConnClosed)
	s.Zero(n)
}

func (s *ConnTestSuite) TestReadBeforeClose() {
	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.C1.Read(nil)
		s.ErrorIs(err, transport.ErrConnClosed)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C1.Close())
}

func (s *ConnTestSuite) TestWriteBeforeClose() {
	// Bigger than the buffer so the write must block.
	input := make([]byte, s.C1.WriteBufSize()+1)

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.C1.Write(input)
		s.ErrorIs(err, transport.ErrConnClosed)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C1.Close())
}

func (s *ConnTestSuite) TestReadDeadLine() {
	s.C1.SetReadDeadLine(s.Clock.Now().Add(-time.Second))

	b := make([]byte, 1)
	n, err := s.C1.Read(b)
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.Zero(n)
}

func (s *ConnTestSuite) TestReadDeadLineWakesReader() {
	timeout := time.Second
	s.C1.SetReadDeadLine(s.Clock.Now().Add(timeout))

	errc := make(chan error, 1)
	go func() {
		_, err := s.C1.Read(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Clock.Add(timeout)

	s.ErrorIs(<-errc, transport.ErrDeadLineExceeded)
}

func (s *ConnTestSuite) TestWriteDeadLine() {
	s.C1.SetWriteDeadLine(s.Clock.Now().Add(-time.Second))

	b := make([]byte, 1)
	n, err := s.C1.Write(b)
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.Zero(n)
}

func (s *ConnTestSuite) TestAddr() {
	local1, remote1 := s.C1.LocalAddr(), s.C1.RemoteAddr()
	local2, remote2 := s.C2.LocalAddr(), s.C2.RemoteAddr()

	s.Equal(local1, remote2)
	s.Equal(local2, remote1)
}

func (s *ConnTestSuite) TestFillBufConsume() {
	br, ok := s.C2.(iolib.BufReader)
	if !ok {
		s.T().Skip("connection does not expose its buffer")
	}

	_, err := s.C1.Write([]byte("abcdef"))
	s.Require().NoError(err)

	buf, err := br.FillBuf()
	s.Require().NoError(err)
	s.Equal([]byte("abcdef"), buf)

	br.Consume(4)
	buf, err = br.FillBuf()
	s.Require().NoError(err)
	s.Equal([]byte("ef"), buf)

	// Consume frees space for the writer.
	size := int(s.C1.WriteBufSize())
	br.Consume(2)
	n, err := s.C1.Write(make([]byte, size))
	s.Require().NoError(err)
	s.Equal(size, n)
}

// A limited view must report EOF without calling Read on a connection
// that has nothing more to send, since that Read would block.
func (s *ConnTestSuite) TestTakeStopsAtLimit() {
	_, err := s.C1.Write([]byte("hello world"))
	s.Require().NoError(err)

	view := iolib.Take(s.C2, 5)
	b, err := io.ReadAll(view)
	s.Require().NoError(err)
	s.Equal([]byte("hello"), b)

	b = make([]byte, 6)
	_, err = io.ReadFull(view.Inner(), b)
	s.Require().NoError(err)
	s.Equal([]byte(" world"), b)

	// Nothing left on the connection, but the view never asks.
	n, err := view.Read(b)
	s.ErrorIs(err, io.EOF)
	s.Zero(n)
}

func (s *ConnTestSuite) TestTakePassesDeadLine() {
	s.C2.SetReadDeadLine(s.Clock.Now().Add(-time.Second))

	view := iolib.Take(s.C2, 10)
	n, err := view.Read(make([]byte, 4))
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.Zero(n)
	s.Equal(uint64(10), view.Limit())
}
