package iolib

import (
	"bytes"
	"errors"
	"io"
)

var ErrZeroLenDelim = errors.New("delim has zero length")

// UntilReader scans a borrowed reader for delimiters.
// Bytes read past a delimiter are kept and served first by later calls,
// which also makes it a [BufReader].
type UntilReader struct {
	r io.Reader

	buf   *bytes.Buffer
	chunk []byte
}

var _ BufReader = (*UntilReader)(nil)

func NewUntilReader(r io.Reader) *UntilReader {
	return &UntilReader{
		r:     r,
		buf:   bytes.NewBuffer(nil),
		chunk: make([]byte, 1024),
	}
}

func (ur *UntilReader) Read(p []byte) (n int, err error) {
	if ur.buf.Len() > 0 {
		return ur.buf.Read(p)
	}

	return ur.r.Read(p)
}

// FillBuf returns the kept bytes, reading once from the source if there
// are none. The slice is valid until the next call on ur.
func (ur *UntilReader) FillBuf() ([]byte, error) {
	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		if ur.buf.Len() > 0 {
			return ur.buf.Bytes(), nil
		}

		n, err := ur.r.Read(ur.chunk)
		ur.buf.Write(ur.chunk[:n])
		if n > 0 {
			continue
		}
		if err == io.EOF {
			return []byte{}, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, io.ErrNoProgress
}

func (ur *UntilReader) Consume(n int) { ur.buf.Next(n) }

// ReadUntil reads until delim and returns the bytes including delim.
// If the source fails first, everything read so far is returned with the error.
func (ur *UntilReader) ReadUntil(delim []byte) ([]byte, error) {
	return ur.readUntil(ur.r, delim)
}

// ReadUntilLimit is [UntilReader.ReadUntil] reading at most limit bytes
// from the underlying reader. Zero limit means no limit.
// Bytes kept from previous reads are not counted, and bytes past the
// limit stay in the source.
func (ur *UntilReader) ReadUntilLimit(delim []byte, limit uint64) ([]byte, error) {
	if limit == 0 {
		return ur.readUntil(ur.r, delim)
	}

	return ur.readUntil(Take(ur.r, limit), delim)
}

func (ur *UntilReader) readUntil(src io.Reader, delim []byte) ([]byte, error) {
	if len(delim) == 0 {
		return nil, ErrZeroLenDelim
	}

	searched, empty := 0, 0
	for {
		if i := bytes.Index(ur.buf.Bytes()[searched:], delim); i >= 0 {
			return bytes.Clone(ur.buf.Next(searched + i + len(delim))), nil
		}
		// delim may start in the tail and end in the next chunk.
		searched = max(0, ur.buf.Len()-len(delim)+1)

		n, err := src.Read(ur.chunk)
		ur.buf.Write(ur.chunk[:n])
		if n > 0 {
			empty = 0
			continue
		}
		if err == nil {
			if empty++; empty < maxConsecutiveEmptyReads {
				continue
			}
			err = io.ErrNoProgress
		}

		b := bytes.Clone(ur.buf.Bytes())
		ur.buf.Reset()
		return b, err
	}
}
