package iolib

import (
	"bufio"
	"io"
)

// BufioReader adapts [bufio.Reader] to [BufReader].
type BufioReader struct {
	br *bufio.Reader
}

var _ BufReader = (*BufioReader)(nil)

func NewBufioReader(br *bufio.Reader) *BufioReader {
	return &BufioReader{br: br}
}

func (b *BufioReader) Read(p []byte) (n int, err error) { return b.br.Read(p) }

func (b *BufioReader) FillBuf() ([]byte, error) {
	if b.br.Buffered() == 0 {
		// Peek fills the buffer when it is empty.
		if _, err := b.br.Peek(1); err != nil {
			if err == io.EOF {
				return []byte{}, nil
			}
			return nil, err
		}
	}

	return b.br.Peek(b.br.Buffered())
}

func (b *BufioReader) Consume(n int) {
	// Discard cannot fail for bytes that are already buffered.
	_, _ = b.br.Discard(n)
}
