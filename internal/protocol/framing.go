package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync/atomic"
)

// MaxFrame is the longest frame accepted, terminator included.
const MaxFrame = 512

// LineReader splits the link into frames on '\n'. Over-long lines and a
// trailing fragment without a terminator are dropped, as are blank lines.
type LineReader struct {
	r       *bufio.Reader
	dropped atomic.Int64
}

// NewLineReader wraps the link's read side.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, MaxFrame)}
}

// Next returns the next complete frame without its terminator. The returned
// slice is owned by the caller. At end of input it returns io.EOF.
func (l *LineReader) Next() ([]byte, error) {
	for {
		line, err := l.r.ReadSlice('\n')
		switch {
		case err == nil:
			line = bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			return bytes.Clone(line), nil

		case errors.Is(err, bufio.ErrBufferFull):
			l.dropped.Add(1)
			if err := l.skipLine(); err != nil {
				return nil, err
			}

		default:
			if len(line) > 0 {
				l.dropped.Add(1)
			}
			return nil, err
		}
	}
}

// skipLine discards input up to and including the next terminator.
func (l *LineReader) skipLine() error {
	for {
		_, err := l.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// Dropped returns how many over-long or unterminated frames were discarded.
func (l *LineReader) Dropped() int64 {
	return l.dropped.Load()
}

// Pump reads frames into out until the link fails, then closes out and
// returns the error (io.EOF on a clean end of input).
func Pump(l *LineReader, out chan<- []byte) error {
	defer close(out)
	for {
		frame, err := l.Next()
		if err != nil {
			return err
		}
		out <- frame
	}
}
