package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *LineReader) []string {
	t.Helper()
	var out []string
	for {
		frame, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(frame))
	}
}

func TestLineReaderSplitsOnNewline(t *testing.T) {
	r := NewLineReader(strings.NewReader("a\nb\r\n\n  \nc\n"))
	assert.Equal(t, []string{"a", "b", "c"}, readAll(t, r))
	assert.Zero(t, r.Dropped())
}

func TestLineReaderDropsUnterminatedTail(t *testing.T) {
	r := NewLineReader(strings.NewReader("a\n{\"partial\":"))
	assert.Equal(t, []string{"a"}, readAll(t, r))
	assert.Equal(t, int64(1), r.Dropped())
}

func TestLineReaderDropsOverlongLine(t *testing.T) {
	long := strings.Repeat("x", 3*MaxFrame)
	r := NewLineReader(strings.NewReader("first\n" + long + "\nlast\n"))
	assert.Equal(t, []string{"first", "last"}, readAll(t, r))
	assert.Equal(t, int64(1), r.Dropped())
}

func TestLineReaderMaxFrameBoundary(t *testing.T) {
	fits := strings.Repeat("y", MaxFrame-1)
	tooLong := strings.Repeat("z", MaxFrame)
	r := NewLineReader(strings.NewReader(fits + "\n" + tooLong + "\nok\n"))
	assert.Equal(t, []string{fits, "ok"}, readAll(t, r))
}

func TestLineReaderFrameOwnedByCaller(t *testing.T) {
	r := NewLineReader(strings.NewReader("one\ntwo\n"))
	first, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))
}

func TestPump(t *testing.T) {
	out := make(chan []byte, 4)
	err := Pump(NewLineReader(strings.NewReader("a\nb\n")), out)
	assert.ErrorIs(t, err, io.EOF)

	var got []string
	for f := range out {
		got = append(got, string(f))
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
