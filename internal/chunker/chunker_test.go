package chunker

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSizes(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 2500)
	c := NewChunker(bytes.NewReader(data), 1000)

	var sizes []int
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(chunk))
	}
	assert.Equal(t, []int{1000, 1000, 500}, sizes)
}

func TestCopy(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 100000)
	var out bytes.Buffer
	n, err := Copy(&out, bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())
}

func TestCopyEmpty(t *testing.T) {
	var out bytes.Buffer
	n, err := Copy(&out, bytes.NewReader(nil), 16)
	require.NoError(t, err)
	assert.Zero(t, n)
}
