// Package chunker cuts attachment streams into fixed-size pieces so they can
// be fed into a blob writer without buffering the whole payload.
package chunker

import (
	"errors"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

const DefaultSize = 256 * 1024

// Chunker splits a stream of data into chunks.
type Chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// NewChunker returns a size splitter over r. A size of zero selects
// DefaultSize.
func NewChunker(r io.Reader, size int64) Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewSizeSplitter(r, size),
	}
}

type boxoChunkerWrapper struct {
	splitter boxochunker.Splitter
}

func (c *boxoChunkerWrapper) Next() ([]byte, error) {
	return c.splitter.NextBytes()
}

// Copy feeds every chunk of r into w and returns the number of bytes written.
func Copy(w io.Writer, r io.Reader, size int64) (int64, error) {
	c := NewChunker(r, size)
	var total int64
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}
