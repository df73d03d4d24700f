// Package chunker splits a byte stream into pieces that fit into one leaf.
package chunker

import (
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Chunker splits a stream of data into chunks.
type Chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// NewChunker returns a Chunker that emits chunks of exactly size bytes,
// except for the last one which may be shorter. An empty stream yields no
// chunk at all.
func NewChunker(r io.Reader, size uint32) (Chunker, error) {
	if size == 0 {
		return nil, fmt.Errorf("chunker: chunk size must be positive")
	}
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewSizeSplitter(r, int64(size)),
	}, nil
}

type boxoChunkerWrapper struct {
	splitter boxochunker.Splitter
}

func (c *boxoChunkerWrapper) Next() ([]byte, error) {
	return c.splitter.NextBytes()
}
