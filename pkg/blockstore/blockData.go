package blockstore

import (
	"errors"
	"fmt"
)

var ErrInsufficientPrefix = errors.New("blockstore: not enough reserved prefix bytes")

// BlockData is a block buffer with reserved space in front of its visible
// window. Wrapping block stores prepend their headers by growing the window
// to the left, so the payload is never copied on the write path.
type BlockData struct {
	buf   []byte
	start int
}

// NewBlockData allocates prefix reserved bytes followed by size zeroed
// payload bytes. The visible window covers exactly the payload.
func NewBlockData(prefix, size int) *BlockData {
	if prefix < 0 || size < 0 {
		panic(fmt.Sprintf("blockstore: invalid allocation prefix=%d size=%d", prefix, size))
	}
	return &BlockData{
		buf:   make([]byte, prefix+size),
		start: prefix,
	}
}

// Bytes returns the visible window. Writes to it modify the block.
func (d *BlockData) Bytes() []byte {
	return d.buf[d.start:]
}

func (d *BlockData) Len() int {
	return len(d.buf) - d.start
}

// AvailablePrefix returns how many bytes the window can still grow leftward.
func (d *BlockData) AvailablePrefix() int {
	return d.start
}

// GrowPrefix extends the visible window n bytes to the left and returns the
// newly visible header region.
func (d *BlockData) GrowPrefix(n int) ([]byte, error) {
	if n < 0 || n > d.start {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientPrefix, n, d.start)
	}
	d.start -= n
	return d.buf[d.start : d.start+n], nil
}

// ShrinkPrefix hides the first n visible bytes, making them reserved prefix
// again.
func (d *BlockData) ShrinkPrefix(n int) error {
	if n < 0 || n > d.Len() {
		return fmt.Errorf("blockstore: cannot shrink %d bytes off a %d byte window", n, d.Len())
	}
	d.start += n
	return nil
}

// Fill copies src into the visible window, which must have the same length.
func (d *BlockData) Fill(src []byte) *BlockData {
	if len(src) != d.Len() {
		panic(fmt.Sprintf("blockstore: filling a %d byte window with %d bytes", d.Len(), len(src)))
	}
	copy(d.Bytes(), src)
	return d
}
