package dataNodeStore

import (
	"encoding/binary"
	"fmt"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

// Node header, little endian. The layout is an on-disk format:
//
//	offset 0  u16  format version
//	offset 2  u8   unused
//	offset 3  u8   depth, 0 for leaves
//	offset 4  u32  leaf: number of data bytes, inner: number of children
//	offset 8  ...  leaf data or child ids
const (
	FormatVersionHeader uint16 = 0

	offsetFormatVersion = 0
	offsetUnused        = 2
	offsetDepth         = 3
	offsetSize          = 4

	// HeaderOffset is where node data starts inside a block.
	HeaderOffset = 8

	// MinBlockSizeBytes lets an inner node hold two children.
	MinBlockSizeBytes = HeaderOffset + 2*blockstore.BlockIDLen
)

// NodeLayout derives node capacities from the block size. It is immutable.
type NodeLayout struct {
	blockSizeBytes uint32
}

// NewNodeLayout fails with ErrBlockSizeTooSmall if an inner node could not
// hold at least two children.
func NewNodeLayout(blockSizeBytes uint32) (NodeLayout, error) {
	if blockSizeBytes < MinBlockSizeBytes {
		return NodeLayout{}, fmt.Errorf("%w: %d bytes, must be at least %d", ErrBlockSizeTooSmall, blockSizeBytes, MinBlockSizeBytes)
	}
	return NodeLayout{blockSizeBytes: blockSizeBytes}, nil
}

func (l NodeLayout) BlockSizeBytes() uint32 {
	return l.blockSizeBytes
}

func (l NodeLayout) MaxBytesPerLeaf() uint32 {
	return l.blockSizeBytes - HeaderOffset
}

func (l NodeLayout) MaxChildrenPerInnerNode() uint32 {
	return l.MaxBytesPerLeaf() / blockstore.BlockIDLen
}

type header struct {
	formatVersion uint16
	depth         uint8
	size          uint32
}

func readHeader(block []byte) header {
	return header{
		formatVersion: binary.LittleEndian.Uint16(block[offsetFormatVersion:]),
		depth:         block[offsetDepth],
		size:          binary.LittleEndian.Uint32(block[offsetSize:]),
	}
}

func writeHeader(block []byte, depth uint8, size uint32) {
	binary.LittleEndian.PutUint16(block[offsetFormatVersion:], FormatVersionHeader)
	block[offsetUnused] = 0
	block[offsetDepth] = depth
	binary.LittleEndian.PutUint32(block[offsetSize:], size)
}

func setSize(block []byte, size uint32) {
	binary.LittleEndian.PutUint32(block[offsetSize:], size)
}
