package dataNodeStore

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
	"github.com/i5heu/ouroboros-blocktree/pkg/lockingBlockStore"
)

// DataNode is either a *LeafNode or an *InnerNode. Use a type switch to tell
// them apart.
type DataNode interface {
	BlockID() blockstore.BlockID
	// Depth is 0 for leaves and at least 1 for inner nodes.
	Depth() uint8
	// RawBlockData is the whole serialized block including the header. The
	// slice aliases the node buffer and marks the node modified.
	RawBlockData() []byte
	// Remove deletes this node from store. Children are not touched.
	Remove(ctx context.Context, store *Store) (blockstore.RemoveResult, error)

	block() *lockingBlockStore.Block
}

// Parse interprets a loaded block as a node.
func Parse(block *lockingBlockStore.Block, layout NodeLayout) (DataNode, error) {
	data := block.Data()
	if len(data) != int(layout.BlockSizeBytes()) {
		return nil, fmt.Errorf("%w: block %s has %d bytes, expected %d", ErrCorruptNode, block.ID(), len(data), layout.BlockSizeBytes())
	}

	h := readHeader(data)
	if h.formatVersion != FormatVersionHeader {
		return nil, fmt.Errorf("%w: block %s has unknown format version %d", ErrCorruptNode, block.ID(), h.formatVersion)
	}

	if h.depth == 0 {
		if h.size > layout.MaxBytesPerLeaf() {
			return nil, fmt.Errorf("%w: leaf %s claims %d bytes, capacity is %d", ErrCorruptNode, block.ID(), h.size, layout.MaxBytesPerLeaf())
		}
		return &LeafNode{blk: block, layout: layout}, nil
	}

	if h.size > layout.MaxChildrenPerInnerNode() {
		return nil, fmt.Errorf("%w: inner node %s claims %d children, capacity is %d", ErrCorruptNode, block.ID(), h.size, layout.MaxChildrenPerInnerNode())
	}
	return &InnerNode{blk: block, layout: layout}, nil
}

// SerializeLeafNodeOptimized turns a buffer holding leaf data into a leaf
// block. The visible window of data must be exactly MaxBytesPerLeaf long and
// have at least HeaderOffset reserved prefix bytes; the header is written
// into that prefix so the data is not copied.
func SerializeLeafNodeOptimized(data *blockstore.BlockData, size uint32, layout NodeLayout) error {
	if data.Len() != int(layout.MaxBytesPerLeaf()) {
		return fmt.Errorf("%w: leaf buffer has %d bytes, expected %d", ErrContractViolation, data.Len(), layout.MaxBytesPerLeaf())
	}
	if size > layout.MaxBytesPerLeaf() {
		return fmt.Errorf("%w: leaf data of %d bytes exceeds capacity of %d", ErrContractViolation, size, layout.MaxBytesPerLeaf())
	}

	hdr, err := data.GrowPrefix(HeaderOffset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContractViolation, err)
	}
	writeHeader(hdr, 0, size)
	return nil
}

// SerializeInnerNode writes an inner node into data, whose visible window
// must be exactly one block long.
func SerializeInnerNode(data *blockstore.BlockData, depth uint8, children []blockstore.BlockID, layout NodeLayout) error {
	if depth == 0 {
		return fmt.Errorf("%w: inner node cannot have a depth of 0, is this perhaps a leaf instead", ErrContractViolation)
	}
	if uint64(len(children)) > uint64(layout.MaxChildrenPerInnerNode()) {
		return fmt.Errorf("%w: %d children exceed capacity of %d", ErrContractViolation, len(children), layout.MaxChildrenPerInnerNode())
	}
	if data.Len() != int(layout.BlockSizeBytes()) {
		return fmt.Errorf("%w: inner node buffer has %d bytes, expected %d", ErrContractViolation, data.Len(), layout.BlockSizeBytes())
	}

	buf := data.Bytes()
	writeHeader(buf, depth, uint32(len(children)))
	pos := HeaderOffset
	for _, child := range children {
		pos += copy(buf[pos:], child[:])
	}
	return nil
}
