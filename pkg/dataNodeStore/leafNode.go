package dataNodeStore

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
	"github.com/i5heu/ouroboros-blocktree/pkg/lockingBlockStore"
)

// LeafNode holds up to MaxBytesPerLeaf bytes of file content.
type LeafNode struct {
	blk    *lockingBlockStore.Block
	layout NodeLayout
}

func (n *LeafNode) BlockID() blockstore.BlockID { return n.blk.ID() }

func (n *LeafNode) Depth() uint8 { return 0 }

// RawBlockData hands out the node buffer, so the node counts as modified
// and the next FlushNode writes it back.
func (n *LeafNode) RawBlockData() []byte {
	n.blk.MarkDirty()
	return n.blk.Data()
}

func (n *LeafNode) block() *lockingBlockStore.Block { return n.blk }

func (n *LeafNode) Remove(ctx context.Context, store *Store) (blockstore.RemoveResult, error) {
	return store.RemoveByID(ctx, n.BlockID())
}

func (n *LeafNode) NumBytes() uint32 {
	return readHeader(n.blk.Data()).size
}

func (n *LeafNode) MaxBytes() uint32 {
	return n.layout.MaxBytesPerLeaf()
}

// Data returns the stored bytes. The slice aliases the node buffer; changes
// made through it are persisted by Store.FlushNode.
func (n *LeafNode) Data() []byte {
	n.blk.MarkDirty()
	return n.blk.Data()[HeaderOffset : HeaderOffset+n.NumBytes()]
}

// Write copies src to offset, growing the leaf if needed. The change is
// persisted by Store.FlushNode.
func (n *LeafNode) Write(offset uint32, src []byte) error {
	end := uint64(offset) + uint64(len(src))
	if end > uint64(n.MaxBytes()) {
		return fmt.Errorf("%w: write to [%d, %d) exceeds leaf capacity of %d", ErrContractViolation, offset, end, n.MaxBytes())
	}

	data := n.blk.Data()
	copy(data[HeaderOffset+offset:], src)
	if uint32(end) > n.NumBytes() {
		setSize(data, uint32(end))
	}
	n.blk.MarkDirty()
	return nil
}

// Resize changes the number of stored bytes. Bytes dropped by shrinking are
// zeroed, so growing again exposes zeros.
func (n *LeafNode) Resize(newSize uint32) error {
	if newSize > n.MaxBytes() {
		return fmt.Errorf("%w: leaf size %d exceeds capacity of %d", ErrContractViolation, newSize, n.MaxBytes())
	}

	data := n.blk.Data()
	if old := n.NumBytes(); newSize < old {
		clear(data[HeaderOffset+newSize : HeaderOffset+old])
	}
	setSize(data, newSize)
	n.blk.MarkDirty()
	return nil
}
