package dataNodeStore

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
	"github.com/i5heu/ouroboros-blocktree/pkg/lockingBlockStore"
)

// InnerNode references an ordered list of children one level below it.
type InnerNode struct {
	blk    *lockingBlockStore.Block
	layout NodeLayout
}

func (n *InnerNode) BlockID() blockstore.BlockID { return n.blk.ID() }

func (n *InnerNode) Depth() uint8 {
	return readHeader(n.blk.Data()).depth
}

func (n *InnerNode) RawBlockData() []byte {
	n.blk.MarkDirty()
	return n.blk.Data()
}

func (n *InnerNode) block() *lockingBlockStore.Block { return n.blk }

func (n *InnerNode) Remove(ctx context.Context, store *Store) (blockstore.RemoveResult, error) {
	return store.RemoveByID(ctx, n.BlockID())
}

func (n *InnerNode) NumChildren() uint32 {
	return readHeader(n.blk.Data()).size
}

func (n *InnerNode) MaxChildren() uint32 {
	return n.layout.MaxChildrenPerInnerNode()
}

func childOffset(i uint32) int {
	return HeaderOffset + int(i)*blockstore.BlockIDLen
}

// Child returns the i-th child id.
func (n *InnerNode) Child(i uint32) (blockstore.BlockID, error) {
	if i >= n.NumChildren() {
		return blockstore.BlockID{}, fmt.Errorf("%w: child %d of inner node with %d children", ErrContractViolation, i, n.NumChildren())
	}
	off := childOffset(i)
	return blockstore.BlockIDFromBytes(n.blk.Data()[off : off+blockstore.BlockIDLen])
}

// Children returns a copy of the child ids in order.
func (n *InnerNode) Children() []blockstore.BlockID {
	num := n.NumChildren()
	data := n.blk.Data()
	children := make([]blockstore.BlockID, num)
	for i := range children {
		copy(children[i][:], data[childOffset(uint32(i)):])
	}
	return children
}

// AddChild appends a child. The change is persisted by Store.FlushNode.
func (n *InnerNode) AddChild(id blockstore.BlockID) error {
	num := n.NumChildren()
	if num >= n.MaxChildren() {
		return fmt.Errorf("%w: inner node %s already has the maximum of %d children", ErrContractViolation, n.BlockID(), num)
	}
	data := n.blk.Data()
	copy(data[childOffset(num):], id[:])
	setSize(data, num+1)
	n.blk.MarkDirty()
	return nil
}

// RemoveLastChild drops the last child reference.
func (n *InnerNode) RemoveLastChild() error {
	num := n.NumChildren()
	if num == 0 {
		return fmt.Errorf("%w: inner node %s has no children", ErrContractViolation, n.BlockID())
	}
	data := n.blk.Data()
	off := childOffset(num - 1)
	clear(data[off : off+blockstore.BlockIDLen])
	setSize(data, num-1)
	n.blk.MarkDirty()
	return nil
}
