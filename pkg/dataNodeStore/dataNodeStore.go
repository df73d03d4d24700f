// Package dataNodeStore stores the nodes of a block tree. Leaves hold file
// content, inner nodes hold ordered references to their children. All nodes
// of a store share one NodeLayout derived from the block size.
package dataNodeStore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
	"github.com/i5heu/ouroboros-blocktree/pkg/lockingBlockStore"
)

// BlockStore is what the node store needs from the block layer below it.
// *lockingBlockStore.LockingBlockStore implements it and serializes
// concurrent operations on the same block id; the node store itself does no
// locking.
type BlockStore interface {
	Load(ctx context.Context, id blockstore.BlockID) (*lockingBlockStore.Block, error)
	Allocate(size int) *blockstore.BlockData
	CreateOptimized(ctx context.Context, data *blockstore.BlockData) (blockstore.BlockID, error)
	TryCreate(ctx context.Context, id blockstore.BlockID, data []byte) (blockstore.TryCreateResult, error)
	OverwriteOptimized(ctx context.Context, id blockstore.BlockID, data *blockstore.BlockData) error
	FlushBlock(ctx context.Context, block *lockingBlockStore.Block) error
	Remove(ctx context.Context, id blockstore.BlockID) (blockstore.RemoveResult, error)
	NumBlocks(ctx context.Context) (uint64, error)
	EstimateNumFreeBytes(ctx context.Context) (uint64, error)
	BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error)
	AllBlocks(ctx context.Context) iter.Seq2[blockstore.BlockID, error]
	blockstore.Releaser
}

var _ BlockStore = (*lockingBlockStore.LockingBlockStore)(nil)

type Store struct {
	guard      blockstore.ReleaseGuard
	blockStore BlockStore
	layout     NodeLayout
	log        *logrus.Entry
}

// New takes ownership of blockStore. If the layout cannot be built the block
// store is released before the error is returned.
func New(ctx context.Context, blockStore BlockStore, physicalBlockSizeBytes uint32) (*Store, error) {
	layout, err := layoutFor(blockStore, physicalBlockSizeBytes)
	if err != nil {
		return nil, multierr.Append(err, blockStore.Release(ctx))
	}

	return &Store{
		blockStore: blockStore,
		layout:     layout,
		log:        logrus.StandardLogger().WithField("component", "dataNodeStore"),
	}, nil
}

func layoutFor(blockStore BlockStore, physicalBlockSizeBytes uint32) (NodeLayout, error) {
	blockSizeBytes, err := blockStore.BlockSizeFromPhysicalBlockSize(uint64(physicalBlockSizeBytes))
	if err != nil {
		return NodeLayout{}, fmt.Errorf("%w: physical block size %d: %v", ErrBlockSizeTooSmall, physicalBlockSizeBytes, err)
	}
	if blockSizeBytes > math.MaxUint32 {
		return NodeLayout{}, fmt.Errorf("dataNodeStore: block size %d does not fit into 32 bits", blockSizeBytes)
	}
	layout, err := NewNodeLayout(uint32(blockSizeBytes))
	if err != nil {
		return NodeLayout{}, fmt.Errorf("%w (physical: %d)", err, physicalBlockSizeBytes)
	}
	return layout, nil
}

// SetLogger replaces the default logrus standard logger.
func (s *Store) SetLogger(logger *logrus.Logger) {
	s.log = logger.WithField("component", "dataNodeStore")
}

func (s *Store) Layout() NodeLayout {
	return s.layout
}

// Load returns nil if no block with this id exists.
func (s *Store) Load(ctx context.Context, id blockstore.BlockID) (DataNode, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	block, err := s.blockStore.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	return Parse(block, s.layout)
}

// allocateLeafData returns a buffer for a whole block whose visible window
// is the leaf data region.
func (s *Store) allocateLeafData() *blockstore.BlockData {
	data := s.blockStore.Allocate(int(s.layout.BlockSizeBytes()))
	if err := data.ShrinkPrefix(HeaderOffset); err != nil {
		panic(err)
	}
	return data
}

func (s *Store) serializeLeaf(data []byte) (*blockstore.BlockData, error) {
	if uint64(len(data)) > uint64(s.layout.MaxBytesPerLeaf()) {
		return nil, fmt.Errorf("%w: leaf data of %d bytes exceeds capacity of %d", ErrContractViolation, len(data), s.layout.MaxBytesPerLeaf())
	}
	buf := s.allocateLeafData()
	copy(buf.Bytes(), data)
	if err := SerializeLeafNodeOptimized(buf, uint32(len(data)), s.layout); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Store) CreateNewLeafNode(ctx context.Context, data []byte) (*LeafNode, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	buf, err := s.serializeLeaf(data)
	if err != nil {
		return nil, err
	}
	id, err := s.blockStore.CreateOptimized(ctx, buf)
	if err != nil {
		return nil, err
	}
	return s.loadCreatedLeaf(ctx, id)
}

// TryCreateNewLeafNode creates a leaf under a caller chosen id.
func (s *Store) TryCreateNewLeafNode(ctx context.Context, id blockstore.BlockID, data []byte) (*LeafNode, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	buf, err := s.serializeLeaf(data)
	if err != nil {
		return nil, err
	}
	res, err := s.blockStore.TryCreate(ctx, id, buf.Bytes())
	if err != nil {
		return nil, err
	}
	if res == blockstore.NotCreatedBecauseBlockIDAlreadyExists {
		return nil, fmt.Errorf("%w: %s", ErrBlockAlreadyExists, id)
	}
	return s.loadCreatedLeaf(ctx, id)
}

func (s *Store) CreateNewInnerNode(ctx context.Context, depth uint8, children []blockstore.BlockID) (*InnerNode, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	if depth == 0 {
		return nil, fmt.Errorf("%w: inner node cannot have a depth of 0, is this perhaps a leaf instead", ErrContractViolation)
	}
	buf := s.blockStore.Allocate(int(s.layout.BlockSizeBytes()))
	if err := SerializeInnerNode(buf, depth, children, s.layout); err != nil {
		return nil, err
	}
	id, err := s.blockStore.CreateOptimized(ctx, buf)
	if err != nil {
		return nil, err
	}

	node, err := s.loadCreated(ctx, id)
	if err != nil {
		return nil, err
	}
	inner, ok := node.(*InnerNode)
	if !ok {
		return nil, s.inconsistent(id, "created an inner node but it loaded as a leaf")
	}
	return inner, nil
}

// CreateNewNodeAsCopyFrom duplicates source byte for byte under a new id.
// source must come from a store with the same layout.
func (s *Store) CreateNewNodeAsCopyFrom(ctx context.Context, source DataNode) (DataNode, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	raw := source.RawBlockData()
	if len(raw) != int(s.layout.BlockSizeBytes()) {
		return nil, fmt.Errorf("%w: source node has %d bytes, expected %d, is it from the same store", ErrContractViolation, len(raw), s.layout.BlockSizeBytes())
	}
	id, err := s.blockStore.CreateOptimized(ctx, s.blockStore.Allocate(len(raw)).Fill(raw))
	if err != nil {
		return nil, err
	}
	return s.loadCreated(ctx, id)
}

// OverwriteLeafNode replaces the content of the block with a leaf holding
// data. The id is unchanged.
func (s *Store) OverwriteLeafNode(ctx context.Context, id blockstore.BlockID, data []byte) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	buf, err := s.serializeLeaf(data)
	if err != nil {
		return err
	}
	return s.blockStore.OverwriteOptimized(ctx, id, buf)
}

// RemoveByID does not recurse into children.
func (s *Store) RemoveByID(ctx context.Context, id blockstore.BlockID) (blockstore.RemoveResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}
	res, err := s.blockStore.Remove(ctx, id)
	if err != nil {
		return res, err
	}
	s.log.WithFields(logrus.Fields{"block": id, "result": res}).Debug("Removed node")
	return res, nil
}

func (s *Store) NumNodes(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	return s.blockStore.NumBlocks(ctx)
}

// EstimateSpaceForNumBlocksLeft is an approximation, not a guarantee.
func (s *Store) EstimateSpaceForNumBlocksLeft(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	free, err := s.blockStore.EstimateNumFreeBytes(ctx)
	if err != nil {
		return 0, err
	}
	return free / uint64(s.layout.MaxBytesPerLeaf()), nil
}

// VirtualBlockSizeBytes is the usable size of a block as seen by the layers
// above this store.
func (s *Store) VirtualBlockSizeBytes() uint32 {
	return s.layout.MaxBytesPerLeaf()
}

// FlushNode writes in-memory modifications of node back to the block store.
func (s *Store) FlushNode(ctx context.Context, node DataNode) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	return s.blockStore.FlushBlock(ctx, node.block())
}

// AllNodes enumerates the ids of all nodes in unspecified order.
func (s *Store) AllNodes(ctx context.Context) iter.Seq2[blockstore.BlockID, error] {
	if err := s.guard.Check(); err != nil {
		return func(yield func(blockstore.BlockID, error) bool) {
			yield(blockstore.BlockID{}, err)
		}
	}
	return s.blockStore.AllBlocks(ctx)
}

// Release releases the block store. It must be called exactly once and the
// store must not be used afterwards.
func (s *Store) Release(ctx context.Context) error {
	if err := s.guard.Release(); err != nil {
		return err
	}
	return s.blockStore.Release(ctx)
}

func (s *Store) loadCreatedLeaf(ctx context.Context, id blockstore.BlockID) (*LeafNode, error) {
	node, err := s.loadCreated(ctx, id)
	if err != nil {
		return nil, err
	}
	leaf, ok := node.(*LeafNode)
	if !ok {
		return nil, s.inconsistent(id, "created a leaf node but it loaded as an inner node")
	}
	return leaf, nil
}

// loadCreated reloads a block this store just wrote. Anything but a
// parseable node is an internal consistency failure.
func (s *Store) loadCreated(ctx context.Context, id blockstore.BlockID) (DataNode, error) {
	node, err := s.Load(ctx, id)
	if errors.Is(err, ErrCorruptNode) {
		return nil, s.inconsistent(id, err.Error())
	}
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, s.inconsistent(id, "just created this block but it does not exist")
	}
	return node, nil
}

func (s *Store) inconsistent(id blockstore.BlockID, msg string) error {
	s.log.WithField("block", id).Error(msg)
	return fmt.Errorf("%w: block %s: %s", ErrInconsistent, id, msg)
}
