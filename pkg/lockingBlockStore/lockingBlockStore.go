// Package lockingBlockStore wraps a block store so that at most one operation
// per block id is in flight at any time. It also provides the id-allocating
// Create and the Block handle used by the node store.
package lockingBlockStore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

// maxCreateAttempts bounds retries on random id collisions.
const maxCreateAttempts = 10

var ErrIDCollision = errors.New("lockingBlockStore: could not find an unused block id")

// Block is a loaded block. Its data may be modified in memory and written
// back with FlushBlock.
type Block struct {
	id    blockstore.BlockID
	data  []byte
	dirty bool
}

// NewBlock wraps data that was not loaded from a store. It starts dirty.
func NewBlock(id blockstore.BlockID, data []byte) *Block {
	return &Block{id: id, data: data, dirty: true}
}

func (b *Block) ID() blockstore.BlockID { return b.id }

// Data returns the block content. Callers that modify it must call
// MarkDirty so FlushBlock writes it back.
func (b *Block) Data() []byte { return b.data }

func (b *Block) MarkDirty() { b.dirty = true }

func (b *Block) Dirty() bool { return b.dirty }

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

type LockingBlockStore struct {
	guard blockstore.ReleaseGuard
	inner blockstore.BlockStore

	mu    sync.Mutex
	locks map[blockstore.BlockID]*lockEntry
}

// New wraps inner. The returned store owns inner and releases it.
func New(inner blockstore.BlockStore) *LockingBlockStore {
	return &LockingBlockStore{
		inner: inner,
		locks: make(map[blockstore.BlockID]*lockEntry),
	}
}

// lock blocks until no other operation holds id and returns the unlock func.
func (s *LockingBlockStore) lock(id blockstore.BlockID) func() {
	s.mu.Lock()
	entry, ok := s.locks[id]
	if !ok {
		entry = &lockEntry{}
		s.locks[id] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Load returns nil if the block does not exist.
func (s *LockingBlockStore) Load(ctx context.Context, id blockstore.BlockID) (*Block, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()

	data, found, err := s.inner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &Block{id: id, data: data}, nil
}

// Allocate returns a buffer suitable for CreateOptimized and OverwriteOptimized.
func (s *LockingBlockStore) Allocate(size int) *blockstore.BlockData {
	return blockstore.Allocate(s.inner, size)
}

// Create stores data under a fresh random id.
func (s *LockingBlockStore) Create(ctx context.Context, data []byte) (blockstore.BlockID, error) {
	return s.CreateOptimized(ctx, s.Allocate(len(data)).Fill(data))
}

// CreateOptimized stores data under a fresh random id without copying it.
func (s *LockingBlockStore) CreateOptimized(ctx context.Context, data *blockstore.BlockData) (blockstore.BlockID, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.BlockID{}, err
	}

	size := data.Len()
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id, err := blockstore.NewBlockID()
		if err != nil {
			return blockstore.BlockID{}, err
		}
		if attempt > 0 {
			// wrappers only prepend headers, the payload is still the tail
			payload := data.Bytes()
			data = s.Allocate(size).Fill(payload[len(payload)-size:])
		}

		res, err := s.tryCreateOptimized(ctx, id, data)
		if err != nil {
			return blockstore.BlockID{}, err
		}
		if res == blockstore.Created {
			return id, nil
		}
	}
	return blockstore.BlockID{}, fmt.Errorf("%w after %d attempts", ErrIDCollision, maxCreateAttempts)
}

func (s *LockingBlockStore) tryCreateOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) (blockstore.TryCreateResult, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.inner.TryCreateOptimized(ctx, id, data)
}

func (s *LockingBlockStore) TryCreate(
	ctx context.Context,
	id blockstore.BlockID,
	data []byte,
) (blockstore.TryCreateResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.inner.TryCreate(ctx, id, data)
}

// Overwrite creates or replaces the block.
func (s *LockingBlockStore) Overwrite(ctx context.Context, id blockstore.BlockID, data []byte) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.inner.Store(ctx, id, data)
}

func (s *LockingBlockStore) OverwriteOptimized(ctx context.Context, id blockstore.BlockID, data *blockstore.BlockData) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.inner.StoreOptimized(ctx, id, data)
}

// FlushBlock writes a modified block back. Clean blocks are skipped.
func (s *LockingBlockStore) FlushBlock(ctx context.Context, block *Block) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	if !block.dirty {
		return nil
	}
	unlock := s.lock(block.id)
	defer unlock()

	if err := s.inner.Store(ctx, block.id, block.data); err != nil {
		return err
	}
	block.dirty = false
	return nil
}

func (s *LockingBlockStore) Remove(ctx context.Context, id blockstore.BlockID) (blockstore.RemoveResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.inner.Remove(ctx, id)
}

func (s *LockingBlockStore) NumBlocks(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	return s.inner.NumBlocks(ctx)
}

func (s *LockingBlockStore) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	return s.inner.EstimateNumFreeBytes(ctx)
}

func (s *LockingBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	return s.inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
}

func (s *LockingBlockStore) AllBlocks(ctx context.Context) iter.Seq2[blockstore.BlockID, error] {
	if err := s.guard.Check(); err != nil {
		return func(yield func(blockstore.BlockID, error) bool) {
			yield(blockstore.BlockID{}, err)
		}
	}
	return s.inner.AllBlocks(ctx)
}

// Release releases the wrapped store. It must be called exactly once.
func (s *LockingBlockStore) Release(ctx context.Context) error {
	if err := s.guard.Release(); err != nil {
		return err
	}
	return s.inner.Release(ctx)
}
