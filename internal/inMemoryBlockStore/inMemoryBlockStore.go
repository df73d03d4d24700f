// Package inMemoryBlockStore provides a block store that keeps all blocks in
// process memory. It is used by tests and for ephemeral stores.
package inMemoryBlockStore

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/shirou/gopsutil/mem"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

// InMemoryBlockStore implements blockstore.BlockStore on top of a map.
type InMemoryBlockStore struct {
	guard  blockstore.ReleaseGuard
	mu     sync.RWMutex
	blocks map[blockstore.BlockID][]byte
}

// New creates an empty InMemoryBlockStore.
func New() *InMemoryBlockStore {
	return &InMemoryBlockStore{
		blocks: make(map[blockstore.BlockID][]byte),
	}
}

// Load returns a copy of the stored block.
func (s *InMemoryBlockStore) Load(
	ctx context.Context,
	id blockstore.BlockID,
) ([]byte, bool, error) {
	if err := s.guard.Check(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.blocks[id]
	if !exists {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *InMemoryBlockStore) NumBlocks(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks)), nil
}

// EstimateNumFreeBytes reports the memory still available on the host.
func (s *InMemoryBlockStore) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("inMemoryBlockStore: reading host memory: %w", err)
	}
	return vm.Available, nil
}

// BlockSizeFromPhysicalBlockSize returns its input, blocks carry no header.
func (s *InMemoryBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	return physicalBlockSize, nil
}

// AllBlocks enumerates a snapshot of the ids present when iteration starts.
func (s *InMemoryBlockStore) AllBlocks(ctx context.Context) iter.Seq2[blockstore.BlockID, error] {
	return func(yield func(blockstore.BlockID, error) bool) {
		if err := s.guard.Check(); err != nil {
			yield(blockstore.BlockID{}, err)
			return
		}

		s.mu.RLock()
		ids := make([]blockstore.BlockID, 0, len(s.blocks))
		for id := range s.blocks {
			ids = append(ids, id)
		}
		s.mu.RUnlock()

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(blockstore.BlockID{}, err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (s *InMemoryBlockStore) Remove(
	ctx context.Context,
	id blockstore.BlockID,
) (blockstore.RemoveResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}
	if err := ctx.Err(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[id]; !exists {
		return blockstore.NotRemovedBecauseItDoesntExist, nil
	}
	delete(s.blocks, id)
	return blockstore.Removed, nil
}

func (s *InMemoryBlockStore) TryCreate(
	ctx context.Context,
	id blockstore.BlockID,
	data []byte,
) (blockstore.TryCreateResult, error) {
	return blockstore.TryCreateFromOptimized(ctx, s, id, data)
}

func (s *InMemoryBlockStore) Store(ctx context.Context, id blockstore.BlockID, data []byte) error {
	return blockstore.StoreFromOptimized(ctx, s, id, data)
}

func (s *InMemoryBlockStore) RequiredPrefixBytesBase() int { return 0 }

func (s *InMemoryBlockStore) RequiredPrefixBytesSelf() int { return 0 }

// TryCreateOptimized takes ownership of the visible window of data.
func (s *InMemoryBlockStore) TryCreateOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) (blockstore.TryCreateResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}
	if err := ctx.Err(); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[id]; exists {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, nil
	}
	s.blocks[id] = data.Bytes()
	return blockstore.Created, nil
}

// StoreOptimized takes ownership of the visible window of data.
func (s *InMemoryBlockStore) StoreOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[id] = data.Bytes()
	return nil
}

// Release drops all blocks.
func (s *InMemoryBlockStore) Release(ctx context.Context) error {
	if err := s.guard.Release(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = nil
	return nil
}

// Ensure InMemoryBlockStore implements the BlockStore interface.
var _ blockstore.BlockStore = (*InMemoryBlockStore)(nil)
