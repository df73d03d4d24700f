package lockingBlockStore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-blocktree/internal/inMemoryBlockStore"
	"github.com/i5heu/ouroboros-blocktree/internal/integrityBlockStore"
	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

// collidingStore reports the first collisions TryCreateOptimized calls as
// already existing and counts writes.
type collidingStore struct {
	*inMemoryBlockStore.InMemoryBlockStore
	collisions int
	attempts   int
	stores     atomic.Int32
}

func (c *collidingStore) TryCreateOptimized(ctx context.Context, id blockstore.BlockID, data *blockstore.BlockData) (blockstore.TryCreateResult, error) {
	c.attempts++
	if c.attempts <= c.collisions {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, nil
	}
	return c.InMemoryBlockStore.TryCreateOptimized(ctx, id, data)
}

func (c *collidingStore) Store(ctx context.Context, id blockstore.BlockID, data []byte) error {
	c.stores.Add(1)
	return blockstore.StoreFromOptimized(ctx, c, id, data)
}

func newCollidingStore(collisions int) *collidingStore {
	return &collidingStore{InMemoryBlockStore: inMemoryBlockStore.New(), collisions: collisions}
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	s := New(inMemoryBlockStore.New())
	defer s.Release(ctx)

	id, err := s.Create(ctx, []byte("content"))
	require.NoError(t, err)

	block, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, id, block.ID())
	assert.Equal(t, []byte("content"), block.Data())
	assert.False(t, block.Dirty())
}

func TestLoad_Absent(t *testing.T) {
	ctx := context.Background()
	s := New(inMemoryBlockStore.New())
	defer s.Release(ctx)

	id, err := blockstore.NewBlockID()
	require.NoError(t, err)
	block, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestCreate_RetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	inner := newCollidingStore(3)
	s := New(inner)
	defer s.Release(ctx)

	id, err := s.Create(ctx, []byte("retried"))
	require.NoError(t, err)
	assert.Equal(t, 4, inner.attempts)

	block, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, []byte("retried"), block.Data())
}

func TestCreate_RetryKeepsPayloadBelowHeaderWrappers(t *testing.T) {
	ctx := context.Background()
	inner := newCollidingStore(2)
	s := New(integrityBlockStore.New(inner))
	defer s.Release(ctx)

	id, err := s.Create(ctx, []byte("payload behind a header"))
	require.NoError(t, err)

	block, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, []byte("payload behind a header"), block.Data())
}

func TestCreate_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	inner := newCollidingStore(maxCreateAttempts)
	s := New(inner)
	defer s.Release(ctx)

	_, err := s.Create(ctx, []byte("never stored"))
	assert.ErrorIs(t, err, ErrIDCollision)
	assert.Equal(t, maxCreateAttempts, inner.attempts)
}

func TestFlushBlock(t *testing.T) {
	ctx := context.Background()
	inner := newCollidingStore(0)
	s := New(inner)
	defer s.Release(ctx)

	id, err := s.Create(ctx, []byte("aaaa"))
	require.NoError(t, err)
	block, err := s.Load(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.FlushBlock(ctx, block))
	assert.Equal(t, int32(0), inner.stores.Load(), "clean block must not be written")

	copy(block.Data(), "bbbb")
	block.MarkDirty()
	require.NoError(t, s.FlushBlock(ctx, block))
	assert.Equal(t, int32(1), inner.stores.Load())
	assert.False(t, block.Dirty())

	reloaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), reloaded.Data())
}

func TestFlushBlock_NewBlockIsDirty(t *testing.T) {
	ctx := context.Background()
	s := New(inMemoryBlockStore.New())
	defer s.Release(ctx)

	id, err := blockstore.NewBlockID()
	require.NoError(t, err)
	block := NewBlock(id, []byte("fresh"))
	assert.True(t, block.Dirty())
	require.NoError(t, s.FlushBlock(ctx, block))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), loaded.Data())
}

func TestTryCreateAndOverwrite(t *testing.T) {
	ctx := context.Background()
	s := New(inMemoryBlockStore.New())
	defer s.Release(ctx)
	id, err := blockstore.NewBlockID()
	require.NoError(t, err)

	res, err := s.TryCreate(ctx, id, []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, blockstore.Created, res)
	res, err = s.TryCreate(ctx, id, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, blockstore.NotCreatedBecauseBlockIDAlreadyExists, res)

	require.NoError(t, s.Overwrite(ctx, id, []byte("three")))
	require.NoError(t, s.OverwriteOptimized(ctx, id, s.Allocate(4).Fill([]byte("four"))))
	block, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("four"), block.Data())

	removed, err := s.Remove(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blockstore.Removed, removed)
	n, err := s.NumBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestConcurrentOperationsOnSameID(t *testing.T) {
	ctx := context.Background()
	s := New(inMemoryBlockStore.New())
	defer s.Release(ctx)

	id, err := s.Create(ctx, make([]byte, 8))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				block, err := s.Load(ctx, id)
				if !assert.NoError(t, err) || !assert.NotNil(t, block) {
					return
				}
				block.Data()[0] = byte(i)
				block.MarkDirty()
				assert.NoError(t, s.FlushBlock(ctx, block))
			}
		}(i)
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.locks, "lock entries must be dropped once unused")
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	inner := inMemoryBlockStore.New()
	s := New(inner)

	require.NoError(t, s.Release(ctx))
	assert.ErrorIs(t, s.Release(ctx), blockstore.ErrReleased)
	_, err := inner.NumBlocks(ctx)
	assert.ErrorIs(t, err, blockstore.ErrReleased, "inner store must be released too")

	_, err = s.Create(ctx, []byte("x"))
	assert.ErrorIs(t, err, blockstore.ErrReleased)
	for _, err := range s.AllBlocks(ctx) {
		assert.ErrorIs(t, err, blockstore.ErrReleased)
	}
}
