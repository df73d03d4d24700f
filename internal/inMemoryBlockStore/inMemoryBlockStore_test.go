package inMemoryBlockStore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-blocktree/internal/testutil"
	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

func TestInMemoryBlockStore(t *testing.T) {
	testutil.RunBlockStoreSuite(t, func(t *testing.T) blockstore.BlockStore {
		return New()
	})
}

func TestBlockSizeFromPhysicalBlockSize_Identity(t *testing.T) {
	s := New()
	for _, size := range []uint64{0, 40, 1024, 32768} {
		got, err := s.BlockSizeFromPhysicalBlockSize(size)
		require.NoError(t, err)
		assert.Equal(t, size, got)
	}
}

func TestAllBlocks_SnapshotAllowsRemoval(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 10; i++ {
		id, err := blockstore.NewBlockID()
		require.NoError(t, err)
		require.NoError(t, s.Store(ctx, id, []byte{byte(i)}))
	}

	seen := 0
	for id, err := range s.AllBlocks(ctx) {
		require.NoError(t, err)
		_, err = s.Remove(ctx, id)
		require.NoError(t, err)
		seen++
	}
	assert.Equal(t, 10, seen)

	n, err := s.NumBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestAllBlocks_CanceledContext(t *testing.T) {
	s := New()
	id, err := blockstore.NewBlockID()
	require.NoError(t, err)
	require.NoError(t, s.Store(context.Background(), id, []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range s.AllBlocks(ctx) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
