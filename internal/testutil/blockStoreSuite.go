package testutil

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

// BlockStoreFactory returns a fresh, empty store. The suite releases it.
type BlockStoreFactory func(t *testing.T) blockstore.BlockStore

// RunBlockStoreSuite checks the behavior every blockstore.BlockStore shares.
func RunBlockStoreSuite(t *testing.T, newStore BlockStoreFactory) {
	tests := map[string]func(t *testing.T, s blockstore.BlockStore){
		"LoadAbsent":             testLoadAbsent,
		"TryCreateAndLoad":       testTryCreateAndLoad,
		"TryCreateExisting":      testTryCreateExisting,
		"StoreOverwrites":        testStoreOverwrites,
		"OptimizedRoundTrip":     testOptimizedRoundTrip,
		"Remove":                 testRemove,
		"NumBlocks":              testNumBlocks,
		"AllBlocks":              testAllBlocks,
		"EmptyBlock":             testEmptyBlock,
		"LoadDoesNotAlias":       testLoadDoesNotAlias,
		"EstimateNumFreeBytes":   testEstimateNumFreeBytes,
		"ReleaseTwiceFails":      testReleaseTwice,
		"UseAfterReleaseFails":   testUseAfterRelease,
		"ManyBlocksStayDistinct": testManyBlocks,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Release(context.Background()) })
			test(t, s)
		})
	}
}

func newID(t *testing.T) blockstore.BlockID {
	t.Helper()
	id, err := blockstore.NewBlockID()
	require.NoError(t, err)
	return id
}

func load(t *testing.T, s blockstore.BlockStore, id blockstore.BlockID) []byte {
	t.Helper()
	data, ok, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "block %s not found", id)
	return data
}

func testLoadAbsent(t *testing.T, s blockstore.BlockStore) {
	data, ok, err := s.Load(context.Background(), newID(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func testTryCreateAndLoad(t *testing.T, s blockstore.BlockStore) {
	id := newID(t)
	res, err := s.TryCreate(context.Background(), id, []byte("some block content"))
	require.NoError(t, err)
	assert.Equal(t, blockstore.Created, res)
	assert.Equal(t, []byte("some block content"), load(t, s, id))
}

func testTryCreateExisting(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	id := newID(t)
	_, err := s.TryCreate(ctx, id, []byte("first"))
	require.NoError(t, err)

	res, err := s.TryCreate(ctx, id, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, blockstore.NotCreatedBecauseBlockIDAlreadyExists, res)
	assert.Equal(t, []byte("first"), load(t, s, id))
}

func testStoreOverwrites(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	id := newID(t)
	require.NoError(t, s.Store(ctx, id, []byte("first")))
	require.NoError(t, s.Store(ctx, id, []byte("second version")))
	assert.Equal(t, []byte("second version"), load(t, s, id))

	n, err := s.NumBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func testOptimizedRoundTrip(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	id := newID(t)
	data := blockstore.Allocate(s, 64)
	copy(data.Bytes(), bytes.Repeat([]byte{0x5A}, 64))

	res, err := s.TryCreateOptimized(ctx, id, data)
	require.NoError(t, err)
	assert.Equal(t, blockstore.Created, res)
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, 64), load(t, s, id))

	data = blockstore.Allocate(s, 3).Fill([]byte("new"))
	require.NoError(t, s.StoreOptimized(ctx, id, data))
	assert.Equal(t, []byte("new"), load(t, s, id))
}

func testRemove(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	id := newID(t)
	other := newID(t)
	require.NoError(t, s.Store(ctx, id, []byte("gone soon")))
	require.NoError(t, s.Store(ctx, other, []byte("stays")))

	res, err := s.Remove(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blockstore.Removed, res)

	_, ok, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []byte("stays"), load(t, s, other))

	res, err = s.Remove(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blockstore.NotRemovedBecauseItDoesntExist, res)
}

func testNumBlocks(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	count := func() uint64 {
		n, err := s.NumBlocks(ctx)
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, uint64(0), count())
	a, b := newID(t), newID(t)
	require.NoError(t, s.Store(ctx, a, []byte("a")))
	assert.Equal(t, uint64(1), count())
	require.NoError(t, s.Store(ctx, b, []byte("b")))
	assert.Equal(t, uint64(2), count())
	_, err := s.Remove(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count())
}

func testAllBlocks(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	want := []blockstore.BlockID{newID(t), newID(t), newID(t)}
	for _, id := range want {
		require.NoError(t, s.Store(ctx, id, []byte(id.String())))
	}

	var got []blockstore.BlockID
	for id, err := range s.AllBlocks(ctx) {
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.ElementsMatch(t, want, got)

	// stopping early must not hang or panic
	for range s.AllBlocks(ctx) {
		break
	}
}

func testEmptyBlock(t *testing.T, s blockstore.BlockStore) {
	id := newID(t)
	require.NoError(t, s.Store(context.Background(), id, nil))
	assert.Empty(t, load(t, s, id))
}

func testLoadDoesNotAlias(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	id := newID(t)
	input := []byte("original")
	require.NoError(t, s.Store(ctx, id, input))
	input[0] = 'X'

	loaded := load(t, s, id)
	assert.Equal(t, []byte("original"), loaded)
	loaded[0] = 'Y'
	assert.Equal(t, []byte("original"), load(t, s, id))
}

func testEstimateNumFreeBytes(t *testing.T, s blockstore.BlockStore) {
	free, err := s.EstimateNumFreeBytes(context.Background())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func testReleaseTwice(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	require.NoError(t, s.Release(ctx))
	assert.ErrorIs(t, s.Release(ctx), blockstore.ErrReleased)
}

func testUseAfterRelease(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	require.NoError(t, s.Release(ctx))

	_, _, err := s.Load(ctx, newID(t))
	assert.ErrorIs(t, err, blockstore.ErrReleased)
	assert.ErrorIs(t, s.Store(ctx, newID(t), []byte("x")), blockstore.ErrReleased)
	_, err = s.Remove(ctx, newID(t))
	assert.ErrorIs(t, err, blockstore.ErrReleased)
	_, err = s.NumBlocks(ctx)
	assert.ErrorIs(t, err, blockstore.ErrReleased)
}

func testManyBlocks(t *testing.T, s blockstore.BlockStore) {
	ctx := context.Background()
	ids := make([]blockstore.BlockID, 50)
	for i := range ids {
		ids[i] = newID(t)
		require.NoError(t, s.Store(ctx, ids[i], bytes.Repeat([]byte{byte(i)}, i+1)))
	}
	for i, id := range ids {
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, i+1), load(t, s, id))
	}
}
