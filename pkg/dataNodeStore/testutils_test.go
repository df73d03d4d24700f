package dataNodeStore

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-blocktree/internal/inMemoryBlockStore"
	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
	"github.com/i5heu/ouroboros-blocktree/pkg/lockingBlockStore"
)

// physicalBlockSize gives 1016 bytes per leaf and 63 children per inner node.
const physicalBlockSize = 1024

func newNodeStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, lockingBlockStore.New(inMemoryBlockStore.New()), physicalBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Release(ctx); err != nil && err != blockstore.ErrReleased {
			t.Errorf("releasing node store: %v", err)
		}
	})
	return s
}

func dataFixture(size int, seed int64) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func fullLeafData(s *Store, seed int64) []byte {
	return dataFixture(int(s.Layout().MaxBytesPerLeaf()), seed)
}

func halfFullLeafData(s *Store, seed int64) []byte {
	return dataFixture(int(s.Layout().MaxBytesPerLeaf())/2, seed)
}

func newFullLeafNode(t *testing.T, s *Store) *LeafNode {
	t.Helper()
	leaf, err := s.CreateNewLeafNode(context.Background(), fullLeafData(s, 0))
	require.NoError(t, err)
	return leaf
}

func newFullLeaves(t *testing.T, s *Store, n uint32) []blockstore.BlockID {
	t.Helper()
	ids := make([]blockstore.BlockID, n)
	for i := range ids {
		leaf, err := s.CreateNewLeafNode(context.Background(), fullLeafData(s, int64(i)))
		require.NoError(t, err)
		ids[i] = leaf.BlockID()
	}
	return ids
}

func newInnerNode(t *testing.T, s *Store) *InnerNode {
	t.Helper()
	leaf1 := newFullLeafNode(t, s)
	leaf2 := newFullLeafNode(t, s)
	inner, err := s.CreateNewInnerNode(context.Background(), 1, []blockstore.BlockID{leaf1.BlockID(), leaf2.BlockID()})
	require.NoError(t, err)
	return inner
}

func loadLeafNode(t *testing.T, s *Store, id blockstore.BlockID) *LeafNode {
	t.Helper()
	node, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, node, "node %s not found", id)
	leaf, ok := node.(*LeafNode)
	require.True(t, ok, "node %s is not a leaf", id)
	return leaf
}

func loadInnerNode(t *testing.T, s *Store, id blockstore.BlockID) *InnerNode {
	t.Helper()
	node, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, node, "node %s not found", id)
	inner, ok := node.(*InnerNode)
	require.True(t, ok, "node %s is not an inner node", id)
	return inner
}

func requireGone(t *testing.T, s *Store, id blockstore.BlockID) {
	t.Helper()
	node, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, node)
}

func numNodes(t *testing.T, s *Store) uint64 {
	t.Helper()
	n, err := s.NumNodes(context.Background())
	require.NoError(t, err)
	return n
}
