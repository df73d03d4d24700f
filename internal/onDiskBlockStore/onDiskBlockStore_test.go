package onDiskBlockStore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-blocktree/internal/testutil"
	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newInMemory(t *testing.T) *OnDiskBlockStore {
	t.Helper()
	s, err := New(StoreConfig{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	return s
}

func newOnDisk(t *testing.T, dir string) *OnDiskBlockStore {
	t.Helper()
	s, err := New(StoreConfig{Path: dir, Logger: quietLogger()})
	require.NoError(t, err)
	return s
}

func newID(t *testing.T) blockstore.BlockID {
	t.Helper()
	id, err := blockstore.NewBlockID()
	require.NoError(t, err)
	return id
}

func TestOnDiskBlockStore_InMemoryBadger(t *testing.T) {
	testutil.RunBlockStoreSuite(t, func(t *testing.T) blockstore.BlockStore {
		return newInMemory(t)
	})
}

func TestOnDiskBlockStore_Directory(t *testing.T) {
	testutil.RequireLong(t)
	testutil.RunBlockStoreSuite(t, func(t *testing.T) blockstore.BlockStore {
		return newOnDisk(t, t.TempDir())
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := newID(t)

	s := newOnDisk(t, dir)
	require.NoError(t, s.Store(ctx, id, []byte("survives a restart")))
	require.NoError(t, s.Release(ctx))

	s = newOnDisk(t, dir)
	defer s.Release(ctx)
	data, ok, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("survives a restart"), data)
}

func TestStoredValueCarriesFormatMagic(t *testing.T) {
	ctx := context.Background()
	s := newInMemory(t)
	defer s.Release(ctx)
	id := newID(t)
	require.NoError(t, s.Store(ctx, id, []byte("payload")))

	var raw []byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, append([]byte("ouroblk0"), "payload"...), raw)
}

func TestLoad_UnknownFormat(t *testing.T) {
	ctx := context.Background()
	s := newInMemory(t)
	defer s.Release(ctx)
	id := newID(t)

	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(id), []byte("not a block"))
	})
	require.NoError(t, err)

	_, _, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownBlockFormat)
}

func TestIgnoresKeysOutsideBlockPrefix(t *testing.T) {
	ctx := context.Background()
	s := newInMemory(t)
	defer s.Release(ctx)

	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("meta:version"), []byte("1"))
	})
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, newID(t), []byte("x")))

	n, err := s.NumBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestBlockSizeFromPhysicalBlockSize(t *testing.T) {
	s := newInMemory(t)
	defer s.Release(context.Background())

	size, err := s.BlockSizeFromPhysicalBlockSize(1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024-HeaderLen), size)

	_, err = s.BlockSizeFromPhysicalBlockSize(uint64(HeaderLen - 1))
	assert.ErrorIs(t, err, blockstore.ErrPhysicalBlockTooSmall)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := newInMemory(t)
	defer s.Release(ctx)
	id := newID(t)

	require.NoError(t, s.Store(ctx, id, []byte("x")))
	_, _, err := s.Load(ctx, id)
	require.NoError(t, err)
	_, err = s.Remove(ctx, id)
	require.NoError(t, err)

	reads, writes := s.Counters()
	assert.Equal(t, uint64(1), reads)
	assert.Equal(t, uint64(2), writes)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(StoreConfig{Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(StoreConfig{Path: filepath.Join(t.TempDir(), "missing"), Logger: quietLogger()})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(StoreConfig{Path: file, Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(StoreConfig{Path: t.TempDir(), MinimumFreeSpace: 1 << 30, Logger: quietLogger()})
	assert.Error(t, err)
}
