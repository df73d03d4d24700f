// Package onDiskBlockStore persists blocks in a BadgerDB database.
package onDiskBlockStore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

var log *logrus.Logger

var ErrUnknownBlockFormat = errors.New("onDiskBlockStore: stored block has unknown format")

var (
	keyPrefix   = []byte("block:")
	formatMagic = []byte("ouroblk0")
)

// HeaderLen is the per-block overhead of this store.
var HeaderLen = len(formatMagic)

type OnDiskBlockStore struct {
	guard        blockstore.ReleaseGuard
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func New(config StoreConfig) (*OnDiskBlockStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for OnDiskBlockStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %q: %w", config.Path, err)
	}

	if !config.InMemory {
		if err := displayDiskUsage(config.Path); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &OnDiskBlockStore{
		config:   config,
		badgerDB: db,
	}, nil
}

func blockKey(id blockstore.BlockID) []byte {
	key := make([]byte, 0, len(keyPrefix)+blockstore.BlockIDLen)
	key = append(key, keyPrefix...)
	return append(key, id[:]...)
}

// Counters returns the number of block reads and writes since open.
func (k *OnDiskBlockStore) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

func (k *OnDiskBlockStore) Load(
	ctx context.Context,
	id blockstore.BlockID,
) ([]byte, bool, error) {
	if err := k.guard.Check(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error reading block %s: %w", id, err)
	}

	if !bytes.HasPrefix(value, formatMagic) {
		return nil, false, fmt.Errorf("%w: block %s", ErrUnknownBlockFormat, id)
	}
	return value[HeaderLen:], true, nil
}

func (k *OnDiskBlockStore) NumBlocks(ctx context.Context) (uint64, error) {
	if err := k.guard.Check(); err != nil {
		return 0, err
	}

	var count uint64
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error counting blocks: %w", err)
	}
	return count, nil
}

func (k *OnDiskBlockStore) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	if err := k.guard.Check(); err != nil {
		return 0, err
	}
	free, err := freeBytes(ctx, k.config.Path, k.config.InMemory)
	if err != nil {
		return 0, fmt.Errorf("error estimating free space: %w", err)
	}
	return free, nil
}

func (k *OnDiskBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	return blockstore.SubtractOverhead(physicalBlockSize, uint64(HeaderLen))
}

// AllBlocks iterates over the block keys inside a single read transaction.
func (k *OnDiskBlockStore) AllBlocks(ctx context.Context) iter.Seq2[blockstore.BlockID, error] {
	return func(yield func(blockstore.BlockID, error) bool) {
		if err := k.guard.Check(); err != nil {
			yield(blockstore.BlockID{}, err)
			return
		}

		stopped := false
		err := k.badgerDB.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = keyPrefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				id, err := blockstore.BlockIDFromBytes(it.Item().Key()[len(keyPrefix):])
				if err != nil {
					return err
				}
				if !yield(id, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(blockstore.BlockID{}, fmt.Errorf("error listing blocks: %w", err))
		}
	}
}

func (k *OnDiskBlockStore) Remove(
	ctx context.Context,
	id blockstore.BlockID,
) (blockstore.RemoveResult, error) {
	if err := k.guard.Check(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}
	if err := ctx.Err(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}

	atomic.AddUint64(&k.writeCounter, 1)
	result := blockstore.Removed
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		key := blockKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				result = blockstore.NotRemovedBecauseItDoesntExist
				return nil
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, fmt.Errorf("error removing block %s: %w", id, err)
	}
	return result, nil
}

func (k *OnDiskBlockStore) TryCreate(
	ctx context.Context,
	id blockstore.BlockID,
	data []byte,
) (blockstore.TryCreateResult, error) {
	return blockstore.TryCreateFromOptimized(ctx, k, id, data)
}

func (k *OnDiskBlockStore) Store(ctx context.Context, id blockstore.BlockID, data []byte) error {
	return blockstore.StoreFromOptimized(ctx, k, id, data)
}

func (k *OnDiskBlockStore) RequiredPrefixBytesBase() int { return 0 }

func (k *OnDiskBlockStore) RequiredPrefixBytesSelf() int { return HeaderLen }

// withHeader prepends the format magic into the reserved prefix of data.
func withHeader(data *blockstore.BlockData) ([]byte, error) {
	header, err := data.GrowPrefix(HeaderLen)
	if err != nil {
		return nil, fmt.Errorf("onDiskBlockStore: %w", err)
	}
	copy(header, formatMagic)
	return data.Bytes(), nil
}

func (k *OnDiskBlockStore) TryCreateOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) (blockstore.TryCreateResult, error) {
	if err := k.guard.Check(); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}
	if err := ctx.Err(); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}

	value, err := withHeader(data)
	if err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}

	atomic.AddUint64(&k.writeCounter, 1)
	result := blockstore.Created
	err = k.badgerDB.Update(func(txn *badger.Txn) error {
		key := blockKey(id)
		_, err := txn.Get(key)
		if err == nil {
			result = blockstore.NotCreatedBecauseBlockIDAlreadyExists
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, fmt.Errorf("error creating block %s: %w", id, err)
	}
	return result, nil
}

func (k *OnDiskBlockStore) StoreOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) error {
	if err := k.guard.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := withHeader(data)
	if err != nil {
		return err
	}

	atomic.AddUint64(&k.writeCounter, 1)
	err = k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(id), value)
	})
	if err != nil {
		return fmt.Errorf("error storing block %s: %w", id, err)
	}
	return nil
}

// Release syncs and closes the database.
func (k *OnDiskBlockStore) Release(ctx context.Context) error {
	if err := k.guard.Release(); err != nil {
		return err
	}
	if err := k.Clean(); err != nil {
		log.WithError(err).Warn("Cleaning badger before close failed")
	}
	return k.badgerDB.Close()
}

// Clean syncs the database and runs value log garbage collection.
func (k *OnDiskBlockStore) Clean() error {
	if k.config.InMemory {
		return nil
	}

	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil {
		if !errors.Is(err, badger.ErrNoRewrite) {
			return fmt.Errorf("error cleaning db: %w", err)
		}
	}

	return nil
}

// Ensure OnDiskBlockStore implements the BlockStore interface.
var _ blockstore.BlockStore = (*OnDiskBlockStore)(nil)
