/*
Package ouroboros stores byte streams as trees of fixed-size blocks.

The block stack is assembled from the config: BadgerDB at the bottom,
XChaCha20-Poly1305 encryption above it, an integrity layer binding every
block to its id, per-id locking and finally the node store that lays out leaf
and inner nodes inside the blocks.
*/
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/i5heu/ouroboros-blocktree/internal/dataTree"
	"github.com/i5heu/ouroboros-blocktree/internal/encryptedBlockStore"
	"github.com/i5heu/ouroboros-blocktree/internal/integrityBlockStore"
	"github.com/i5heu/ouroboros-blocktree/internal/onDiskBlockStore"
	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
	"github.com/i5heu/ouroboros-blocktree/pkg/dataNodeStore"
	"github.com/i5heu/ouroboros-blocktree/pkg/lockingBlockStore"
	workerpool "github.com/i5heu/ouroboros-blocktree/pkg/workerPool"
)

var (
	ErrNotStarted = errors.New("ouroboros: store not started")
	ErrClosed     = errors.New("ouroboros: store closed")
)

// Ouroboros is the store handle. Create it with New and Start, or Open.
type Ouroboros struct {
	log    *logrus.Logger
	config Config

	mu    sync.RWMutex
	nodes *dataNodeStore.Store
	tree  *dataTree.Tree
	pool  *workerpool.WorkerPool

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

// Info describes the state of an open store.
type Info struct {
	NumNodes            uint64
	PhysicalBlockSize   uint32
	VirtualBlockSize    uint32
	MaxChildren         uint32
	EstimatedBlocksLeft uint64
	DataDir             string
	InMemory            bool
}

// New validates the config. It does no I/O.
func New(conf Config) (*Ouroboros, error) {
	if err := conf.applyDefaults(); err != nil {
		return nil, err
	}
	return &Ouroboros{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Open is New followed by Start.
func Open(ctx context.Context, conf Config) (*Ouroboros, error) {
	ou, err := New(conf)
	if err != nil {
		return nil, err
	}
	if err := ou.Start(ctx); err != nil {
		return nil, err
	}
	return ou, nil
}

// Start opens the database and assembles the block stack. Only the first
// call has an effect; later calls return its error. A released store cannot
// be started.
func (ou *Ouroboros) Start(ctx context.Context) error {
	if ou.closed.Load() {
		return ErrClosed
	}
	ou.startOnce.Do(func() {
		nodes, err := ou.openNodeStore(ctx)
		if err != nil {
			ou.startErr = err
			return
		}
		nodes.SetLogger(ou.log)

		pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: ou.config.Workers})
		ou.mu.Lock()
		if ou.closed.Load() {
			ou.mu.Unlock()
			pool.Close()
			ou.startErr = multierr.Append(ErrClosed, nodes.Release(ctx))
			return
		}
		ou.nodes = nodes
		ou.pool = pool
		ou.tree = dataTree.New(nodes, pool, ou.log)
		ou.mu.Unlock()

		ou.started.Store(true)
		ou.log.WithFields(logrus.Fields{
			"dataDir":           ou.config.DataDir,
			"inMemory":          ou.config.InMemory,
			"physicalBlockSize": ou.config.PhysicalBlockSize,
			"integrity":         !ou.config.DisableIntegrity,
		}).Info("Ouroboros block tree store started")
	})
	return ou.startErr
}

func (ou *Ouroboros) openNodeStore(ctx context.Context) (*dataNodeStore.Store, error) {
	if !ou.config.InMemory {
		if err := os.MkdirAll(ou.config.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("ouroboros: mkdir %s: %w", ou.config.DataDir, err)
		}
	}
	key, err := ou.encryptionKey()
	if err != nil {
		return nil, err
	}

	disk, err := onDiskBlockStore.New(onDiskBlockStore.StoreConfig{
		Path:             ou.config.DataDir,
		InMemory:         ou.config.InMemory,
		MinimumFreeSpace: ou.config.MinimumFreeGB,
		Logger:           ou.log,
	})
	if err != nil {
		return nil, fmt.Errorf("ouroboros: opening block store: %w", err)
	}

	encrypted, err := encryptedBlockStore.New(disk, key)
	if err != nil {
		return nil, multierr.Append(err, disk.Release(ctx))
	}

	var top blockstore.BlockStore = encrypted
	if !ou.config.DisableIntegrity {
		top = integrityBlockStore.New(encrypted)
	}

	nodes, err := dataNodeStore.New(ctx, lockingBlockStore.New(top), ou.config.PhysicalBlockSize)
	if err != nil {
		return nil, fmt.Errorf("ouroboros: opening node store: %w", err)
	}
	return nodes, nil
}

// encryptionKey returns the configured key, or the one in the key file.
// A missing key file is created for on-disk stores; in-memory stores get a
// throwaway key.
func (ou *Ouroboros) encryptionKey() (encryptedBlockStore.Key, error) {
	if ou.config.EncryptionKey != "" {
		return encryptedBlockStore.ParseKey(ou.config.EncryptionKey)
	}
	if ou.config.InMemory {
		return encryptedBlockStore.NewKey()
	}

	path := filepath.Join(ou.config.DataDir, keyFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		return encryptedBlockStore.ParseKey(strings.TrimSpace(string(raw)))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return encryptedBlockStore.Key{}, fmt.Errorf("ouroboros: reading key file: %w", err)
	}

	key, err := encryptedBlockStore.NewKey()
	if err != nil {
		return key, err
	}
	if err := os.WriteFile(path, []byte(key.String()+"\n"), 0o600); err != nil {
		return key, fmt.Errorf("ouroboros: writing key file: %w", err)
	}
	ou.log.WithField("path", path).Info("Created new encryption key")
	return key, nil
}

// Release closes the store. It is safe to call more than once; only the
// first call does anything.
func (ou *Ouroboros) Release(ctx context.Context) error {
	var releaseErr error
	ou.closeOnce.Do(func() {
		ou.mu.Lock()
		ou.closed.Store(true)
		nodes, pool := ou.nodes, ou.pool
		ou.nodes, ou.pool, ou.tree = nil, nil, nil
		ou.mu.Unlock()

		if pool != nil {
			pool.Close()
		}
		if nodes != nil {
			releaseErr = nodes.Release(ctx)
		}
		ou.log.Info("Ouroboros block tree store closed")
	})
	return releaseErr
}

// acquire holds off Release until the returned func is called.
func (ou *Ouroboros) acquire() (*dataNodeStore.Store, *dataTree.Tree, func(), error) {
	if ou.closed.Load() {
		return nil, nil, nil, ErrClosed
	}
	if !ou.started.Load() {
		return nil, nil, nil, ErrNotStarted
	}
	ou.mu.RLock()
	if ou.nodes == nil {
		ou.mu.RUnlock()
		return nil, nil, nil, ErrClosed
	}
	return ou.nodes, ou.tree, ou.mu.RUnlock, nil
}

// WithNodes runs fn with the node store for direct node level access. The
// store must not be retained after fn returns.
func (ou *Ouroboros) WithNodes(fn func(*dataNodeStore.Store) error) error {
	nodes, _, release, err := ou.acquire()
	if err != nil {
		return err
	}
	defer release()
	return fn(nodes)
}

// Import stores the content of r as a new tree and returns its root.
func (ou *Ouroboros) Import(ctx context.Context, r io.Reader) (blockstore.BlockID, error) {
	_, tree, release, err := ou.acquire()
	if err != nil {
		return blockstore.BlockID{}, err
	}
	defer release()
	return tree.Build(ctx, r)
}

// Export writes the tree below root to w.
func (ou *Ouroboros) Export(ctx context.Context, root blockstore.BlockID, w io.Writer) (int64, error) {
	_, tree, release, err := ou.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	return tree.ReadAll(ctx, root, w)
}

// Remove deletes the tree below root.
func (ou *Ouroboros) Remove(ctx context.Context, root blockstore.BlockID) error {
	_, tree, release, err := ou.acquire()
	if err != nil {
		return err
	}
	defer release()
	return tree.Remove(ctx, root)
}

func (ou *Ouroboros) Stats(ctx context.Context, root blockstore.BlockID) (dataTree.Stats, error) {
	_, tree, release, err := ou.acquire()
	if err != nil {
		return dataTree.Stats{}, err
	}
	defer release()
	return tree.Stats(ctx, root)
}

// Roots lists the roots of all stored trees.
func (ou *Ouroboros) Roots(ctx context.Context) ([]blockstore.BlockID, error) {
	_, tree, release, err := ou.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return tree.Roots(ctx)
}

func (ou *Ouroboros) Info(ctx context.Context) (Info, error) {
	nodes, _, release, err := ou.acquire()
	if err != nil {
		return Info{}, err
	}
	defer release()
	num, err := nodes.NumNodes(ctx)
	if err != nil {
		return Info{}, err
	}
	left, err := nodes.EstimateSpaceForNumBlocksLeft(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		NumNodes:            num,
		PhysicalBlockSize:   ou.config.PhysicalBlockSize,
		VirtualBlockSize:    nodes.VirtualBlockSizeBytes(),
		MaxChildren:         nodes.Layout().MaxChildrenPerInnerNode(),
		EstimatedBlocksLeft: left,
		DataDir:             ou.config.DataDir,
		InMemory:            ou.config.InMemory,
	}, nil
}
