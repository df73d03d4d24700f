// Package dataTree stores byte streams as trees of data nodes. Leaves hold
// consecutive slices of the stream, inner nodes reference up to
// MaxChildrenPerInnerNode nodes exactly one level below them.
package dataTree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/i5heu/ouroboros-blocktree/internal/chunker"
	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
	"github.com/i5heu/ouroboros-blocktree/pkg/dataNodeStore"
	workerpool "github.com/i5heu/ouroboros-blocktree/pkg/workerPool"
)

var (
	ErrNotFound      = errors.New("dataTree: node not found")
	ErrMalformedTree = errors.New("dataTree: malformed tree")
	ErrTooLarge      = errors.New("dataTree: stream needs more than 255 tree levels")
)

type Stats struct {
	NumLeaves uint64
	NumInner  uint64
	NumBytes  uint64
	Depth     uint8
}

func (s Stats) NumNodes() uint64 {
	return s.NumLeaves + s.NumInner
}

type Tree struct {
	store *dataNodeStore.Store
	pool  *workerpool.WorkerPool
	log   *logrus.Logger
}

// New does not take ownership of store or pool.
func New(store *dataNodeStore.Store, pool *workerpool.WorkerPool, logger *logrus.Logger) *Tree {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tree{store: store, pool: pool, log: logger}
}

// Build writes the content of r as a new tree and returns its root. An empty
// stream becomes a single empty leaf. If Build fails, the nodes it already
// created are removed again.
func (t *Tree) Build(ctx context.Context, r io.Reader) (blockstore.BlockID, error) {
	ids, err := t.writeLeaves(ctx, r)
	if err == nil && len(ids) == 0 {
		var leaf *dataNodeStore.LeafNode
		leaf, err = t.store.CreateNewLeafNode(ctx, nil)
		if err == nil {
			ids = append(ids, leaf.BlockID())
		}
	}
	created := slices.Clone(ids)

	maxChildren := int(t.store.Layout().MaxChildrenPerInnerNode())
	for depth := 1; err == nil && len(ids) > 1; depth++ {
		if depth > math.MaxUint8 {
			err = ErrTooLarge
			break
		}
		ids, err = t.writeLevel(ctx, uint8(depth), ids, maxChildren)
		created = append(created, ids...)
	}

	if err != nil {
		return blockstore.BlockID{}, multierr.Append(err, t.removeAll(ctx, created))
	}

	t.log.WithFields(logrus.Fields{
		"root":  ids[0],
		"nodes": len(created),
	}).Debug("Built data tree")
	return ids[0], nil
}

// writeLeaves reads the stream sequentially and creates the leaves in
// parallel.
func (t *Tree) writeLeaves(ctx context.Context, r io.Reader) ([]blockstore.BlockID, error) {
	c, err := chunker.NewChunker(r, t.store.Layout().MaxBytesPerLeaf())
	if err != nil {
		return nil, err
	}

	room := workerpool.NewRoom[blockstore.BlockID](t.pool)
	var readErr error
	for {
		if readErr = ctx.Err(); readErr != nil {
			break
		}
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("dataTree: reading input: %w", err)
			break
		}
		room.NewTaskWaitForFreeSlot(func() (blockstore.BlockID, error) {
			leaf, err := t.store.CreateNewLeafNode(ctx, chunk)
			if err != nil {
				return blockstore.BlockID{}, err
			}
			return leaf.BlockID(), nil
		})
	}

	ids, err := room.Collect()
	if err = multierr.Append(readErr, err); err != nil {
		return nil, multierr.Append(err, t.removeAll(ctx, ids))
	}
	return ids, nil
}

func (t *Tree) writeLevel(ctx context.Context, depth uint8, children []blockstore.BlockID, maxChildren int) ([]blockstore.BlockID, error) {
	room := workerpool.NewRoom[blockstore.BlockID](t.pool)
	for group := range slices.Chunk(children, maxChildren) {
		room.NewTaskWaitForFreeSlot(func() (blockstore.BlockID, error) {
			inner, err := t.store.CreateNewInnerNode(ctx, depth, group)
			if err != nil {
				return blockstore.BlockID{}, err
			}
			return inner.BlockID(), nil
		})
	}

	ids, err := room.Collect()
	if err != nil {
		return nil, multierr.Append(err, t.removeAll(ctx, ids))
	}
	return ids, nil
}

// removeAll removes single nodes, skipping zero ids left by failed jobs.
func (t *Tree) removeAll(ctx context.Context, ids []blockstore.BlockID) error {
	var err error
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if _, rmErr := t.store.RemoveByID(ctx, id); rmErr != nil {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}

func (t *Tree) load(ctx context.Context, id blockstore.BlockID) (dataNodeStore.DataNode, error) {
	node, err := t.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return node, nil
}

// loadChild loads the child of a node at parentDepth and checks that it sits
// exactly one level below.
func (t *Tree) loadChild(ctx context.Context, parentDepth uint8, id blockstore.BlockID) (dataNodeStore.DataNode, error) {
	node, err := t.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: missing child %s", ErrMalformedTree, id)
	}
	if node.Depth() != parentDepth-1 {
		return nil, fmt.Errorf("%w: child %s has depth %d below a node of depth %d", ErrMalformedTree, id, node.Depth(), parentDepth)
	}
	return node, nil
}

// ReadAll writes the leaves of the tree below root to w, left to right.
func (t *Tree) ReadAll(ctx context.Context, root blockstore.BlockID, w io.Writer) (int64, error) {
	node, err := t.load(ctx, root)
	if err != nil {
		return 0, err
	}
	return t.readNode(ctx, node, w)
}

func (t *Tree) readNode(ctx context.Context, node dataNodeStore.DataNode, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	switch node := node.(type) {
	case *dataNodeStore.LeafNode:
		n, err := w.Write(node.Data())
		return int64(n), err
	case *dataNodeStore.InnerNode:
		var written int64
		for _, id := range node.Children() {
			child, err := t.loadChild(ctx, node.Depth(), id)
			if err != nil {
				return written, err
			}
			n, err := t.readNode(ctx, child, w)
			written += n
			if err != nil {
				return written, err
			}
		}
		return written, nil
	}
	return 0, fmt.Errorf("%w: unknown node type %T", ErrMalformedTree, node)
}

// Remove deletes root and everything below it, children first. Missing
// children are logged and skipped so a partially removed tree can be
// removed again.
func (t *Tree) Remove(ctx context.Context, root blockstore.BlockID) error {
	node, err := t.load(ctx, root)
	if err != nil {
		return err
	}
	return t.removeNode(ctx, node)
}

func (t *Tree) removeNode(ctx context.Context, node dataNodeStore.DataNode) error {
	if inner, ok := node.(*dataNodeStore.InnerNode); ok {
		for _, id := range inner.Children() {
			child, err := t.loadChild(ctx, inner.Depth(), id)
			if errors.Is(err, ErrMalformedTree) {
				t.log.WithFields(logrus.Fields{
					"parent": inner.BlockID(),
					"child":  id,
				}).Warnf("Skipping child while removing tree: %v", err)
				continue
			}
			if err != nil {
				return err
			}
			if err := t.removeNode(ctx, child); err != nil {
				return err
			}
		}
	}

	res, err := node.Remove(ctx, t.store)
	if err != nil {
		return err
	}
	if res == blockstore.NotRemovedBecauseItDoesntExist {
		t.log.WithField("block", node.BlockID()).Warn("Node vanished while removing tree")
	}
	return nil
}

// Stats walks the tree below root.
func (t *Tree) Stats(ctx context.Context, root blockstore.BlockID) (Stats, error) {
	node, err := t.load(ctx, root)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Depth: node.Depth()}
	err = t.walk(ctx, node, &stats)
	return stats, err
}

func (t *Tree) walk(ctx context.Context, node dataNodeStore.DataNode, stats *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch node := node.(type) {
	case *dataNodeStore.LeafNode:
		stats.NumLeaves++
		stats.NumBytes += uint64(node.NumBytes())
	case *dataNodeStore.InnerNode:
		stats.NumInner++
		for _, id := range node.Children() {
			child, err := t.loadChild(ctx, node.Depth(), id)
			if err != nil {
				return err
			}
			if err := t.walk(ctx, child, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

// Roots returns the ids of all nodes no inner node refers to, sorted. Every
// tree written by Build contributes exactly its root.
func (t *Tree) Roots(ctx context.Context) ([]blockstore.BlockID, error) {
	all := make(map[blockstore.BlockID]struct{})
	referenced := make(map[blockstore.BlockID]struct{})

	for id, err := range t.store.AllNodes(ctx) {
		if err != nil {
			return nil, err
		}
		all[id] = struct{}{}

		node, err := t.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if inner, ok := node.(*dataNodeStore.InnerNode); ok {
			for _, child := range inner.Children() {
				referenced[child] = struct{}{}
			}
		}
	}

	roots := make([]blockstore.BlockID, 0, len(all))
	for id := range all {
		if _, ok := referenced[id]; !ok {
			roots = append(roots, id)
		}
	}
	slices.SortFunc(roots, blockstore.BlockID.Compare)
	return roots, nil
}
