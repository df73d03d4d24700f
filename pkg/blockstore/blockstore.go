// Package blockstore defines the capability set every block storage backend
// implements, the BlockID type and the zero-copy BlockData buffer shared by
// the backends.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var ErrPhysicalBlockTooSmall = errors.New("blockstore: physical block size too small for block header")

// TryCreateResult reports whether TryCreate stored the block.
type TryCreateResult int

const (
	Created TryCreateResult = iota
	NotCreatedBecauseBlockIDAlreadyExists
)

func (r TryCreateResult) String() string {
	switch r {
	case Created:
		return "Created"
	case NotCreatedBecauseBlockIDAlreadyExists:
		return "NotCreatedBecauseBlockIDAlreadyExists"
	}
	return "Unknown"
}

// RemoveResult reports whether Remove deleted a block. Removing an absent
// block is not an error.
type RemoveResult int

const (
	Removed RemoveResult = iota
	NotRemovedBecauseItDoesntExist
)

func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "Removed"
	case NotRemovedBecauseItDoesntExist:
		return "NotRemovedBecauseItDoesntExist"
	}
	return "Unknown"
}

// Reader loads blocks and answers size queries.
type Reader interface {
	// Load returns the block content. found is false if the block does not
	// exist; that is not an error.
	Load(ctx context.Context, id BlockID) (data []byte, found bool, err error)
	NumBlocks(ctx context.Context) (uint64, error)
	EstimateNumFreeBytes(ctx context.Context) (uint64, error)
	// BlockSizeFromPhysicalBlockSize returns how many bytes of a physical
	// block remain usable after this store's header overhead.
	BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error)
	// AllBlocks enumerates all block ids. The order is unspecified and there
	// is no isolation against concurrent writers.
	AllBlocks(ctx context.Context) iter.Seq2[BlockID, error]
}

type Deleter interface {
	Remove(ctx context.Context, id BlockID) (RemoveResult, error)
}

type Writer interface {
	// TryCreate stores data under id unless id is already taken.
	TryCreate(ctx context.Context, id BlockID, data []byte) (TryCreateResult, error)
	// Store creates or overwrites the block.
	Store(ctx context.Context, id BlockID, data []byte) error
}

// OptimizedWriter is the zero-copy write path. Buffers passed to it must be
// allocated with Allocate so that they carry enough reserved prefix for this
// store and all stores below it.
type OptimizedWriter interface {
	// RequiredPrefixBytesBase is the prefix required by the stores this one
	// writes into.
	RequiredPrefixBytesBase() int
	// RequiredPrefixBytesSelf is the header size this store prepends.
	RequiredPrefixBytesSelf() int
	TryCreateOptimized(ctx context.Context, id BlockID, data *BlockData) (TryCreateResult, error)
	StoreOptimized(ctx context.Context, id BlockID, data *BlockData) error
}

// BlockStore is the full capability set of a backend.
type BlockStore interface {
	Reader
	Writer
	Deleter
	OptimizedWriter
	Releaser
}

// RequiredPrefixBytes is the total prefix a buffer handed to w must reserve.
func RequiredPrefixBytes(w OptimizedWriter) int {
	return w.RequiredPrefixBytesBase() + w.RequiredPrefixBytesSelf()
}

// Allocate returns a buffer whose visible window is exactly size bytes and
// that can be passed to w's optimized write methods.
func Allocate(w OptimizedWriter, size int) *BlockData {
	return NewBlockData(RequiredPrefixBytes(w), size)
}

func allocateCopy(w OptimizedWriter, data []byte) *BlockData {
	return Allocate(w, len(data)).Fill(data)
}

// TryCreateFromOptimized implements Writer.TryCreate on top of the optimized
// path. It pays exactly one copy of data.
func TryCreateFromOptimized(ctx context.Context, w OptimizedWriter, id BlockID, data []byte) (TryCreateResult, error) {
	return w.TryCreateOptimized(ctx, id, allocateCopy(w, data))
}

// StoreFromOptimized implements Writer.Store on top of the optimized path.
func StoreFromOptimized(ctx context.Context, w OptimizedWriter, id BlockID, data []byte) error {
	return w.StoreOptimized(ctx, id, allocateCopy(w, data))
}

// SubtractOverhead is the common BlockSizeFromPhysicalBlockSize helper for
// stores that add a fixed header to blocks of the store below.
func SubtractOverhead(physicalBlockSize uint64, overhead uint64) (uint64, error) {
	if physicalBlockSize < overhead {
		return 0, fmt.Errorf("%w: %d bytes, overhead is %d", ErrPhysicalBlockTooSmall, physicalBlockSize, overhead)
	}
	return physicalBlockSize - overhead, nil
}
