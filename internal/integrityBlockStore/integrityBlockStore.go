// Package integrityBlockStore provides a block store wrapper that binds every
// block to its id and guards its content with a checksum.
package integrityBlockStore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"

	"github.com/cespare/xxhash/v2"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

// Header layout: u16 version | block id | u64 xxhash of the payload.
const (
	formatVersion  = 1
	versionOffset  = 0
	idOffset       = versionOffset + 2
	checksumOffset = idOffset + blockstore.BlockIDLen

	// HeaderSize is the per-block overhead of this store.
	HeaderSize = checksumOffset + 8
)

var ErrIntegrityViolation = errors.New("integrity: block integrity violation")

type IntegrityBlockStore struct {
	guard blockstore.ReleaseGuard
	inner blockstore.BlockStore
}

// New wraps inner. The returned store owns inner and releases it.
func New(inner blockstore.BlockStore) *IntegrityBlockStore {
	return &IntegrityBlockStore{inner: inner}
}

func (s *IntegrityBlockStore) Load(
	ctx context.Context,
	id blockstore.BlockID,
) ([]byte, bool, error) {
	if err := s.guard.Check(); err != nil {
		return nil, false, err
	}
	data, found, err := s.inner.Load(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}

	payload, err := verify(id, data)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func verify(id blockstore.BlockID, data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: block %s is %d bytes, shorter than its header", ErrIntegrityViolation, id, len(data))
	}
	if v := binary.LittleEndian.Uint16(data[versionOffset:]); v != formatVersion {
		return nil, fmt.Errorf("%w: block %s has unknown format version %d", ErrIntegrityViolation, id, v)
	}

	storedID, err := blockstore.BlockIDFromBytes(data[idOffset:checksumOffset])
	if err != nil {
		return nil, err
	}
	if storedID != id {
		return nil, fmt.Errorf("%w: block %s contains the data of block %s", ErrIntegrityViolation, id, storedID)
	}

	payload := data[HeaderSize:]
	if sum := binary.LittleEndian.Uint64(data[checksumOffset:]); sum != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch for block %s", ErrIntegrityViolation, id)
	}
	return payload, nil
}

// writeHeader prepends the header into the reserved prefix of data.
func writeHeader(id blockstore.BlockID, data *blockstore.BlockData) error {
	sum := xxhash.Sum64(data.Bytes())
	header, err := data.GrowPrefix(HeaderSize)
	if err != nil {
		return fmt.Errorf("integrity: %w", err)
	}
	binary.LittleEndian.PutUint16(header[versionOffset:], formatVersion)
	copy(header[idOffset:checksumOffset], id[:])
	binary.LittleEndian.PutUint64(header[checksumOffset:], sum)
	return nil
}

func (s *IntegrityBlockStore) NumBlocks(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	return s.inner.NumBlocks(ctx)
}

func (s *IntegrityBlockStore) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	return s.inner.EstimateNumFreeBytes(ctx)
}

func (s *IntegrityBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	innerSize, err := s.inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
	if err != nil {
		return 0, err
	}
	return blockstore.SubtractOverhead(innerSize, HeaderSize)
}

func (s *IntegrityBlockStore) AllBlocks(ctx context.Context) iter.Seq2[blockstore.BlockID, error] {
	if err := s.guard.Check(); err != nil {
		return func(yield func(blockstore.BlockID, error) bool) {
			yield(blockstore.BlockID{}, err)
		}
	}
	return s.inner.AllBlocks(ctx)
}

func (s *IntegrityBlockStore) Remove(
	ctx context.Context,
	id blockstore.BlockID,
) (blockstore.RemoveResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}
	return s.inner.Remove(ctx, id)
}

func (s *IntegrityBlockStore) TryCreate(
	ctx context.Context,
	id blockstore.BlockID,
	data []byte,
) (blockstore.TryCreateResult, error) {
	return blockstore.TryCreateFromOptimized(ctx, s, id, data)
}

func (s *IntegrityBlockStore) Store(ctx context.Context, id blockstore.BlockID, data []byte) error {
	return blockstore.StoreFromOptimized(ctx, s, id, data)
}

func (s *IntegrityBlockStore) RequiredPrefixBytesBase() int {
	return blockstore.RequiredPrefixBytes(s.inner)
}

func (s *IntegrityBlockStore) RequiredPrefixBytesSelf() int { return HeaderSize }

func (s *IntegrityBlockStore) TryCreateOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) (blockstore.TryCreateResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}
	if err := writeHeader(id, data); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}
	return s.inner.TryCreateOptimized(ctx, id, data)
}

func (s *IntegrityBlockStore) StoreOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	if err := writeHeader(id, data); err != nil {
		return err
	}
	return s.inner.StoreOptimized(ctx, id, data)
}

// Release releases the wrapped store.
func (s *IntegrityBlockStore) Release(ctx context.Context) error {
	if err := s.guard.Release(); err != nil {
		return err
	}
	return s.inner.Release(ctx)
}

// Ensure IntegrityBlockStore implements the BlockStore interface.
var _ blockstore.BlockStore = (*IntegrityBlockStore)(nil)
