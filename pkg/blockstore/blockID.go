package blockstore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// BlockIDLen is the width of a BlockID in bytes.
const BlockIDLen = 16

var ErrInvalidBlockID = errors.New("blockstore: invalid block id")

// BlockID identifies a block. It is assigned randomly when the block is
// created and is never derived from the block content.
type BlockID [BlockIDLen]byte

// NewBlockID returns a fresh random BlockID.
func NewBlockID() (BlockID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return BlockID{}, fmt.Errorf("blockstore: generating block id: %w", err)
	}
	return BlockID(u), nil
}

// BlockIDFromBytes copies b into a BlockID. b must be exactly BlockIDLen long.
func BlockIDFromBytes(b []byte) (BlockID, error) {
	var id BlockID
	if len(b) != BlockIDLen {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidBlockID, len(b), BlockIDLen)
	}
	copy(id[:], b)
	return id, nil
}

// ParseBlockID parses the hex representation produced by String.
func ParseBlockID(s string) (BlockID, error) {
	if len(s) != 2*BlockIDLen {
		return BlockID{}, fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidBlockID, s, len(s), 2*BlockIDLen)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return BlockID{}, fmt.Errorf("%w: %v", ErrInvalidBlockID, err)
	}
	return BlockIDFromBytes(b)
}

func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

// Compare orders ids byte-wise. It returns -1, 0 or +1.
func (id BlockID) Compare(other BlockID) int {
	return bytes.Compare(id[:], other[:])
}

func (id BlockID) IsZero() bool {
	return id == BlockID{}
}
