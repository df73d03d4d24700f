// Package encryptedBlockStore provides a block store wrapper that encrypts
// every block with XChaCha20-Poly1305 before handing it to the wrapped store.
package encryptedBlockStore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

const (
	formatVersion = 1
	versionSize   = 2
	nonceSize     = chacha20poly1305.NonceSizeX
	tagSize       = chacha20poly1305.Overhead
	headerSize    = versionSize + nonceSize

	// Overhead is the number of bytes each block grows by when encrypted.
	Overhead = headerSize + tagSize

	// KeySize is the length of an encryption key in bytes.
	KeySize = chacha20poly1305.KeySize
)

var (
	ErrDecryptionFailed   = errors.New("encryption: block decryption failed")
	ErrUnsupportedVersion = errors.New("encryption: unsupported block format version")
	ErrInvalidKey         = errors.New("encryption: invalid key")
)

// Key is a symmetric block encryption key.
type Key [KeySize]byte

// NewKey generates a random key.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("encryption: generating key: %w", err)
	}
	return k, nil
}

// ParseKey parses a hex encoded key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// EncryptedBlockStore encrypts blocks on write and decrypts them on load.
// The block id is bound as associated data, so a ciphertext moved to another
// id fails to decrypt.
type EncryptedBlockStore struct {
	guard blockstore.ReleaseGuard
	inner blockstore.BlockStore
	aead  cipher.AEAD
}

// New wraps inner. The returned store owns inner and releases it.
func New(inner blockstore.BlockStore, key Key) (*EncryptedBlockStore, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("encryption: creating cipher: %w", err)
	}
	return &EncryptedBlockStore{
		inner: inner,
		aead:  aead,
	}, nil
}

func (s *EncryptedBlockStore) Load(
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

	plain, err := s.decrypt(id, data)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// decrypt opens the ciphertext in place.
func (s *EncryptedBlockStore) decrypt(id blockstore.BlockID, data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, fmt.Errorf("%w: block %s has only %d bytes", ErrDecryptionFailed, id, len(data))
	}
	if v := binary.LittleEndian.Uint16(data); v != formatVersion {
		return nil, fmt.Errorf("%w: block %s has version %d", ErrUnsupportedVersion, id, v)
	}

	nonce := data[versionSize:headerSize]
	ciphertext := data[headerSize:]
	plain, err := s.aead.Open(ciphertext[:0], nonce, ciphertext, id[:])
	if err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", ErrDecryptionFailed, id, err)
	}
	return plain, nil
}

// encrypt seals plain into a buffer allocated for the wrapped store.
func (s *EncryptedBlockStore) encrypt(id blockstore.BlockID, plain []byte) (*blockstore.BlockData, error) {
	out := blockstore.Allocate(s.inner, len(plain)+Overhead)
	buf := out.Bytes()

	binary.LittleEndian.PutUint16(buf, formatVersion)
	nonce := buf[versionSize:headerSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encryption: generating nonce: %w", err)
	}

	// buf has exactly enough room after the header, so Seal writes in place.
	sealed := s.aead.Seal(buf[headerSize:headerSize], nonce, plain, id[:])
	if len(sealed) != len(plain)+tagSize {
		panic(fmt.Sprintf("encryption: sealed %d bytes into %d", len(plain), len(sealed)))
	}
	return out, nil
}

func (s *EncryptedBlockStore) NumBlocks(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	return s.inner.NumBlocks(ctx)
}

func (s *EncryptedBlockStore) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	if err := s.guard.Check(); err != nil {
		return 0, err
	}
	return s.inner.EstimateNumFreeBytes(ctx)
}

func (s *EncryptedBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	innerSize, err := s.inner.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
	if err != nil {
		return 0, err
	}
	return blockstore.SubtractOverhead(innerSize, Overhead)
}

func (s *EncryptedBlockStore) AllBlocks(ctx context.Context) iter.Seq2[blockstore.BlockID, error] {
	if err := s.guard.Check(); err != nil {
		return func(yield func(blockstore.BlockID, error) bool) {
			yield(blockstore.BlockID{}, err)
		}
	}
	return s.inner.AllBlocks(ctx)
}

func (s *EncryptedBlockStore) Remove(
	ctx context.Context,
	id blockstore.BlockID,
) (blockstore.RemoveResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotRemovedBecauseItDoesntExist, err
	}
	return s.inner.Remove(ctx, id)
}

func (s *EncryptedBlockStore) TryCreate(
	ctx context.Context,
	id blockstore.BlockID,
	data []byte,
) (blockstore.TryCreateResult, error) {
	return blockstore.TryCreateFromOptimized(ctx, s, id, data)
}

func (s *EncryptedBlockStore) Store(ctx context.Context, id blockstore.BlockID, data []byte) error {
	return blockstore.StoreFromOptimized(ctx, s, id, data)
}

// The ciphertext is written to a fresh buffer from the wrapped store, so
// plaintext buffers need no reserved prefix.
func (s *EncryptedBlockStore) RequiredPrefixBytesBase() int { return 0 }

func (s *EncryptedBlockStore) RequiredPrefixBytesSelf() int { return 0 }

func (s *EncryptedBlockStore) TryCreateOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) (blockstore.TryCreateResult, error) {
	if err := s.guard.Check(); err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}
	out, err := s.encrypt(id, data.Bytes())
	if err != nil {
		return blockstore.NotCreatedBecauseBlockIDAlreadyExists, err
	}
	return s.inner.TryCreateOptimized(ctx, id, out)
}

func (s *EncryptedBlockStore) StoreOptimized(
	ctx context.Context,
	id blockstore.BlockID,
	data *blockstore.BlockData,
) error {
	if err := s.guard.Check(); err != nil {
		return err
	}
	out, err := s.encrypt(id, data.Bytes())
	if err != nil {
		return err
	}
	return s.inner.StoreOptimized(ctx, id, out)
}

// Release releases the wrapped store.
func (s *EncryptedBlockStore) Release(ctx context.Context) error {
	if err := s.guard.Release(); err != nil {
		return err
	}
	return s.inner.Release(ctx)
}

// Ensure EncryptedBlockStore implements the BlockStore interface.
var _ blockstore.BlockStore = (*EncryptedBlockStore)(nil)
