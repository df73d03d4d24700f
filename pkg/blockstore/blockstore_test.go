package blockstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headerWriter prepends a fixed header and records what reached it.
type headerWriter struct {
	base    int
	header  []byte
	created map[BlockID][]byte
	stored  map[BlockID][]byte
}

func newHeaderWriter(base int, header string) *headerWriter {
	return &headerWriter{
		base:    base,
		header:  []byte(header),
		created: map[BlockID][]byte{},
		stored:  map[BlockID][]byte{},
	}
}

func (w *headerWriter) RequiredPrefixBytesBase() int { return w.base }

func (w *headerWriter) RequiredPrefixBytesSelf() int { return len(w.header) }

func (w *headerWriter) TryCreateOptimized(ctx context.Context, id BlockID, data *BlockData) (TryCreateResult, error) {
	if _, exists := w.created[id]; exists {
		return NotCreatedBecauseBlockIDAlreadyExists, nil
	}
	hdr, err := data.GrowPrefix(len(w.header))
	if err != nil {
		return NotCreatedBecauseBlockIDAlreadyExists, err
	}
	copy(hdr, w.header)
	w.created[id] = data.Bytes()
	return Created, nil
}

func (w *headerWriter) StoreOptimized(ctx context.Context, id BlockID, data *BlockData) error {
	hdr, err := data.GrowPrefix(len(w.header))
	if err != nil {
		return err
	}
	copy(hdr, w.header)
	w.stored[id] = data.Bytes()
	return nil
}

func TestAllocate_ReservesPrefixOfWholeChain(t *testing.T) {
	w := newHeaderWriter(10, "abc")
	assert.Equal(t, 13, RequiredPrefixBytes(w))

	d := Allocate(w, 7)
	assert.Equal(t, 7, d.Len())
	assert.Equal(t, 13, d.AvailablePrefix())
}

func TestTryCreateFromOptimized(t *testing.T) {
	ctx := context.Background()
	w := newHeaderWriter(0, "hdr:")
	id := BlockID{7}
	payload := []byte("payload")

	res, err := TryCreateFromOptimized(ctx, w, id, payload)
	require.NoError(t, err)
	assert.Equal(t, Created, res)
	assert.Equal(t, []byte("hdr:payload"), w.created[id])

	payload[0] = 'X'
	assert.Equal(t, []byte("hdr:payload"), w.created[id], "stored block must not alias the caller's slice")

	res, err = TryCreateFromOptimized(ctx, w, id, []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, NotCreatedBecauseBlockIDAlreadyExists, res)
}

func TestStoreFromOptimized(t *testing.T) {
	ctx := context.Background()
	w := newHeaderWriter(2, "h")
	id := BlockID{1}

	require.NoError(t, StoreFromOptimized(ctx, w, id, []byte("one")))
	require.NoError(t, StoreFromOptimized(ctx, w, id, []byte("two")))
	assert.Equal(t, []byte("htwo"), w.stored[id])
}

func TestSubtractOverhead(t *testing.T) {
	size, err := SubtractOverhead(1024, 26)
	require.NoError(t, err)
	assert.Equal(t, uint64(998), size)

	size, err = SubtractOverhead(26, 26)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)

	_, err = SubtractOverhead(25, 26)
	assert.ErrorIs(t, err, ErrPhysicalBlockTooSmall)
}

func TestResultStrings(t *testing.T) {
	assert.NotEqual(t, Created.String(), NotCreatedBecauseBlockIDAlreadyExists.String())
	assert.NotEqual(t, Removed.String(), NotRemovedBecauseItDoesntExist.String())
}
