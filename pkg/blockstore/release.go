package blockstore

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrReleased = errors.New("blockstore: store already released")

// Releaser is implemented by everything that holds a block store. Release
// must be called exactly once; a store that wraps another one releases the
// wrapped store from its own Release.
type Releaser interface {
	Release(ctx context.Context) error
}

// ReleaseGuard tracks the released state of a store. Operations call Check
// before doing work and Release flips the state exactly once.
type ReleaseGuard struct {
	released atomic.Bool
}

// Check returns ErrReleased once the guard has been released.
func (g *ReleaseGuard) Check() error {
	if g.released.Load() {
		return ErrReleased
	}
	return nil
}

// Release marks the guard released. A second call returns ErrReleased and
// the caller must not release its resources again.
func (g *ReleaseGuard) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	return nil
}

func (g *ReleaseGuard) Released() bool {
	return g.released.Load()
}
