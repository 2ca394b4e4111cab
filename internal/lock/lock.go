// Package lock provides the mutual exclusion that keeps two poll cycles from
// working on the same batch at the same time.
package lock

import (
	"context"

	"github.com/juju/errors"
)

// ErrNotAcquired is returned when another holder kept the lock for the whole
// acquire timeout.
const ErrNotAcquired = errors.ConstError("cycle lock not acquired")

// Releaser releases a held lock. Release is safe to call more than once.
type Releaser interface {
	Release()
}

// Locker acquires the cycle lock.
type Locker interface {
	Acquire(ctx context.Context) (Releaser, error)
}

// Noop is a Locker that always succeeds. It is used when locking is disabled.
type Noop struct{}

func (Noop) Acquire(context.Context) (Releaser, error) {
	return noopReleaser{}, nil
}

type noopReleaser struct{}

func (noopReleaser) Release() {}
