package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
	"github.com/sirupsen/logrus"
)

// Mutex is a machine-wide named lock. It serialises cycles started by
// schedulers on the same host (cron, systemd timers, overlapping manual runs).
type Mutex struct {
	name    string
	timeout time.Duration
	delay   time.Duration
	clock   clock.Clock
	logger  *logrus.Logger
}

// NewMutex returns a machine lock called name. Names must be lower case
// letters, digits and dashes, starting with a letter.
func NewMutex(name string, timeout, delay time.Duration, clk clock.Clock, logger *logrus.Logger) *Mutex {
	return &Mutex{
		name:    name,
		timeout: timeout,
		delay:   delay,
		clock:   clk,
		logger:  logger,
	}
}

func (m *Mutex) Acquire(ctx context.Context) (Releaser, error) {
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    m.name,
		Clock:   m.clock,
		Delay:   m.delay,
		Timeout: m.timeout,
		Cancel:  ctx.Done(),
	})
	switch {
	case err == nil:
	case errors.Is(err, mutex.ErrTimeout):
		return nil, fmt.Errorf("%w: machine lock %q held elsewhere", ErrNotAcquired, m.name)
	case errors.Is(err, mutex.ErrCancelled):
		return nil, fmt.Errorf("%w: machine lock %q: %w", ErrNotAcquired, m.name, ctx.Err())
	default:
		return nil, fmt.Errorf("failed to acquire machine lock %q: %w", m.name, err)
	}

	m.logger.Debugf("Acquired machine lock %q", m.name)
	return &onceReleaser{release: func() {
		releaser.Release()
		m.logger.Debugf("Released machine lock %q", m.name)
	}}, nil
}
