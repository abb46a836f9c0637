package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// lowRetryInterval is how long a low-priority acquirer backs off when
// high-priority waiters are pending or no permit is free.
const lowRetryInterval = 10 * time.Millisecond

// PrioritySemaphore is a bounded admission gate where high-priority
// acquirers always precede any waiting low-priority acquirers. Once a
// high-priority caller registers as waiting, no low-priority caller
// acquires a new permit until the waiter count drops to zero. This is
// eventual progress, not FIFO: low-priority starvation under sustained
// high-priority load is accepted.
type PrioritySemaphore struct {
	sem         *semaphore.Weighted
	capacity    int64
	highWaiters atomic.Int32
	inFlight    atomic.Int32
}

// NewPrioritySemaphore creates a semaphore with the given capacity.
// Capacity below 1 is raised to 1.
func NewPrioritySemaphore(capacity int) *PrioritySemaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &PrioritySemaphore{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Permit is a scoped admission token. Release is idempotent and must
// run on every exit path of the holding task.
type Permit struct {
	release func()
	once    sync.Once
}

// Release returns the permit's capacity.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

func (s *PrioritySemaphore) newPermit() *Permit {
	s.inFlight.Add(1)
	return &Permit{release: func() {
		s.inFlight.Add(-1)
		s.sem.Release(1)
	}}
}

// AcquireHigh registers as a high-priority waiter and blocks until a
// permit is available or ctx is done.
func (s *PrioritySemaphore) AcquireHigh(ctx context.Context) (*Permit, error) {
	s.highWaiters.Add(1)
	defer s.highWaiters.Add(-1)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return s.newPermit(), nil
}

// AcquireLow loops until a permit is free and no high-priority waiter
// is pending, backing off between attempts.
func (s *PrioritySemaphore) AcquireLow(ctx context.Context) (*Permit, error) {
	for {
		if s.highWaiters.Load() == 0 && s.sem.TryAcquire(1) {
			// A high waiter may have registered between the check and
			// the acquire; that narrow race is within the eventual-
			// progress contract.
			return s.newPermit(), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lowRetryInterval):
		}
	}
}

// TryLow returns a permit only if no high-priority waiter is pending
// and a permit is immediately available, else nil.
func (s *PrioritySemaphore) TryLow() *Permit {
	if s.highWaiters.Load() > 0 {
		return nil
	}
	if !s.sem.TryAcquire(1) {
		return nil
	}
	return s.newPermit()
}

// InFlight returns the number of permits currently held.
func (s *PrioritySemaphore) InFlight() int {
	return int(s.inFlight.Load())
}

// Capacity returns the permit capacity.
func (s *PrioritySemaphore) Capacity() int {
	return int(s.capacity)
}

// HighWaiters returns the number of registered high-priority waiters.
func (s *PrioritySemaphore) HighWaiters() int {
	return int(s.highWaiters.Load())
}
