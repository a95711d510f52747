// Package lock serializes planning and applying per environment.
//
// Terraform keeps its own lock on the remote state; this lock makes sure a run
// never even starts planning while another run is between plan and apply on
// the same environment.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTimeout matches the conventional expiry of Terraform state locks.
const DefaultTimeout = 20 * time.Minute

var ErrContended = errors.New("environment is locked by another run")

type Lease interface {
	Release() error
}

type Locker interface {
	// Acquire blocks until the named lock is held, the wait times out, or ctx is done.
	// A timed out wait returns ErrContended.
	Acquire(ctx context.Context, name string) (Lease, error)
}

// Memory is an in-process Locker. A zero Timeout fails fast instead of waiting.
type Memory struct {
	Timeout time.Duration

	lock  sync.Mutex
	slots map[string]chan struct{}
}

var _ Locker = &Memory{}

func NewMemory(timeout time.Duration) *Memory {
	return &Memory{
		Timeout: timeout,
		slots:   make(map[string]chan struct{}),
	}
}

func (m *Memory) slot(name string) chan struct{} {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.slots == nil {
		m.slots = make(map[string]chan struct{})
	}
	ch, ok := m.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[name] = ch
	}
	return ch
}

func (m *Memory) Acquire(ctx context.Context, name string) (Lease, error) {
	ch := m.slot(name)

	select {
	case ch <- struct{}{}:
		return &memoryLease{ch: ch}, nil
	default:
	}

	if m.Timeout <= 0 {
		return nil, ErrContended
	}

	timer := time.NewTimer(m.Timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return &memoryLease{ch: ch}, nil
	case <-timer.C:
		return nil, ErrContended
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLease struct {
	ch   chan struct{}
	once sync.Once
}

func (l *memoryLease) Release() error {
	l.once.Do(func() {
		<-l.ch
	})
	return nil
}
