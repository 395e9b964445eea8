// Package lock serializes work per key, such as admission and write of
// uploads belonging to one owner.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

// Locker grants exclusive access to a key. The returned function releases
// the lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// WaitContext bounds how long Lock may wait. It returns a context whose
// expiry can be told apart from the caller's own cancellation by Busy.
func WaitContext(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if wait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, wait)
}

// Busy converts a failed wait into an error. When the caller's context is
// still alive the wait itself ran out, which is reported as Timeout.
func Busy(parent context.Context, key string) error {
	if err := parent.Err(); err != nil {
		return errors.Annotatef(err, "waiting for lock %s", key)
	}
	return errors.Timeoutf("lock %s still held", key)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. It serializes only within a
// single process.
type LocalLocker struct {
	wait  time.Duration
	mu    sync.Mutex
	locks map[string]*entry
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker returns a LocalLocker that gives up after wait (zero means
// wait until the context ends).
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		wait:  wait,
		locks: make(map[string]*entry),
	}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	waitCtx, cancel := WaitContext(ctx, l.wait)
	defer cancel()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.release(key, e)
			})
		}, nil
	case <-waitCtx.Done():
		l.release(key, e)
		return nil, Busy(ctx, key)
	}
}

func (l *LocalLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
