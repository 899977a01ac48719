package coio

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a test-and-set lock for the short critical sections of the
// scheduler. Lock yields the processor between attempts instead of
// parking, so a Lock caller keeps spinning for as long as the holder
// keeps the lock, including across a blocking call.
type SpinLock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock without spinning.
// Returns false if the lock is held by someone else.
func (l *SpinLock) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.held.Store(false)
}
