package db

import (
	stdlog "log"
	"sync"
)

// WaitSignal is the manual-reset edge every background worker parks on: a
// mutex-guarded flag plus condition variable. Signal sets the flag and
// wakes all waiters; Wait blocks until the flag is set and consumes it.
type WaitSignal struct {
	mu   sync.Mutex
	cv   *sync.Cond
	work bool
}

func newWaitSignal() *WaitSignal {
	s := &WaitSignal{}
	s.cv = sync.NewCond(&s.mu)
	return s
}

// Signal marks work pending and wakes every waiter.
func (s *WaitSignal) Signal() {
	s.mu.Lock()
	s.work = true
	s.cv.Broadcast()
	s.mu.Unlock()
}

// Wait blocks until work is pending, then consumes the flag.
func (s *WaitSignal) Wait() {
	s.mu.Lock()
	for !s.work {
		s.cv.Wait()
	}
	s.work = false
	s.mu.Unlock()
}

// WaitNotify blocks until the next Signal broadcast without consuming the
// flag. Test hook used to observe pipeline progress.
func (s *WaitSignal) WaitNotify() {
	s.mu.Lock()
	s.cv.Wait()
	s.mu.Unlock()
}

// byteAccount is the signed byte counter of the log queue: bytes written
// to the log but not yet enacted. The counter may briefly underflow when
// enact races the log worker's bookkeeping; it trends back to zero, so
// underflow is logged and tolerated rather than asserted.
type byteAccount struct {
	mu sync.Mutex
	cv *sync.Cond
	n  int64
}

func newByteAccount() *byteAccount {
	a := &byteAccount{}
	a.cv = sync.NewCond(&a.mu)
	return a
}

// add credits freshly logged bytes.
func (a *byteAccount) add(n int64) int64 {
	a.mu.Lock()
	a.n += n
	v := a.n
	a.mu.Unlock()
	return v
}

// sub debits enacted bytes and wakes the log worker when the counter
// crosses back below max.
func (a *byteAccount) sub(n, max int64) int64 {
	a.mu.Lock()
	if a.n < n {
		stdlog.Printf("beaverdb: log queue underflow, %d queued, %d enacted", a.n, n)
	}
	a.n -= n
	if a.n <= max && a.n+n > max {
		a.cv.Broadcast()
	}
	v := a.n
	a.mu.Unlock()
	return v
}

// waitBelow parks the log worker once while the counter exceeds max,
// unless the engine is shutting down.
func (a *byteAccount) waitBelow(max int64, shuttingDown func() bool) {
	a.mu.Lock()
	if !shuttingDown() && a.n > max {
		a.cv.Wait()
	}
	a.mu.Unlock()
}

// broadcast wakes any parked waiter; used during shutdown.
func (a *byteAccount) broadcast() {
	a.mu.Lock()
	a.cv.Broadcast()
	a.mu.Unlock()
}

// load returns the current counter value.
func (a *byteAccount) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
