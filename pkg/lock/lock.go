// Package lock implements per-record shared/exclusive locks with
// blocking acquire and bulk release. Blocking waits park on a
// condition variable rather than spinning on a retry timer.
package lock

import (
	"sync"
	"time"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
)

// Type is the lock mode.
type Type int

const (
	Shared Type = iota
	Exclusive
)

type lockState struct {
	typ     Type
	holders map[string]struct{}
	cond    *sync.Cond
}

// Manager is the LockManager: one lock object per currently-locked
// record key, removed as soon as its holder set empties.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*lockState
	byTx    map[string]map[string]struct{} // txID -> set of keys it holds
	waiting map[string]string              // txID -> key it is currently blocked acquiring
}

// New creates an empty LockManager.
func New() *Manager {
	return &Manager{
		locks:   make(map[string]*lockState),
		byTx:    make(map[string]map[string]struct{}),
		waiting: make(map[string]string),
	}
}

// Waiting returns a snapshot of every transaction currently blocked
// inside Acquire, mapped to the key it is waiting for. Used by the
// deadlock detector to build the wait-for graph.
func (m *Manager) Waiting() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.waiting))
	for tx, key := range m.waiting {
		out[tx] = key
	}
	return out
}

// TryAcquire attempts a non-blocking acquire of typ on key for tx:
// shared locks stack, a sole shared holder may upgrade to exclusive,
// anything else conflicts. Returns false (no error) if the lock is
// currently incompatible.
func (m *Manager) TryAcquire(tx, key string, typ Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryAcquireLocked(tx, key, typ)
}

func (m *Manager) tryAcquireLocked(tx, key string, typ Type) bool {
	ls, exists := m.locks[key]
	if !exists {
		ls = &lockState{typ: typ, holders: map[string]struct{}{tx: {}}}
		ls.cond = sync.NewCond(&m.mu)
		m.locks[key] = ls
		m.grant(tx, key)
		return true
	}

	_, alreadyHolds := ls.holders[tx]
	if alreadyHolds {
		if typ == Exclusive && ls.typ == Shared && len(ls.holders) == 1 {
			ls.typ = Exclusive
			return true
		}
		// Already holds a compatible or stronger lock.
		return true
	}

	if typ == Shared && ls.typ == Shared {
		ls.holders[tx] = struct{}{}
		m.grant(tx, key)
		return true
	}

	return false
}

func (m *Manager) grant(tx, key string) {
	set, ok := m.byTx[tx]
	if !ok {
		set = make(map[string]struct{})
		m.byTx[tx] = set
	}
	set[key] = struct{}{}
}

// Acquire blocks, cooperatively retrying, until TryAcquire succeeds or
// timeout elapses, in which case it returns a ConcurrencyError.
func (m *Manager) Acquire(tx, key string, typ Type, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.tryAcquireLocked(tx, key, typ) {
			delete(m.waiting, tx)
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			delete(m.waiting, tx)
			return apierr.New(apierr.KindConcurrencyError, "lock acquisition timed out", map[string]interface{}{
				"key": key,
				"tx":  tx,
			})
		}
		m.waiting[tx] = key
		waitOnCond(m.locks[key].cond, remaining)
	}
}

// waitOnCond waits on cond for at most timeout, using a timer goroutine
// to broadcast a wake-up if no release happens in time.
func waitOnCond(cond *sync.Cond, timeout time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
		close(done)
	})
	cond.Wait()
	timer.Stop()
	select {
	case <-done:
	default:
	}
}

// Release releases tx's hold on key. A no-op if tx does not hold key.
func (m *Manager) Release(tx, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(tx, key)
}

func (m *Manager) releaseLocked(tx, key string) {
	ls, ok := m.locks[key]
	if !ok {
		return
	}
	if _, held := ls.holders[tx]; !held {
		return
	}
	delete(ls.holders, tx)
	if set, ok := m.byTx[tx]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byTx, tx)
		}
	}
	if len(ls.holders) == 0 {
		delete(m.locks, key)
	}
	ls.cond.Broadcast()
}

// ReleaseAll releases every lock currently held by tx.
func (m *Manager) ReleaseAll(tx string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.byTx[tx]
	held := make([]string, 0, len(keys))
	for k := range keys {
		held = append(held, k)
	}
	for _, k := range held {
		m.releaseLocked(tx, k)
	}
}

// Holders returns the set of transaction ids currently holding key (for
// diagnostics and the deadlock detector's resource-allocation graph).
func (m *Manager) Holders(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.locks[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ls.holders))
	for tx := range ls.holders {
		out = append(out, tx)
	}
	return out
}

// HeldKeys returns the set of keys tx currently holds a lock on.
func (m *Manager) HeldKeys(tx string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byTx[tx]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
