// Package mcs implements an MCS-style scalable queued spinlock
// (spec.md §4.4): each waiter spins only on its own cache line, and release
// hands ownership to the next queued waiter in strict FIFO order.
//
// The lock is grounded on the teacher's general approach to shared mutable
// kernel state — wrap a small amount of data with a lock and expose
// Lock/Unlock (Oichkatzelesfrettschen-biscuit's mem.Physmem_t embeds
// sync.Mutex directly) — generalized from a plain mutex into an explicit
// queued spinlock so that the per-CPU wait-node and FIFO-fairness
// invariants spec.md requires are observable, rather than delegated to the
// Go runtime's own (non-FIFO) sync.Mutex.
package mcs

import (
	"sync/atomic"

	"github.com/opencore/kernel/kernel/cpu"
)

// pauseFn is swapped out in tests so that spin loops terminate deterministically
// instead of calling the real PAUSE instruction, matching the teacher's
// reserveRegionFn/mapFn seam convention.
var pauseFn = cpu.Pause

// Node is a per-CPU (or per-task) wait node. Callers place one on their own
// stack; it must not be shared between concurrent lock attempts.
type Node struct {
	next   atomic.Pointer[Node]
	ticket atomic.Bool
}

// Lock is an MCS-style queued spinlock. The zero Lock is unlocked.
type Lock struct {
	tail atomic.Pointer[Node]
}

// New returns a fresh, unlocked Lock. Provided for symmetry with NewNode;
// the zero value works equally well.
func New() *Lock { return &Lock{} }

// NewNode returns a fresh wait node ready to be used with a single Lock call.
func NewNode() *Node { return &Node{} }

// Lock acquires l using node as this caller's wait node. It installs node as
// the new tail; if a predecessor already occupied the tail, it links itself
// behind it and spins on its own ticket (touching only its own cache line)
// until the predecessor hands off ownership.
func (node *Node) Lock(l *Lock) {
	node.next.Store(nil)
	node.ticket.Store(false)

	pred := l.tail.Swap(node)
	if pred == nil {
		// No predecessor: we already own the lock.
		return
	}

	pred.next.Store(node)
	for !node.ticket.Load() {
		pauseFn()
	}
}

// TryLock attempts to acquire l uncontended via a single CAS of the tail
// from nil to node. It never spins: success means immediate ownership,
// failure means the lock is already held or queued.
func (node *Node) TryLock(l *Lock) bool {
	node.next.Store(nil)
	node.ticket.Store(false)
	return l.tail.CompareAndSwap(nil, node)
}

// Unlock releases l, previously acquired via node.Lock or a successful
// node.TryLock. If no successor has linked itself yet, Unlock first tries to
// CAS the tail back to nil; if that races with a new arrival, it spins
// (again, only on its own node's `next` field) until the arrival completes
// its link, then hands ownership to it directly.
func (node *Node) Unlock(l *Lock) {
	if node.next.Load() == nil {
		if l.tail.CompareAndSwap(node, nil) {
			return
		}
		// A successor is mid-enqueue; wait for it to finish linking.
		for node.next.Load() == nil {
			pauseFn()
		}
	}

	succ := node.next.Load()
	succ.ticket.Store(true)
}
