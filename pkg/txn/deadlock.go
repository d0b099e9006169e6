package txn

import (
	"fmt"
	"sort"
	"time"

	"github.com/kasuganosora/vaultstore/pkg/lock"
)

// DeadlockKind tags how a DeadlockDetector report entry was found.
type DeadlockKind int

const (
	DeadlockWaitForCycle DeadlockKind = iota
	DeadlockResourceGraphCycle
	DeadlockIsolationSuspicion
	DeadlockTimeout
)

// Deadlock is a single detected or suspected deadlock.
type Deadlock struct {
	Kind         DeadlockKind
	Signature    string
	Transactions []string
	Resources    []string
}

// Report is the result of one detection pass. Entries cover
// cycle-backed wait-for/resource-graph deadlocks, isolation-conflict
// suspicions, and timeout-fallback victims, distinguished by Kind
// rather than split into separate slices, so a caller that only cares
// about confirmed cycles can filter by Kind without juggling multiple
// lists.
type Report struct {
	Deadlocks []Deadlock
}

// waitView exposes which key each transaction is currently blocked
// trying to acquire, so the detector can build the wait-for graph.
type waitView interface {
	Waiting() map[string]string
}

// DeadlockDetector builds a wait-for graph from the lock manager's
// current waiters/holders and searches it for cycles, plus
// two supplementary signals: isolation-conflict suspicion between pairs
// of ACTIVE transactions at REPEATABLE_READ or above that each read a
// key the other has written, and a timeout fallback that flags any
// ACTIVE transaction past its deadline as a victim candidate even when
// no cycle is found.
type DeadlockDetector struct {
	locks *lock.Manager
	waits waitView
}

// NewDeadlockDetector builds a detector over locks. waits, if non-nil,
// supplies the current wait-for edges (a transaction id -> the key it
// is blocked acquiring); pass nil to skip both cycle searches (wait-for
// and resource-allocation graph) and rely only on the fallback signals.
func NewDeadlockDetector(locks *lock.Manager, waits waitView) *DeadlockDetector {
	return &DeadlockDetector{locks: locks, waits: waits}
}

// Detect runs one full detection pass over the given active
// transactions.
func (d *DeadlockDetector) Detect(active []*Transaction) Report {
	var report Report
	seen := make(map[string]struct{})

	add := func(dl Deadlock) {
		if _, ok := seen[dl.Signature]; ok {
			return
		}
		seen[dl.Signature] = struct{}{}
		report.Deadlocks = append(report.Deadlocks, dl)
	}

	if d.waits != nil {
		for _, cycle := range d.findCycles(d.buildWaitForGraph()) {
			add(d.toDeadlock(DeadlockWaitForCycle, cycle, nil))
		}
		for _, cycle := range d.findCycles(d.buildResourceAllocationGraph()) {
			add(d.toDeadlock(DeadlockResourceGraphCycle, cycle, nil))
		}
	}

	for _, dl := range d.isolationSuspicions(active) {
		add(dl)
	}

	for _, dl := range d.timeoutVictims(active) {
		add(dl)
	}

	return report
}

// buildWaitForGraph maps each waiting transaction to the transactions
// currently holding the key it wants.
func (d *DeadlockDetector) buildWaitForGraph() map[string][]string {
	graph := make(map[string][]string)
	for waiter, key := range d.waits.Waiting() {
		for _, holder := range d.locks.Holders(key) {
			if holder == waiter {
				continue
			}
			graph[waiter] = append(graph[waiter], holder)
		}
	}
	return graph
}

// buildResourceAllocationGraph collapses the (waiter -> resource ->
// holders) relation straight to a transaction-to-transaction graph,
// which is subject to the identical cycle search as the wait-for graph.
// It reads the same Waiting/Holders data and yields the same edges as
// buildWaitForGraph; its cycles are reported under
// DeadlockResourceGraphCycle.
func (d *DeadlockDetector) buildResourceAllocationGraph() map[string][]string {
	graph := make(map[string][]string)
	for waiter, key := range d.waits.Waiting() {
		holders := d.locks.Holders(key)
		for _, holder := range holders {
			if holder == waiter {
				continue
			}
			graph[waiter] = append(graph[waiter], holder)
		}
	}
	return graph
}

// findCycles runs DFS with a recursion stack over graph and returns one
// cycle per back edge it meets, each as the stack segment from the
// repeated node to the top, in visit order. Sorting happens in
// toDeadlock and deduplication by signature in Detect.
func (d *DeadlockDetector) findCycles(graph map[string][]string) [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(node string)
	visit = func(node string) {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)

		for _, next := range graph[node] {
			if onStack[next] {
				// Found a cycle: the portion of stack from next's first
				// occurrence to the top.
				start := indexOf(stack, next)
				if start >= 0 {
					cycle := append([]string(nil), stack[start:]...)
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[next] {
				visit(next)
			}
		}

		stack = stack[:len(stack)-1]
		onStack[node] = false
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if !visited[n] {
			visit(n)
		}
	}
	return cycles
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func (d *DeadlockDetector) toDeadlock(kind DeadlockKind, txIDs []string, resources []string) Deadlock {
	sorted := append([]string(nil), txIDs...)
	sort.Strings(sorted)
	sortedRes := append([]string(nil), resources...)
	sort.Strings(sortedRes)
	return Deadlock{
		Kind:         kind,
		Signature:    fmt.Sprintf("%d:%v:%v", kind, sorted, sortedRes),
		Transactions: sorted,
		Resources:    sortedRes,
	}
}

// isolationSuspicions flags pairs of ACTIVE REPEATABLE_READ+ transactions
// that each read a key the other has written: neither can safely commit
// while the other remains active, a pattern indistinguishable from a
// deadlock even without an explicit lock-wait edge.
func (d *DeadlockDetector) isolationSuspicions(active []*Transaction) []Deadlock {
	var out []Deadlock
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			a, b := active[i], active[j]
			if a.IsolationLevel() < RepeatableRead || b.IsolationLevel() < RepeatableRead {
				continue
			}
			aReads, bWrites := a.ReadSet(), b.WriteSet()
			bReads, aWrites := b.ReadSet(), a.WriteSet()
			if intersects(aReads, bWrites) && intersects(bReads, aWrites) {
				out = append(out, d.toDeadlock(DeadlockIsolationSuspicion, []string{a.ID(), b.ID()}, nil))
			}
		}
	}
	return out
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// timeoutVictims flags any ACTIVE transaction past its deadline as a
// fallback victim candidate, used when no cycle is found but a
// transaction has clearly stalled.
func (d *DeadlockDetector) timeoutVictims(active []*Transaction) []Deadlock {
	var out []Deadlock
	now := time.Now()
	for _, tx := range active {
		if tx.IsExpired(now) {
			out = append(out, d.toDeadlock(DeadlockTimeout, []string{tx.ID()}, nil))
		}
	}
	return out
}
