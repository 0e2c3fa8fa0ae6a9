// Package queue implements the deduplicated, priority-aware discovery
// queue that feeds candidate contract addresses into the analysis
// pipeline.
package queue

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Queue holds two FIFO lanes. The priority lane always drains before
// the normal lane. A seen-set keyed on the lower-cased address blocks
// repeat enqueues for the queue's lifetime; priority enqueues
// intentionally bypass that check so addresses under active observation
// (repeated funding events) trigger fresh analysis each time. All
// operations are O(1) under a single mutex.
type Queue struct {
	mu       sync.Mutex
	normal   []common.Address
	priority []common.Address
	seen     map[string]struct{}
}

func New() *Queue {
	return &Queue{seen: make(map[string]struct{})}
}

func key(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Enqueue appends addr to the normal lane unless it was seen before.
func (q *Queue) Enqueue(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	k := key(addr)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.seen[k]; ok {
		return
	}
	q.seen[k] = struct{}{}
	q.normal = append(q.normal, addr)
}

// EnqueuePriority appends addr to the priority lane even if it was
// already seen. Re-analysis of an already-queued address is then gated
// by the idempotent work ledger's TTL, not by the queue.
func (q *Queue) EnqueuePriority(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	k := key(addr)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.seen[k]; !ok {
		q.seen[k] = struct{}{}
	}
	q.priority = append(q.priority, addr)
}

// Next pops the next address, priority lane first. The second return is
// false when both lanes are empty; callers poll and back off.
func (q *Queue) Next() (common.Address, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.priority) > 0 {
		addr := q.priority[0]
		q.priority = q.priority[1:]
		return addr, true
	}
	if len(q.normal) > 0 {
		addr := q.normal[0]
		q.normal = q.normal[1:]
		return addr, true
	}
	return common.Address{}, false
}

// Len reports the combined number of queued addresses.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) + len(q.normal)
}

// Reset clears both lanes and the seen-set.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.normal = nil
	q.priority = nil
	q.seen = make(map[string]struct{})
}
