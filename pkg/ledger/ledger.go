// Package ledger tracks completed work identities so that re-discovered
// addresses are not re-analyzed inside their TTL window.
package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ledger is a process-wide, content-addressed record of completed work.
// Identity is a deterministic hash of (address, work type). A completed
// identity with ttl 0 is permanent; with ttl > 0 it becomes re-eligible
// once the TTL elapses since last completion.
type Ledger struct {
	mu        sync.Mutex
	completed map[common.Hash]time.Time
	inflight  map[common.Hash]struct{}

	// test seam; defaults to time.Now
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{
		completed: make(map[common.Hash]time.Time),
		inflight:  make(map[common.Hash]struct{}),
		now:       time.Now,
	}
}

// Identity derives the deterministic work id for (address, work type).
func Identity(addr common.Address, workType string) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s", strings.ToLower(addr.Hex()), workType)))
}

// IsProcessed reports whether the identity completed within the TTL
// window. ttl 0 means a completion never expires.
func (l *Ledger) IsProcessed(addr common.Address, workType string, ttl time.Duration) bool {
	id := Identity(addr, workType)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freshLocked(id, ttl)
}

func (l *Ledger) freshLocked(id common.Hash, ttl time.Duration) bool {
	done, ok := l.completed[id]
	if !ok {
		return false
	}
	if ttl <= 0 {
		return true
	}
	if l.now().Sub(done) >= ttl {
		delete(l.completed, id)
		return false
	}
	return true
}

// Do executes fn at most once per TTL window for the identity, even
// under concurrent callers: the check and the in-flight mark happen
// under one lock, fn runs outside it, and the completion timestamp is
// recorded afterwards. A concurrent caller that loses the race gets
// ran=false without waiting for fn to finish. The record itself is not
// transactional with fn; a crash between execute and record re-runs the
// work after restart, which the TTL model accepts.
func (l *Ledger) Do(addr common.Address, workType string, ttl time.Duration, fn func() error) (ran bool, err error) {
	id := Identity(addr, workType)

	l.mu.Lock()
	if l.freshLocked(id, ttl) {
		l.mu.Unlock()
		return false, nil
	}
	if _, busy := l.inflight[id]; busy {
		l.mu.Unlock()
		return false, nil
	}
	l.inflight[id] = struct{}{}
	l.mu.Unlock()

	err = fn()

	l.mu.Lock()
	delete(l.inflight, id)
	if err == nil {
		l.completed[id] = l.now()
	}
	l.mu.Unlock()

	return true, err
}

// Clear drops all recorded completions.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = make(map[common.Hash]time.Time)
	l.inflight = make(map[common.Hash]struct{})
}
