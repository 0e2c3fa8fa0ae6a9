// Package probe runs empirical state-override experiments against live
// contracts: storage-slot discovery for ERC-20 mappings, transfer-tax
// screening via traced simulated transfers, and victim probing for
// contracts that mis-credit fee-on-transfer deposits.
package probe

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/op/go-logging"

	"evmrecon/pkg/chain"
	"evmrecon/pkg/logger"
)

// Backend is the chain surface the engine needs. *chain.Client
// satisfies it; tests use a local fake.
type Backend interface {
	Call(ctx context.Context, msg chain.CallMsg) ([]byte, error)
	CallWithOverride(ctx context.Context, msg chain.CallMsg, override chain.StateOverride) ([]byte, error)
	TraceCallWithOverride(ctx context.Context, msg chain.CallMsg, override chain.StateOverride) (*chain.CallFrame, error)
	SupportsTrace(ctx context.Context) bool
	Code(ctx context.Context, addr common.Address) ([]byte, error)
}

// TokenResolver finds the asset a wrapper contract operates on.
// *detectors.Detectors satisfies it.
type TokenResolver interface {
	ResolveToken(ctx context.Context, addr common.Address) (common.Address, bool)
}

// Config carries the engine tunables. Zero values fall back to the
// defaults below.
type Config struct {
	Workers       int
	SlotScanBound uint64
	ProbeAmount   *big.Int
	ScreenAmount  *big.Int
	CacheTTL      time.Duration
	DedupTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SlotScanBound == 0 {
		c.SlotScanBound = 20
	}
	if c.ProbeAmount == nil {
		c.ProbeAmount = ethAmount(100)
	}
	if c.ScreenAmount == nil {
		c.ScreenAmount = ethAmount(1000)
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 15 * time.Minute
	}
	return c
}

func ethAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// Fixed synthetic identities used inside overridden simulations. They
// never sign anything; they only need to be distinct from each other.
var (
	probeOwner   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	probeSpender = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// Engine owns the probe caches, the in-flight dedup set and a small
// isolated worker pool so slow traces cannot stall the main pipeline.
type Engine struct {
	log      *logging.Logger
	backend  Backend
	resolver TokenResolver
	cfg      Config

	slotCache *expirable.LRU[common.Address, SlotInfo]
	taxCache  *expirable.LRU[common.Address, TaxResult]
	dedup     *probeTracker

	sem      chan struct{}
	wg       sync.WaitGroup
	onResult func(*VictimResult)
}

// probeTracker dedups probes on victim and token independently. Many
// wrappers share one underlying token, so a pending or recent probe
// blocks any schedule that shares either address. Both marks are taken
// under one lock so concurrent Schedule calls cannot race past the
// check.
type probeTracker struct {
	mu             sync.Mutex
	victimInflight map[common.Address]struct{}
	tokenInflight  map[common.Address]struct{}
	victimProbed   map[common.Address]time.Time
	tokenProbed    map[common.Address]time.Time
	ttl            time.Duration
	now            func() time.Time
}

func newProbeTracker(ttl time.Duration) *probeTracker {
	return &probeTracker{
		victimInflight: make(map[common.Address]struct{}),
		tokenInflight:  make(map[common.Address]struct{}),
		victimProbed:   make(map[common.Address]time.Time),
		tokenProbed:    make(map[common.Address]time.Time),
		ttl:            ttl,
		now:            time.Now,
	}
}

func (t *probeTracker) tryAcquire(victim, token common.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.victimInflight[victim]; busy {
		return false
	}
	if _, busy := t.tokenInflight[token]; busy {
		return false
	}
	if t.recentlyProbed(t.victimProbed, victim) || t.recentlyProbed(t.tokenProbed, token) {
		return false
	}
	t.victimInflight[victim] = struct{}{}
	t.tokenInflight[token] = struct{}{}
	return true
}

// recentlyProbed reports whether addr completed a probe inside the
// dedup window, pruning the entry once it expires. Callers hold mu.
func (t *probeTracker) recentlyProbed(probed map[common.Address]time.Time, addr common.Address) bool {
	at, ok := probed[addr]
	if !ok {
		return false
	}
	if t.now().Sub(at) >= t.ttl {
		delete(probed, addr)
		return false
	}
	return true
}

// release clears both in-flight marks. completed probes additionally
// stamp the dedup window; cancelled ones stay immediately retryable.
func (t *probeTracker) release(victim, token common.Address, completed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.victimInflight, victim)
	delete(t.tokenInflight, token)
	if completed {
		at := t.now()
		t.victimProbed[victim] = at
		t.tokenProbed[token] = at
	}
}

// NewEngine builds an engine. onResult receives every completed victim
// probe and may be nil.
func NewEngine(logLevel string, backend Backend, resolver TokenResolver, cfg Config, onResult func(*VictimResult)) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		log:       logger.NewLogger(logLevel, "Probe"),
		backend:   backend,
		resolver:  resolver,
		cfg:       cfg,
		slotCache: expirable.NewLRU[common.Address, SlotInfo](4096, nil, cfg.CacheTTL),
		taxCache:  expirable.NewLRU[common.Address, TaxResult](4096, nil, cfg.CacheTTL),
		dedup:     newProbeTracker(cfg.DedupTTL),
		sem:       make(chan struct{}, cfg.Workers),
		onResult:  onResult,
	}
}

// Schedule queues a victim probe on the pool. It reports false when a
// probe sharing the victim or the token is already in flight or
// completed within the dedup window.
func (e *Engine) Schedule(ctx context.Context, victim, token common.Address) bool {
	if !e.dedup.tryAcquire(victim, token) {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			e.dedup.release(victim, token, false)
			return
		}
		defer e.dedup.release(victim, token, true)

		res, err := e.ProbeVictim(ctx, victim)
		if err != nil {
			e.log.Debugf("victim probe %s failed: %v", victim.Hex(), err)
			return
		}
		if e.onResult != nil {
			e.onResult(res)
		}
	}()
	return true
}

// Wait blocks until every scheduled probe has drained.
func (e *Engine) Wait() {
	e.wg.Wait()
}
