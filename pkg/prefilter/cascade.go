package prefilter

import (
	"bytes"
	"context"
	"sync"

	"evmrecon/pkg/bytecode"
	"evmrecon/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/op/go-logging"
)

// economicPassScore is the minimum economic score that clears stage 2.
const economicPassScore = 2

// BypassDetectors are the independent, costlier checks consulted when a
// stage rejects an address. Any positive result overrides the rejection
// and escalates into the deep pipeline; detection errors count as a
// negative for that stage only. The shape favors recall over precision.
type BypassDetectors interface {
	IsVaultLike(ctx context.Context, addr common.Address) (bool, error)
	HasRoundingDust(ctx context.Context, addr common.Address) (bool, error)
	IsFoTCandidate(ctx context.Context, addr common.Address) (bool, error)
}

// Cascade is the three-stage prefilter. Stage order is fixed: identity
// skip, economic signals, structural floor.
type Cascade struct {
	log    *logging.Logger
	bypass BypassDetectors

	// Known-benign bytecode fragments; a match skips the contract
	// unless it is a minimal proxy.
	benignFingerprints [][]byte

	mu         sync.Mutex
	seenHashes map[common.Hash]struct{}
}

// New builds a cascade. detectors may be nil, in which case stage
// rejections are final.
func New(logLevel string, detectors BypassDetectors, benignFingerprints []string) *Cascade {
	fps := make([][]byte, 0, len(benignFingerprints))
	for _, fp := range benignFingerprints {
		if raw := bytecode.ParseHex(fp); len(raw) > 0 {
			fps = append(fps, raw)
		}
	}
	return &Cascade{
		log:                logger.NewLogger(logLevel, "Prefilter"),
		bypass:             detectors,
		benignFingerprints: fps,
		seenHashes:         make(map[common.Hash]struct{}),
	}
}

// Evaluate runs the cascade for one address. It never returns an error:
// detector failures degrade to stage-local rejections and internal
// errors degrade to Skip, so a worker loop cannot be aborted from here.
func (c *Cascade) Evaluate(ctx context.Context, addr common.Address, code []byte, sig bytecode.Signals) Decision {
	if len(code) == 0 {
		return skipAt("empty_code")
	}

	if c.identitySkip(code) {
		if d, ok := c.tryBypass(ctx, addr, "identity_skip"); ok {
			return d
		}
		return skipAt("identity_skip")
	}

	if EconomicScore(sig) < economicPassScore {
		if d, ok := c.tryBypass(ctx, addr, "economic_filter"); ok {
			return d
		}
		return skipAt("economic_filter")
	}

	if !structuralPass(sig) {
		if d, ok := c.tryBypass(ctx, addr, "structural_filter"); ok {
			return d
		}
		return skipAt("structural_filter")
	}

	return queued()
}

// identitySkip rejects known-benign fingerprints and already-seen
// content hashes. Minimal proxies are never fingerprint-skipped: their
// bytecode is short and looks canned, but the implementation behind
// them still needs analysis.
func (c *Cascade) identitySkip(code []byte) bool {
	hash := bytecode.Hash(code)

	c.mu.Lock()
	_, dup := c.seenHashes[hash]
	if !dup {
		c.seenHashes[hash] = struct{}{}
	}
	c.mu.Unlock()

	if dup {
		return true
	}

	if bytecode.IsMinimalProxy(code) {
		return false
	}
	for _, fp := range c.benignFingerprints {
		if bytes.Contains(code, fp) {
			return true
		}
	}
	return false
}

// EconomicScore computes the stage-2 integer score from the signal
// vector: arithmetic density, division presence, storage presence,
// external calls, and fee-like small constants.
func EconomicScore(sig bytecode.Signals) int {
	score := 0
	if sig.Arithmetic > 2 {
		score += 2
	}
	if sig.DivMod > 0 {
		score += 2
	}
	if sig.State > 2 {
		score++
	}
	if sig.Calls > 0 {
		score++
	}
	if sig.SmallConsts > 0 {
		score++
	}
	return score
}

// structuralPass is the stage-3 floor, tuned to pass nearly everything
// that is not trivially inert. Any "interesting" opcode forces a pass.
func structuralPass(sig bytecode.Signals) bool {
	if sig.Interesting > 0 {
		return true
	}
	if sig.Calls > 0 && sig.State > 0 {
		return true
	}
	return sig.TotalOps > 0
}

// tryBypass consults the independent detectors after a stage rejection.
// Detector errors are logged and treated as "no".
func (c *Cascade) tryBypass(ctx context.Context, addr common.Address, stage string) (Decision, bool) {
	if c.bypass == nil {
		return Decision{}, false
	}

	checks := []struct {
		reason string
		fn     func(context.Context, common.Address) (bool, error)
	}{
		{"vault_conversion", c.bypass.IsVaultLike},
		{"rounding_dust", c.bypass.HasRoundingDust},
		{"fot_candidate", c.bypass.IsFoTCandidate},
	}

	for _, check := range checks {
		hit, err := check.fn(ctx, addr)
		if err != nil {
			c.log.Debugf("%s bypass detector failed at %s for %s: %v", check.reason, stage, addr.Hex(), err)
			continue
		}
		if hit {
			c.log.Infof("%s bypassed %s via %s", addr.Hex(), stage, check.reason)
			return bypassAt(stage, check.reason), true
		}
	}
	return Decision{}, false
}

// ResetSeen clears the content-hash dedup set.
func (c *Cascade) ResetSeen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seenHashes = make(map[common.Hash]struct{})
}
