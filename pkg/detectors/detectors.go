// Package detectors holds the cheap read-only heuristics consulted by
// the prefilter bypass path and the deep-analysis stage. Each detector
// answers one narrow question about a deployed contract using view
// calls; none of them mutates state or needs trace support.
package detectors

import (
	"bytes"
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/op/go-logging"

	"evmrecon/pkg/bytecode"
	"evmrecon/pkg/chain"
	"evmrecon/pkg/logger"
)

// Caller is the chain surface the detectors need. *chain.Client
// satisfies it.
type Caller interface {
	Call(ctx context.Context, msg chain.CallMsg) ([]byte, error)
	Code(ctx context.Context, addr common.Address) ([]byte, error)
}

// tokenGetters are tried in order when resolving the asset a wrapper
// contract operates on. Pair getters come last so single-asset vaults
// resolve to their primary token.
var tokenGetters = []string{
	"token()", "asset()", "underlying()", "want()",
	"stakingToken()", "depositToken()", "lpToken()",
	"baseToken()", "quoteToken()",
	"token0()", "token1()",
}

// inflationRatio is the assets-per-share multiple above which a vault
// looks like a first-depositor inflation setup.
var inflationRatio = big.NewInt(100)

var oneShare = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Detectors bundles the heuristics behind one caller.
type Detectors struct {
	log    *logging.Logger
	caller Caller
}

func New(logLevel string, caller Caller) *Detectors {
	return &Detectors{
		log:    logger.NewLogger(logLevel, "Detectors"),
		caller: caller,
	}
}

func (d *Detectors) viewUint(ctx context.Context, addr common.Address, sig string, words ...[]byte) (*big.Int, bool) {
	ret, err := d.caller.Call(ctx, chain.CallMsg{
		To:   addr,
		Data: chain.EncodeCall(sig, words...),
	})
	if err != nil || len(ret) < 32 {
		return nil, false
	}
	return chain.DecodeUint(ret), true
}

// IsVaultLike reports whether the contract exposes share-vault
// accounting in a state that tilts conversion math against small
// depositors: an empty-supply vault already holding assets, or an
// assets-per-share ratio inflated past any plausible organic value.
func (d *Detectors) IsVaultLike(ctx context.Context, addr common.Address) (bool, error) {
	assets, ok := d.viewUint(ctx, addr, "totalAssets()")
	if !ok {
		return false, nil
	}
	supply, ok := d.viewUint(ctx, addr, "totalSupply()")
	if !ok {
		return false, nil
	}

	if supply.Sign() == 0 {
		return assets.Sign() > 0, nil
	}

	ratio := new(big.Int).Div(assets, supply)
	if ratio.Cmp(inflationRatio) > 0 {
		d.log.Debugf("%s assets/share ratio %s exceeds inflation bound", addr.Hex(), ratio)
		return true, nil
	}
	return false, nil
}

// HasRoundingDust round-trips one share through convertToShares and
// convertToAssets. A lossy round trip means per-operation dust that an
// attacker can sweep by splitting deposits.
func (d *Detectors) HasRoundingDust(ctx context.Context, addr common.Address) (bool, error) {
	shares, ok := d.viewUint(ctx, addr, "convertToShares(uint256)", chain.UintWord(oneShare))
	if !ok || shares.Sign() == 0 {
		return false, nil
	}
	back, ok := d.viewUint(ctx, addr, "convertToAssets(uint256)", chain.UintWord(shares))
	if !ok {
		return false, nil
	}
	return back.Cmp(oneShare) < 0, nil
}

// IsFoTCandidate reports whether the contract plausibly moves a
// fee-on-transfer token: its bytecode carries ERC-20 transfer plumbing
// and a resolvable token getter, which is the shape of routers, vaults
// and staking pools that credit transfer-stated amounts instead of
// received amounts.
func (d *Detectors) IsFoTCandidate(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.caller.Code(ctx, addr)
	if err != nil {
		return false, err
	}
	if !hasTransferPlumbing(code) {
		return false, nil
	}
	_, found := d.ResolveToken(ctx, addr)
	return found, nil
}

// ResolveToken tries the known getter names and returns the first
// nonzero address that answers.
func (d *Detectors) ResolveToken(ctx context.Context, addr common.Address) (common.Address, bool) {
	for _, getter := range tokenGetters {
		ret, err := d.caller.Call(ctx, chain.CallMsg{
			To:   addr,
			Data: chain.EncodeCall(getter),
		})
		if err != nil {
			continue
		}
		if token, ok := chain.DecodeAddress(ret); ok {
			return token, true
		}
	}
	return common.Address{}, false
}

// hasTransferPlumbing looks for the transferFrom selector or the
// Transfer event topic embedded in the runtime bytecode.
func hasTransferPlumbing(code []byte) bool {
	return bytes.Contains(code, chain.Selector("transferFrom(address,address,uint256)")) ||
		bytes.Contains(code, chain.Selector("transfer(address,uint256)"))
}

// HasUninitializedReward flags staking pools that stream rewards
// before anyone has staked: a nonzero reward rate against an empty
// total supply. The first staker collects every reward second accrued
// since funding.
func (d *Detectors) HasUninitializedReward(ctx context.Context, addr common.Address) (bool, error) {
	rate, ok := d.viewUint(ctx, addr, "rewardRate()")
	if !ok {
		return false, nil
	}
	supply, ok := d.viewUint(ctx, addr, "totalSupply()")
	if !ok {
		return false, nil
	}
	return supply.Sign() == 0 && rate.Sign() > 0, nil
}

// timedActionSelectors are entry points whose gating is commonly keyed
// off block.timestamp. TIMESTAMP alone is ubiquitous boilerplate; the
// detector only fires when one of these sits next to it.
var timedActionSelectors = []string{
	"withdraw(uint256)",
	"withdraw()",
	"execute()",
	"claim()",
	"refund()",
}

// HasTimestampDependence reports whether the runtime bytecode reads
// TIMESTAMP and also exposes a time-gated action entry point.
func (d *Detectors) HasTimestampDependence(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.caller.Code(ctx, addr)
	if err != nil {
		return false, err
	}
	if !bytecode.UsesBlockTimestamp(code) {
		return false, nil
	}
	for _, sig := range timedActionSelectors {
		if bytes.Contains(code, chain.Selector(sig)) {
			return true, nil
		}
	}
	return false, nil
}

// HasSyncLoss compares an AMM pair's cached reserves against its real
// token balances. Excess balance over reserve0 is skimmable by anyone.
func (d *Detectors) HasSyncLoss(ctx context.Context, addr common.Address) (bool, error) {
	ret, err := d.caller.Call(ctx, chain.CallMsg{
		To:   addr,
		Data: chain.EncodeCall("getReserves()"),
	})
	if err != nil || len(ret) < 64 {
		return false, nil
	}
	reserve0 := new(big.Int).SetBytes(ret[:32])

	token0Ret, err := d.caller.Call(ctx, chain.CallMsg{
		To:   addr,
		Data: chain.EncodeCall("token0()"),
	})
	if err != nil {
		return false, nil
	}
	token0, ok := chain.DecodeAddress(token0Ret)
	if !ok {
		return false, nil
	}

	balance, ok := d.viewUint(ctx, token0, "balanceOf(address)", chain.AddressWord(addr))
	if !ok {
		return false, nil
	}
	return balance.Cmp(reserve0) > 0, nil
}
