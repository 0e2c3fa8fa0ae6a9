package probe

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"evmrecon/pkg/chain"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// TaxStatus classifies a transfer-tax screen outcome.
type TaxStatus int

const (
	// TaxUnknown means the screen could not run or could not be
	// interpreted. Unknown results are never cached.
	TaxUnknown TaxStatus = iota
	TaxClean
	TaxDetected
)

func (s TaxStatus) String() string {
	switch s {
	case TaxClean:
		return "clean"
	case TaxDetected:
		return "taxed"
	default:
		return "unknown"
	}
}

// TaxResult is the outcome of one simulated transfer through a token.
type TaxResult struct {
	Status   TaxStatus
	TaxPct   float64
	Sent     *big.Int
	Received *big.Int
}

// Taxed reports whether the token demonstrably delivered less than was
// sent.
func (r TaxResult) Taxed() bool {
	return r.Status == TaxDetected
}

// ScreenTokenTax simulates a transfer of the screen amount through the
// token under a forged balance and measures what actually arrives at
// the recipient, which catches tokens that split a transfer into a fee
// leg and a delivery leg. Requires trace support; without it, or on any
// backend failure, the result is Unknown and not cached.
func (e *Engine) ScreenTokenTax(ctx context.Context, token common.Address) TaxResult {
	if cached, ok := e.taxCache.Get(token); ok {
		return cached
	}
	if !e.backend.SupportsTrace(ctx) {
		return TaxResult{Status: TaxUnknown}
	}

	slots, err := e.DiscoverSlots(ctx, token)
	if err != nil {
		return TaxResult{Status: TaxUnknown}
	}

	sent := e.cfg.ScreenAmount
	override := chain.StateOverride{}
	override.SetSlot(token, BalanceKey(probeOwner, slots.BalanceSlot), new(big.Int).Mul(sent, big.NewInt(2)))

	msg := chain.CallMsg{
		From: probeOwner,
		To:   token,
		Data: chain.EncodeCall("transfer(address,uint256)", chain.AddressWord(probeSpender), chain.UintWord(sent)),
	}
	frame, err := e.backend.TraceCallWithOverride(ctx, msg, override)
	if err != nil || frame.Failed() {
		e.log.Debugf("tax screen for %s inconclusive: err=%v", token.Hex(), err)
		return TaxResult{Status: TaxUnknown}
	}

	received, ok := deliveredTo(frame, token, probeSpender)
	if !ok {
		return TaxResult{Status: TaxUnknown}
	}

	res := TaxResult{Status: TaxClean, Sent: sent, Received: received}
	if received.Cmp(sent) < 0 {
		res.Status = TaxDetected
		lost := new(big.Int).Sub(sent, received)
		res.TaxPct = ratio(lost, sent)
	}
	e.taxCache.Add(token, res)
	return res
}

func ratio(num, den *big.Int) float64 {
	if den.Sign() == 0 {
		return 0
	}
	n, _ := new(big.Float).Quo(new(big.Float).SetInt(num), new(big.Float).SetInt(den)).Float64()
	return n
}
