package probe

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"evmrecon/pkg/chain"
)

// entrySelectors are the deposit-shaped entry points tried against a
// victim, in order of how often each appears across vaults, staking
// pools and routers.
var entrySelectors = []string{
	"deposit(uint256)",
	"stake(uint256)",
	"enterStaking(uint256)",
	"addLiquidity(uint256)",
}

// VictimResult is the outcome of one full fee-on-transfer probe
// against a candidate victim contract.
type VictimResult struct {
	Victim common.Address
	Token  common.Address
	Tax    TaxResult

	// Entry is the selector that accepted the simulated deposit, empty
	// when none did.
	Entry          string
	Deposited      *big.Int
	Received       *big.Int
	LostPerDeposit *big.Int
	Vulnerable     bool
}

// ProbeVictim runs the full fee-on-transfer experiment: resolve the
// token the victim holds, screen that token's transfer tax, then
// simulate a deposit under forged balance and allowance and compare
// what the victim was told it received against what the token actually
// delivered. A victim that books the stated amount of a taxed token is
// over-crediting every depositor.
func (e *Engine) ProbeVictim(ctx context.Context, victim common.Address) (*VictimResult, error) {
	token, err := e.resolveVictimToken(ctx, victim)
	if err != nil {
		return nil, err
	}

	res := &VictimResult{Victim: victim, Token: token}
	res.Tax = e.ScreenTokenTax(ctx, token)
	if !res.Tax.Taxed() {
		return res, nil
	}

	slots, err := e.DiscoverSlots(ctx, token)
	if err != nil {
		return res, nil
	}

	amount := e.cfg.ProbeAmount
	override := chain.StateOverride{}
	override.SetSlot(token, BalanceKey(probeOwner, slots.BalanceSlot), new(big.Int).Mul(amount, big.NewInt(2)))
	override.SetSlot(token, AllowanceKey(probeOwner, victim, slots.AllowanceSlot), new(big.Int).Mul(amount, big.NewInt(2)))

	for _, sig := range entrySelectors {
		msg := chain.CallMsg{
			From: probeOwner,
			To:   victim,
			Data: chain.EncodeCall(sig, chain.UintWord(amount)),
		}
		frame, err := e.backend.TraceCallWithOverride(ctx, msg, override)
		if err != nil || frame.Failed() {
			continue
		}

		received, ok := deliveredTo(frame, token, victim)
		if !ok {
			continue
		}

		res.Entry = sig
		res.Deposited = amount
		res.Received = received
		if received.Cmp(amount) < 0 {
			res.LostPerDeposit = new(big.Int).Sub(amount, received)
			res.Vulnerable = true
			e.log.Infof("%s over-credits taxed token %s via %s: deposited %s delivered %s",
				victim.Hex(), token.Hex(), sig, amount, received)
		}
		return res, nil
	}
	return res, nil
}

// resolveVictimToken finds the token a victim operates on, falling back
// to the victim itself when its own bytecode carries transfer plumbing.
func (e *Engine) resolveVictimToken(ctx context.Context, victim common.Address) (common.Address, error) {
	if e.resolver != nil {
		if token, ok := e.resolver.ResolveToken(ctx, victim); ok {
			return token, nil
		}
	}

	code, err := e.backend.Code(ctx, victim)
	if err != nil {
		return common.Address{}, fmt.Errorf("fetch victim code: %w", err)
	}
	if bytes.Contains(code, chain.Selector("transfer(address,uint256)")) {
		return victim, nil
	}
	return common.Address{}, fmt.Errorf("no token resolvable for %s", victim.Hex())
}

// deliveredTo returns the amount the token actually credited to the
// recipient during the trace: the smallest Transfer value whose
// recipient topic matches, falling back to the smallest Transfer value
// overall when the token hides the recipient.
func deliveredTo(frame *chain.CallFrame, token, recipient common.Address) (*big.Int, bool) {
	tokenHex := strings.ToLower(token.Hex())
	recipientTopic := common.BytesToHash(common.LeftPadBytes(recipient.Bytes(), 32)).Hex()

	var minTo, minAny *big.Int
	for _, lg := range frame.CollectLogs() {
		if strings.ToLower(lg.Address) != tokenHex {
			continue
		}
		if len(lg.Topics) == 0 || !strings.EqualFold(lg.Topics[0], transferTopic) {
			continue
		}
		v := new(big.Int).SetBytes(common.FromHex(lg.Data))
		if minAny == nil || v.Cmp(minAny) < 0 {
			minAny = v
		}
		if len(lg.Topics) >= 3 && strings.EqualFold(lg.Topics[2], recipientTopic) {
			if minTo == nil || v.Cmp(minTo) < 0 {
				minTo = v
			}
		}
	}
	if minTo != nil {
		return minTo, true
	}
	if minAny != nil {
		return minAny, true
	}
	return nil, false
}
