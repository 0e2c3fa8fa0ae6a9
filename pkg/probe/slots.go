package probe

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"evmrecon/pkg/chain"
)

// SlotInfo is the discovered storage layout of an ERC-20 token's two
// core mappings. Fallback marks layouts where at least one mapping was
// assumed rather than proven.
type SlotInfo struct {
	BalanceSlot   uint64
	AllowanceSlot uint64
	Fallback      bool
}

// slotMarker is the value injected during discovery. Large enough that
// a nonzero read cannot be a pre-existing balance artifact of the
// synthetic owner, which holds nothing on any real chain.
var slotMarker = ethAmount(1_000_000)

// BalanceKey is the storage key of balances[owner] for a mapping
// rooted at slot: keccak256(pad32(owner) ++ pad32(slot)).
func BalanceKey(owner common.Address, slot uint64) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(owner.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(slot).Bytes(), 32),
	)
}

// AllowanceKey is the storage key of allowance[owner][spender] for a
// double mapping rooted at slot. The inner hash resolves the owner
// dimension, the outer one the spender dimension.
func AllowanceKey(owner, spender common.Address, slot uint64) common.Hash {
	inner := crypto.Keccak256Hash(
		common.LeftPadBytes(owner.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(slot).Bytes(), 32),
	)
	return crypto.Keccak256Hash(
		common.LeftPadBytes(spender.Bytes(), 32),
		inner.Bytes(),
	)
}

// DiscoverSlots locates the balance and allowance mapping slots of a
// token by injecting a marker value at each candidate key and reading
// it back through the token's own getters. The first slot whose getter
// reflects the injection wins. Any mapping the scan bound did not
// resolve falls back to the canonical OpenZeppelin layout (0, 1);
// a layout with an assumed half is returned but never cached, so the
// unproven mapping stays re-discoverable.
func (e *Engine) DiscoverSlots(ctx context.Context, token common.Address) (SlotInfo, error) {
	if cached, ok := e.slotCache.Get(token); ok {
		return cached, nil
	}

	info := SlotInfo{BalanceSlot: 0, AllowanceSlot: 1, Fallback: true}

	balSlot, balFound := e.scanBalanceSlot(ctx, token)
	allowSlot, allowFound := e.scanAllowanceSlot(ctx, token)

	if balFound {
		info.BalanceSlot = balSlot
	}
	if allowFound {
		info.AllowanceSlot = allowSlot
	}
	info.Fallback = !balFound || !allowFound

	if !info.Fallback {
		e.slotCache.Add(token, info)
		e.log.Debugf("%s slots discovered: balance=%d allowance=%d", token.Hex(), info.BalanceSlot, info.AllowanceSlot)
	}
	return info, nil
}

func (e *Engine) scanBalanceSlot(ctx context.Context, token common.Address) (uint64, bool) {
	data := chain.EncodeCall("balanceOf(address)", chain.AddressWord(probeOwner))
	for slot := uint64(0); slot <= e.cfg.SlotScanBound; slot++ {
		override := chain.StateOverride{}
		override.SetSlot(token, BalanceKey(probeOwner, slot), slotMarker)

		ret, err := e.backend.CallWithOverride(ctx, chain.CallMsg{To: token, Data: data}, override)
		if err != nil || len(ret) < 32 {
			continue
		}
		if chain.DecodeUint(ret).Sign() > 0 {
			return slot, true
		}
	}
	return 0, false
}

func (e *Engine) scanAllowanceSlot(ctx context.Context, token common.Address) (uint64, bool) {
	data := chain.EncodeCall("allowance(address,address)",
		chain.AddressWord(probeOwner), chain.AddressWord(probeSpender))
	for slot := uint64(0); slot <= e.cfg.SlotScanBound; slot++ {
		override := chain.StateOverride{}
		override.SetSlot(token, AllowanceKey(probeOwner, probeSpender, slot), slotMarker)

		ret, err := e.backend.CallWithOverride(ctx, chain.CallMsg{To: token, Data: data}, override)
		if err != nil || len(ret) < 32 {
			continue
		}
		if chain.DecodeUint(ret).Sign() > 0 {
			return slot, true
		}
	}
	return 0, false
}
