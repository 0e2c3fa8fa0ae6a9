package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AccountOverride is the per-account state override passed to eth_call
// and debug_traceCall. StateDiff patches individual slots on top of the
// live state; State replaces the whole storage.
type AccountOverride struct {
	Balance   string            `json:"balance,omitempty"`
	Nonce     string            `json:"nonce,omitempty"`
	Code      string            `json:"code,omitempty"`
	State     map[string]string `json:"state,omitempty"`
	StateDiff map[string]string `json:"stateDiff,omitempty"`
}

// StateOverride maps lower-cased account addresses to their overrides.
type StateOverride map[string]*AccountOverride

// SetSlot records a storage-slot patch for addr, creating the account
// entry on first use.
func (o StateOverride) SetSlot(addr common.Address, slot common.Hash, value *big.Int) {
	key := strings.ToLower(addr.Hex())
	acct := o[key]
	if acct == nil {
		acct = &AccountOverride{}
		o[key] = acct
	}
	if acct.StateDiff == nil {
		acct.StateDiff = make(map[string]string)
	}
	acct.StateDiff[slot.Hex()] = hexutil.EncodeBig(value)
}

// Clone deep-copies the override so concurrent probes can extend a
// shared base without racing.
func (o StateOverride) Clone() StateOverride {
	if o == nil {
		return nil
	}
	dst := make(StateOverride, len(o))
	for addr, acct := range o {
		if acct == nil {
			continue
		}
		cp := &AccountOverride{
			Balance: acct.Balance,
			Nonce:   acct.Nonce,
			Code:    acct.Code,
		}
		if len(acct.State) > 0 {
			cp.State = make(map[string]string, len(acct.State))
			for k, v := range acct.State {
				cp.State[k] = v
			}
		}
		if len(acct.StateDiff) > 0 {
			cp.StateDiff = make(map[string]string, len(acct.StateDiff))
			for k, v := range acct.StateDiff {
				cp.StateDiff[k] = v
			}
		}
		dst[addr] = cp
	}
	return dst
}
