package bytecode

import "github.com/holiman/uint256"

// SmallConstThreshold bounds the "looks like a fee parameter" push
// immediate check: values in (0, 1000] frequently encode basis points
// or percentage denominators.
const SmallConstThreshold = 1000

// Signals are named counters over an instruction stream. Identical
// bytecode always yields identical signals.
type Signals struct {
	Arithmetic  int `json:"arith"`
	DivMod      int `json:"div_mod"`
	State       int `json:"state"`
	Calls       int `json:"calls"`
	Interesting int `json:"interesting_ops"`
	SmallConsts int `json:"small_consts"`
	TotalOps    int `json:"total_ops"`
}

var smallConstCap = uint256.NewInt(SmallConstThreshold)

// ExtractSignals decodes bytecode and aggregates the counter vector.
// It is a pure function of its input and never fails; malformed or
// empty input produces the zero vector.
func ExtractSignals(code []byte) Signals {
	var sig Signals

	for _, ins := range Decode(code) {
		sig.TotalOps++

		switch ins.Op {
		case opAdd, opSub, opMul, opDiv, opSDiv, opMod, opSMod:
			sig.Arithmetic++
		}

		switch ins.Op {
		case opDiv, opSDiv, opMod, opSMod:
			sig.DivMod++
		}

		switch ins.Op {
		case opSLoad, opSStore:
			sig.State++
		}

		switch ins.Op {
		case opCall, opDelegateCall, opStaticCall:
			sig.Calls++
		}

		switch ins.Op {
		case opTimestamp, opGasPrice, opBaseFee, opSelfDestruct, opDelegateCall, opCreate, opCreate2:
			sig.Interesting++
		}

		if ins.Immediate != nil && !ins.Immediate.IsZero() && ins.Immediate.Cmp(smallConstCap) <= 0 {
			sig.SmallConsts++
		}
	}

	return sig
}

// UsesBlockTimestamp reports whether the code executes the TIMESTAMP
// opcode. Decoding first keeps push immediates that happen to contain
// 0x42 from counting.
func UsesBlockTimestamp(code []byte) bool {
	for _, ins := range Decode(code) {
		if ins.Op == opTimestamp {
			return true
		}
	}
	return false
}
