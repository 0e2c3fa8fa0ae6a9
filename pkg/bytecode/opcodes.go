package bytecode

import "fmt"

// EVM opcode values the extractor cares about. PUSH1..PUSH32 occupy the
// contiguous range 0x60..0x7f; the operand length is derived from the
// opcode value itself.
const (
	opStop         = 0x00
	opAdd          = 0x01
	opMul          = 0x02
	opSub          = 0x03
	opDiv          = 0x04
	opSDiv         = 0x05
	opMod          = 0x06
	opSMod         = 0x07
	opAddMod       = 0x08
	opMulMod       = 0x09
	opExp          = 0x0a
	opGasPrice     = 0x3a
	opExtCodeSize  = 0x3b
	opExtCodeCopy  = 0x3c
	opExtCodeHash  = 0x3f
	opTimestamp    = 0x42
	opChainID      = 0x46
	opBaseFee      = 0x48
	opSLoad        = 0x54
	opSStore       = 0x55
	opPush1        = 0x60
	opPush32       = 0x7f
	opCreate       = 0xf0
	opCall         = 0xf1
	opCallCode     = 0xf2
	opReturn       = 0xf3
	opDelegateCall = 0xf4
	opCreate2      = 0xf5
	opStaticCall   = 0xfa
	opRevert       = 0xfd
	opSelfDestruct = 0xff
)

var opNames = map[byte]string{
	opStop:   "STOP",
	opAdd:    "ADD",
	opMul:    "MUL",
	opSub:    "SUB",
	opDiv:    "DIV",
	opSDiv:   "SDIV",
	opMod:    "MOD",
	opSMod:   "SMOD",
	opAddMod: "ADDMOD",
	opMulMod: "MULMOD",
	opExp:    "EXP",

	0x10: "LT",
	0x11: "GT",
	0x12: "SLT",
	0x13: "SGT",
	0x14: "EQ",
	0x15: "ISZERO",
	0x16: "AND",
	0x17: "OR",
	0x18: "XOR",
	0x19: "NOT",
	0x1a: "BYTE",
	0x1b: "SHL",
	0x1c: "SHR",
	0x1d: "SAR",
	0x20: "KECCAK256",

	0x30: "ADDRESS",
	0x31: "BALANCE",
	0x32: "ORIGIN",
	0x33: "CALLER",
	0x34: "CALLVALUE",
	0x35: "CALLDATALOAD",
	0x36: "CALLDATASIZE",
	0x37: "CALLDATACOPY",
	0x38: "CODESIZE",
	0x39: "CODECOPY",

	opGasPrice:    "GASPRICE",
	opExtCodeSize: "EXTCODESIZE",
	opExtCodeCopy: "EXTCODECOPY",
	0x3d:          "RETURNDATASIZE",
	0x3e:          "RETURNDATACOPY",
	opExtCodeHash: "EXTCODEHASH",

	0x40:        "BLOCKHASH",
	0x41:        "COINBASE",
	opTimestamp: "TIMESTAMP",
	0x43:        "NUMBER",
	0x44:        "PREVRANDAO",
	0x45:        "GASLIMIT",
	opChainID:   "CHAINID",
	0x47:        "SELFBALANCE",
	opBaseFee:   "BASEFEE",

	0x50:     "POP",
	0x51:     "MLOAD",
	0x52:     "MSTORE",
	0x53:     "MSTORE8",
	opSLoad:  "SLOAD",
	opSStore: "SSTORE",
	0x56:     "JUMP",
	0x57:     "JUMPI",
	0x58:     "PC",
	0x59:     "MSIZE",
	0x5a:     "GAS",
	0x5b:     "JUMPDEST",
	0x5c:     "TLOAD",
	0x5d:     "TSTORE",
	0x5e:     "MCOPY",
	0x5f:     "PUSH0",

	0xa0: "LOG0",
	0xa1: "LOG1",
	0xa2: "LOG2",
	0xa3: "LOG3",
	0xa4: "LOG4",

	opCreate:       "CREATE",
	opCall:         "CALL",
	opCallCode:     "CALLCODE",
	opReturn:       "RETURN",
	opDelegateCall: "DELEGATECALL",
	opCreate2:      "CREATE2",
	opStaticCall:   "STATICCALL",
	opRevert:       "REVERT",
	0xfe:           "INVALID",
	opSelfDestruct: "SELFDESTRUCT",
}

// OpName resolves an opcode byte to its mnemonic. PUSH opcodes resolve
// to PUSH1..PUSH32; anything not in the table gets a generic OP_xx tag
// so decoding never fails on unknown bytes.
func OpName(op byte) string {
	if op >= opPush1 && op <= opPush32 {
		return fmt.Sprintf("PUSH%d", op-opPush1+1)
	}
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_%02x", op)
}

func isPush(op byte) bool {
	return op >= opPush1 && op <= opPush32
}

// pushSize returns the operand length in bytes for a PUSH opcode.
func pushSize(op byte) int {
	return int(op-opPush1) + 1
}
