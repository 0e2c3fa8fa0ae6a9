// Package bytecode decodes raw EVM bytecode into an instruction stream
// and aggregates the semantic signal counters consumed by the prefilter
// cascade and the severity scorer.
package bytecode

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Instruction is a single decoded opcode. Immediate is non-nil only for
// PUSH1..PUSH32 and holds the operand value; a push truncated by the end
// of the code keeps whatever bytes remain.
type Instruction struct {
	Offset    int
	Op        byte
	Name      string
	Immediate *uint256.Int
}

// Decode disassembles bytecode into an ordered instruction stream.
// Every syntactically valid byte sequence decodes; unknown opcodes map
// to a generic tag. The decoded instructions consume exactly the input:
// a PUSHn consumes n operand bytes, clamped at the end of the code.
func Decode(code []byte) []Instruction {
	out := make([]Instruction, 0, len(code))

	for i := 0; i < len(code); {
		op := code[i]
		ins := Instruction{Offset: i, Op: op, Name: OpName(op)}

		if isPush(op) {
			n := pushSize(op)
			end := i + 1 + n
			if end > len(code) {
				end = len(code)
			}
			ins.Immediate = new(uint256.Int).SetBytes(code[i+1 : end])
			i = end
		} else {
			i++
		}

		out = append(out, ins)
	}

	return out
}

// ParseHex converts an eth_getCode style hex string into raw bytes.
// Malformed input yields nil, which downstream treats as empty code.
func ParseHex(s string) []byte {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return raw
}

// Hash returns the content hash of bytecode, used for dedup across
// identically-deployed contracts.
func Hash(code []byte) common.Hash {
	return crypto.Keccak256Hash(code)
}

// EIP-1167 minimal proxy: the two invariant byte runs around the
// embedded implementation address.
var (
	minimalProxyPrefix = common.Hex2Bytes("363d3d373d3d3d363d73")
	minimalProxySuffix = common.Hex2Bytes("5af43d82803e903d91602b57fd5bf3")
)

// IsMinimalProxy reports whether code contains the EIP-1167 minimal
// proxy pattern. Proxies are short and fingerprint-like but must still
// be analyzed, so the identity-skip stage whitelists them.
func IsMinimalProxy(code []byte) bool {
	return bytes.Contains(code, minimalProxyPrefix) && bytes.Contains(code, minimalProxySuffix)
}
