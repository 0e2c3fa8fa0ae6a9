package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector returns the 4-byte function selector for a signature like
// "balanceOf(address)".
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// EncodeCall builds calldata from a selector and 32-byte-padded word
// arguments. Only static argument types are needed by the scanner.
func EncodeCall(signature string, words ...[]byte) []byte {
	data := Selector(signature)
	for _, w := range words {
		data = append(data, common.LeftPadBytes(w, 32)...)
	}
	return data
}

// AddressWord pads an address to a 32-byte ABI word.
func AddressWord(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// UintWord pads an unsigned integer to a 32-byte ABI word.
func UintWord(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// DecodeUint interprets a call return as a single uint256. Short or
// empty returns decode to zero.
func DecodeUint(ret []byte) *big.Int {
	if len(ret) == 0 {
		return new(big.Int)
	}
	if len(ret) > 32 {
		ret = ret[:32]
	}
	return new(big.Int).SetBytes(ret)
}

// DecodeAddress interprets a call return as a single address word. A
// zero or malformed return yields (zero address, false).
func DecodeAddress(ret []byte) (common.Address, bool) {
	if len(ret) < 32 {
		return common.Address{}, false
	}
	addr := common.BytesToAddress(ret[12:32])
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}
