package detectors

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmrecon/pkg/chain"
)

// fakeCaller answers view calls from a selector-keyed table and serves
// static bytecode per address.
type fakeCaller struct {
	returns map[string][]byte
	code    map[common.Address][]byte
	errs    map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		returns: make(map[string][]byte),
		code:    make(map[common.Address][]byte),
		errs:    make(map[string]error),
	}
}

func (f *fakeCaller) key(addr common.Address, data []byte) string {
	sel := data
	if len(sel) > 4 {
		sel = sel[:4]
	}
	return addr.Hex() + ":" + hex.EncodeToString(sel)
}

func (f *fakeCaller) Call(_ context.Context, msg chain.CallMsg) ([]byte, error) {
	k := f.key(msg.To, msg.Data)
	if err, ok := f.errs[k]; ok {
		return nil, err
	}
	if ret, ok := f.returns[k]; ok {
		return ret, nil
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeCaller) Code(_ context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], nil
}

func (f *fakeCaller) setUint(addr common.Address, sig string, v *big.Int) {
	f.returns[f.key(addr, chain.Selector(sig))] = chain.UintWord(v)
}

func (f *fakeCaller) setAddr(addr common.Address, sig string, v common.Address) {
	f.returns[f.key(addr, chain.Selector(sig))] = chain.AddressWord(v)
}

var (
	vault = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestIsVaultLike(t *testing.T) {
	ctx := context.Background()

	t.Run("empty supply with assets", func(t *testing.T) {
		f := newFakeCaller()
		f.setUint(vault, "totalAssets()", eth(5))
		f.setUint(vault, "totalSupply()", big.NewInt(0))
		hit, err := New("ERROR", f).IsVaultLike(ctx, vault)
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("inflated ratio", func(t *testing.T) {
		f := newFakeCaller()
		f.setUint(vault, "totalAssets()", eth(1000))
		f.setUint(vault, "totalSupply()", big.NewInt(1))
		hit, err := New("ERROR", f).IsVaultLike(ctx, vault)
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("healthy vault", func(t *testing.T) {
		f := newFakeCaller()
		f.setUint(vault, "totalAssets()", eth(100))
		f.setUint(vault, "totalSupply()", eth(99))
		hit, err := New("ERROR", f).IsVaultLike(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("not a vault", func(t *testing.T) {
		f := newFakeCaller()
		hit, err := New("ERROR", f).IsVaultLike(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})
}

func TestHasRoundingDust(t *testing.T) {
	ctx := context.Background()

	t.Run("lossy round trip", func(t *testing.T) {
		f := newFakeCaller()
		f.setUint(vault, "convertToShares(uint256)", eth(1))
		lossy := new(big.Int).Sub(eth(1), big.NewInt(3))
		f.setUint(vault, "convertToAssets(uint256)", lossy)
		hit, err := New("ERROR", f).HasRoundingDust(ctx, vault)
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("exact round trip", func(t *testing.T) {
		f := newFakeCaller()
		f.setUint(vault, "convertToShares(uint256)", eth(1))
		f.setUint(vault, "convertToAssets(uint256)", eth(1))
		hit, err := New("ERROR", f).HasRoundingDust(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("zero shares is not dust", func(t *testing.T) {
		f := newFakeCaller()
		f.setUint(vault, "convertToShares(uint256)", big.NewInt(0))
		hit, err := New("ERROR", f).HasRoundingDust(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})
}

func TestIsFoTCandidate(t *testing.T) {
	ctx := context.Background()

	withPlumbing := append([]byte{0x60, 0x00}, chain.Selector("transferFrom(address,address,uint256)")...)

	t.Run("plumbing plus resolvable token", func(t *testing.T) {
		f := newFakeCaller()
		f.code[vault] = withPlumbing
		f.setAddr(vault, "want()", token)
		hit, err := New("ERROR", f).IsFoTCandidate(ctx, vault)
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("no transfer plumbing", func(t *testing.T) {
		f := newFakeCaller()
		f.code[vault] = []byte{0x60, 0x00, 0x60, 0x00}
		f.setAddr(vault, "token()", token)
		hit, err := New("ERROR", f).IsFoTCandidate(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("no token getter answers", func(t *testing.T) {
		f := newFakeCaller()
		f.code[vault] = withPlumbing
		hit, err := New("ERROR", f).IsFoTCandidate(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})
}

func TestResolveTokenGetterOrder(t *testing.T) {
	f := newFakeCaller()
	other := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	f.setAddr(vault, "asset()", token)
	f.setAddr(vault, "token0()", other)

	got, ok := New("ERROR", f).ResolveToken(context.Background(), vault)
	require.True(t, ok)
	assert.Equal(t, token, got, "earlier getter wins over pair getter")
}

func TestResolveTokenSkipsZeroAddress(t *testing.T) {
	f := newFakeCaller()
	f.setAddr(vault, "token()", common.Address{})
	f.setAddr(vault, "want()", token)

	got, ok := New("ERROR", f).ResolveToken(context.Background(), vault)
	require.True(t, ok)
	assert.Equal(t, token, got)
}

func TestHasUninitializedReward(t *testing.T) {
	ctx := context.Background()

	// Streaming rewards into an empty pool: the first staker drains
	// everything accrued so far.
	f := newFakeCaller()
	f.setUint(vault, "rewardRate()", big.NewInt(7))
	f.setUint(vault, "totalSupply()", big.NewInt(0))
	hit, err := New("ERROR", f).HasUninitializedReward(ctx, vault)
	require.NoError(t, err)
	assert.True(t, hit)

	// Stake held but no rate: nothing accrues, nothing to drain.
	f.setUint(vault, "rewardRate()", big.NewInt(0))
	f.setUint(vault, "totalSupply()", eth(10))
	hit, err = New("ERROR", f).HasUninitializedReward(ctx, vault)
	require.NoError(t, err)
	assert.False(t, hit)

	// Live pool with stakers.
	f.setUint(vault, "rewardRate()", big.NewInt(7))
	hit, err = New("ERROR", f).HasUninitializedReward(ctx, vault)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestHasTimestampDependence(t *testing.T) {
	ctx := context.Background()
	timestampOp := []byte{0x42}
	withdrawSel := chain.Selector("withdraw(uint256)")

	t.Run("timestamp plus timed entry point", func(t *testing.T) {
		f := newFakeCaller()
		f.code[vault] = append(append([]byte{0x60, 0x00}, timestampOp...), withdrawSel...)
		hit, err := New("ERROR", f).HasTimestampDependence(ctx, vault)
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("timestamp alone", func(t *testing.T) {
		f := newFakeCaller()
		f.code[vault] = append([]byte{0x60, 0x00, 0x01}, timestampOp...)
		hit, err := New("ERROR", f).HasTimestampDependence(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("timed entry point alone", func(t *testing.T) {
		f := newFakeCaller()
		f.code[vault] = append([]byte{0x60, 0x00}, withdrawSel...)
		hit, err := New("ERROR", f).HasTimestampDependence(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("other environment opcodes do not count", func(t *testing.T) {
		f := newFakeCaller()
		// DELEGATECALL and GASPRICE next to a timed entry point.
		f.code[vault] = append([]byte{0xf4, 0x3a}, chain.Selector("claim()")...)
		hit, err := New("ERROR", f).HasTimestampDependence(ctx, vault)
		require.NoError(t, err)
		assert.False(t, hit)
	})
}

func TestHasSyncLoss(t *testing.T) {
	ctx := context.Background()
	pair := vault

	f := newFakeCaller()
	f.returns[f.key(pair, chain.Selector("getReserves()"))] = append(chain.UintWord(eth(10)), make([]byte, 64)...)
	f.setAddr(pair, "token0()", token)
	f.setUint(token, "balanceOf(address)", eth(12))

	hit, err := New("ERROR", f).HasSyncLoss(ctx, pair)
	require.NoError(t, err)
	assert.True(t, hit)

	f.setUint(token, "balanceOf(address)", eth(10))
	hit, err = New("ERROR", f).HasSyncLoss(ctx, pair)
	require.NoError(t, err)
	assert.False(t, hit)
}
