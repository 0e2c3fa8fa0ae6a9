package severity

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"evmrecon/pkg/bytecode"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestScoreBounds(t *testing.T) {
	assert.Equal(t, 0, Score(bytecode.Signals{}, Impact{}))

	// Saturate every term well past its cap.
	sig := bytecode.Signals{Arithmetic: 100, DivMod: 100, State: 100, SmallConsts: 100}
	imp := Impact{Exploitable: true, StolenWei: eth(5)}
	assert.Equal(t, 10, Score(sig, imp))
}

func TestScoreComponentCaps(t *testing.T) {
	assert.Equal(t, 4, Score(bytecode.Signals{Arithmetic: 9}, Impact{}))
	assert.Equal(t, 3, Score(bytecode.Signals{DivMod: 9}, Impact{}))
	assert.Equal(t, 3, Score(bytecode.Signals{State: 9}, Impact{}))
	assert.Equal(t, 2, Score(bytecode.Signals{SmallConsts: 9}, Impact{}))
}

func TestScoreExploitBonus(t *testing.T) {
	sig := bytecode.Signals{Arithmetic: 2}
	base := Score(sig, Impact{})
	assert.Equal(t, base+2, Score(sig, Impact{Exploitable: true}))
}

func TestScoreStealableBonus(t *testing.T) {
	sig := bytecode.Signals{Arithmetic: 1}
	base := Score(sig, Impact{})

	// Exactly 1 ETH does not trip the strict-greater comparison.
	assert.Equal(t, base, Score(sig, Impact{StolenWei: eth(1)}))
	above := new(big.Int).Add(eth(1), big.NewInt(1))
	assert.Equal(t, base+1, Score(sig, Impact{StolenWei: above}))
}

// Increasing any single counter must never lower the score.
func TestScoreMonotone(t *testing.T) {
	imp := Impact{Exploitable: true, StolenWei: eth(2)}
	for a := 0; a < 6; a++ {
		for d := 0; d < 5; d++ {
			prev := -1
			for s := 0; s < 6; s++ {
				got := Score(bytecode.Signals{Arithmetic: a, DivMod: d, State: s}, imp)
				assert.GreaterOrEqual(t, got, prev, "a=%d d=%d s=%d", a, d, s)
				assert.LessOrEqual(t, got, 10)
				prev = got
			}
		}
	}
}

func TestScoreImpactBands(t *testing.T) {
	assert.Equal(t, 0, ScoreImpact(Impact{}))
	assert.Equal(t, 1, ScoreImpact(Impact{StolenWei: big.NewInt(1)}))
	assert.Equal(t, 2, ScoreImpact(Impact{StolenWei: MinStolenWei}))
	assert.Equal(t, 3, ScoreImpact(Impact{StolenWei: eth(1)}))
	assert.Equal(t, 4, ScoreImpact(Impact{StolenWei: eth(10)}))
	assert.Equal(t, 5, ScoreImpact(Impact{StolenWei: eth(100)}))

	got := ScoreImpact(Impact{StolenWei: eth(100), PercentageLoss: 60, TVLWei: eth(1000)})
	assert.Equal(t, 9, got)
}

func TestIsBountyWorthy(t *testing.T) {
	good := Impact{
		StolenWei:      eth(1),
		PercentageLoss: 5,
		NetProfitWei:   eth(1),
	}
	assert.True(t, IsBountyWorthy(good, 7, 6))

	t.Run("severity floor", func(t *testing.T) {
		assert.False(t, IsBountyWorthy(good, 5, 6))
	})
	t.Run("stolen floor", func(t *testing.T) {
		imp := good
		imp.StolenWei = big.NewInt(1)
		assert.False(t, IsBountyWorthy(imp, 10, 6))
	})
	t.Run("percentage floor", func(t *testing.T) {
		imp := good
		imp.PercentageLoss = 0.05
		assert.False(t, IsBountyWorthy(imp, 10, 6))
	})
	t.Run("profit floor", func(t *testing.T) {
		imp := good
		imp.NetProfitWei = big.NewInt(1)
		assert.False(t, IsBountyWorthy(imp, 10, 6))
	})
	t.Run("nil big ints treated as zero", func(t *testing.T) {
		assert.False(t, IsBountyWorthy(Impact{PercentageLoss: 5}, 10, 6))
	})
}
