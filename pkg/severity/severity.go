// Package severity turns signal vectors and empirical impact estimates
// into triage scores and bounty-floor decisions.
package severity

import (
	"math/big"

	"evmrecon/pkg/bytecode"
)

// Hard floors for IsBountyWorthy. The two-layer design (continuous
// score plus absolute gates) keeps one noisy magnitude metric from
// dominating triage.
var (
	// MinStolenWei: 0.1 ETH absolute value at risk.
	MinStolenWei = new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	// MinNetProfitWei: net-of-cost profit floor.
	MinNetProfitWei = big.NewInt(50_000_000_000_000) // 0.00005 ETH
	// MinPercentageLoss: share of value-at-risk, in percent.
	MinPercentageLoss = 0.1

	oneEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Impact is the estimated economic consequence of a finding. Missing
// or invalid inputs default to the conservative zero value: not
// exploitable, nothing stealable.
type Impact struct {
	Exploitable    bool
	StolenWei      *big.Int
	TVLWei         *big.Int
	PercentageLoss float64
	NetProfitWei   *big.Int
	TxNeeded       int
}

func nz(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Score maps signals plus impact to [0,10]: a capped weighted sum of
// the arithmetic/division/storage/small-constant densities, with
// bonuses for a confirmed exploit and for stealable value above 1 ETH.
// Increasing any single counter never decreases the score.
func Score(sig bytecode.Signals, imp Impact) int {
	score := min(sig.Arithmetic, 4)
	score += min(sig.DivMod, 3)
	score += min(sig.State, 3)
	score += min(sig.SmallConsts, 2)

	if imp.Exploitable {
		score += 2
	}
	if nz(imp.StolenWei).Cmp(oneEth) > 0 {
		score++
	}

	return min(score, 10)
}

// ScoreImpact is the magnitude-banded variant used once empirical
// numbers exist: stolen-amount bands, percentage bands, and a TVL
// bonus.
func ScoreImpact(imp Impact) int {
	score := 0
	stolen := nz(imp.StolenWei)

	switch {
	case stolen.Cmp(ethAmount(100)) >= 0:
		score += 5
	case stolen.Cmp(ethAmount(10)) >= 0:
		score += 4
	case stolen.Cmp(ethAmount(1)) >= 0:
		score += 3
	case stolen.Cmp(MinStolenWei) >= 0:
		score += 2
	case stolen.Sign() > 0:
		score++
	}

	switch {
	case imp.PercentageLoss >= 50:
		score += 3
	case imp.PercentageLoss >= 10:
		score += 2
	case imp.PercentageLoss >= 1:
		score++
	}

	if nz(imp.TVLWei).Cmp(ethAmount(1000)) >= 0 {
		score++
	}

	return min(score, 10)
}

func ethAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneEth)
}

// gasAllowanceWei is the execution cost budgeted against net profit
// when no measured figure exists.
var gasAllowanceWei = big.NewInt(5_000_000_000_000_000) // 0.005 ETH

// EstimateImpact builds a conservative Impact from empirical probe
// numbers: profit is the stolen amount net of a flat gas allowance,
// never negative.
func EstimateImpact(stolenWei, tvlWei *big.Int, taxPct float64, exploitable bool) Impact {
	imp := Impact{
		Exploitable:    exploitable,
		StolenWei:      nz(stolenWei),
		TVLWei:         nz(tvlWei),
		PercentageLoss: taxPct * 100,
	}
	net := new(big.Int).Sub(imp.StolenWei, gasAllowanceWei)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}
	imp.NetProfitWei = net
	return imp
}

// IsBountyWorthy enforces the hard floors: minimum severity, minimum
// absolute stolen value, minimum percentage of value at risk, and
// minimum net profit. Every floor must hold; any single failure
// disqualifies regardless of score.
func IsBountyWorthy(imp Impact, severityScore, minSeverity int) bool {
	if severityScore < minSeverity {
		return false
	}
	if nz(imp.StolenWei).Cmp(MinStolenWei) < 0 {
		return false
	}
	if imp.PercentageLoss < MinPercentageLoss {
		return false
	}
	if nz(imp.NetProfitWei).Cmp(MinNetProfitWei) < 0 {
		return false
	}
	return true
}
