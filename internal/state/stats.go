package state

import (
	"LendLedger/internal/fixedpoint"
)

// ProtocolStats carries aggregate counters consulted by all operations.
// Totals are reconciled against the ledger on every mutation, never derived
// lazily, so drift is detectable immediately.
type ProtocolStats struct {
	TotalCollateral   int64 // Sum of all live collateral balances (collateral units)
	TotalDebt         int64 // Sum of all live debt balances (quote units)
	TotalLiquidations int64
}

func NewProtocolStats() *ProtocolStats {
	return &ProtocolStats{}
}

// UtilizationPPM returns total_debt / (total_debt + pool_liquidity) in ppm.
// Zero when nothing is borrowed and nothing is supplied.
func (ps *ProtocolStats) UtilizationPPM(poolLiquidity int64) int64 {
	supplied := ps.TotalDebt + poolLiquidity
	if supplied <= 0 {
		return 0
	}
	return fixedpoint.Ratio(ps.TotalDebt, supplied)
}

// ApplyCollateralDelta adjusts total collateral.
func (ps *ProtocolStats) ApplyCollateralDelta(delta int64) {
	ps.TotalCollateral += delta
}

// ApplyDebtDelta adjusts total debt.
func (ps *ProtocolStats) ApplyDebtDelta(delta int64) {
	ps.TotalDebt += delta
}

// RecordLiquidation bumps the lifetime liquidation counter.
func (ps *ProtocolStats) RecordLiquidation() {
	ps.TotalLiquidations++
}

// Clone returns a copy (snapshot creation).
func (ps *ProtocolStats) Clone() ProtocolStats {
	return *ps
}
