package state

import (
	"LendLedger/internal/fixedpoint"
)

// IndexScale is the fixed-point scale of the global borrow index. A larger
// scale than the ppm rate scale keeps per-second accrual increments from
// truncating to zero at realistic rates.
const IndexScale int64 = 1_000_000_000_000

const secondsPerYear int64 = 365 * 24 * 3600

// BorrowRatePPM evaluates the kinked utilization curve:
// rate = base + slope1 * min(u, kink) + slope2 * max(u - kink, 0),
// with utilization and the result in ppm (annualized).
func BorrowRatePPM(p InterestParams, utilizationPPM int64) int64 {
	if utilizationPPM < 0 {
		utilizationPPM = 0
	}
	if utilizationPPM > 1_000_000 {
		utilizationPPM = 1_000_000
	}

	rate := p.BaseRatePPM

	below := utilizationPPM
	if below > p.KinkPPM {
		below = p.KinkPPM
	}
	rate += fixedpoint.ApplyRate(p.Slope1PPM, below)

	if utilizationPPM > p.KinkPPM {
		rate += fixedpoint.ApplyRate(p.Slope2PPM, utilizationPPM-p.KinkPPM)
	}

	return rate
}

// InterestAccumulator maintains the global borrow index. Per-account debt is
// settled lazily: each account snapshots the index when touched, and accrued
// interest is the growth of the index since that snapshot applied to the
// account's ledger debt.
type InterestAccumulator struct {
	index           int64 // IndexScale fixed-point, starts at 1.0
	lastAccrualUnix int64
}

func NewInterestAccumulator(nowUnix int64) *InterestAccumulator {
	return &InterestAccumulator{
		index:           IndexScale,
		lastAccrualUnix: nowUnix,
	}
}

// Index returns the current global borrow index.
func (ia *InterestAccumulator) Index() int64 {
	return ia.index
}

// LastAccrualUnix returns the timestamp of the last index advance.
func (ia *InterestAccumulator) LastAccrualUnix() int64 {
	return ia.lastAccrualUnix
}

// Advance grows the index by simple interest over the elapsed time at the
// current utilization-driven rate. Idempotent for nowUnix <= last accrual.
func (ia *InterestAccumulator) Advance(p InterestParams, utilizationPPM int64, nowUnix int64) {
	elapsed := nowUnix - ia.lastAccrualUnix
	if elapsed <= 0 {
		return
	}

	ratePPM := BorrowRatePPM(p, utilizationPPM)

	// growth = index * rate * elapsed / (1e6 * secondsPerYear)
	growth := fixedpoint.MulDiv(ia.index, ratePPM*elapsed, fixedpoint.RatePPM*secondsPerYear, fixedpoint.RoundDown)
	ia.index += growth
	ia.lastAccrualUnix = nowUnix
}

// AccruedDebt scales a debt balance from its snapshot index to the current
// index. Rounds up so owed interest is never understated.
func (ia *InterestAccumulator) AccruedDebt(debt, snapshotIndex int64) int64 {
	if debt == 0 || snapshotIndex == 0 || snapshotIndex == ia.index {
		return debt
	}
	return fixedpoint.MulDiv(debt, ia.index, snapshotIndex, fixedpoint.RoundUp)
}

// Restore resets the accumulator from a snapshot.
func (ia *InterestAccumulator) Restore(index, lastAccrualUnix int64) {
	ia.index = index
	ia.lastAccrualUnix = lastAccrualUnix
}
