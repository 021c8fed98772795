package amm

import (
	"fmt"

	"LendLedger/internal/fixedpoint"
)

// Side selects which reserve the input asset enters.
type Side int32

const (
	// SideCollateralIn swaps collateral tokens for quote tokens.
	SideCollateralIn Side = iota
	// SideQuoteIn swaps quote tokens for collateral tokens.
	SideQuoteIn
)

// Pool is a constant-product two-asset pool. Reserves mirror the ledger's
// amm accounts; the single engine writer mutates both together so they can
// never diverge. The product reserveCollateral * reserveQuote is
// non-decreasing across any swap net of fees.
type Pool struct {
	ReserveCollateral int64
	ReserveQuote      int64
	FeePPM            int64
	FeesAccrued       int64 // Cumulative fee volume, in input-asset units
}

func NewPool(reserveCollateral, reserveQuote, feePPM int64) *Pool {
	return &Pool{
		ReserveCollateral: reserveCollateral,
		ReserveQuote:      reserveQuote,
		FeePPM:            feePPM,
	}
}

// Quote computes the output amount for a prospective swap without mutating
// reserves: out = reserveOut * in * (1-f) / (reserveIn + in * (1-f)).
func (p *Pool) Quote(side Side, amountIn int64) (int64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("non-positive swap input: %d", amountIn)
	}

	reserveIn, reserveOut := p.reserves(side)
	if reserveIn <= 0 || reserveOut <= 0 {
		return 0, fmt.Errorf("pool has empty reserves: collateral=%d quote=%d",
			p.ReserveCollateral, p.ReserveQuote)
	}

	inAfterFee := fixedpoint.ApplyRate(amountIn, fixedpoint.RatePPM-p.FeePPM)
	out := fixedpoint.MulDiv(reserveOut, inAfterFee, reserveIn+inAfterFee, fixedpoint.RoundDown)
	return out, nil
}

// Swap executes a swap, updating reserves atomically. The minimum-out guard
// is the caller's slippage bound; the constant-product check is a hard
// invariant and a violation panics upstream.
func (p *Pool) Swap(side Side, amountIn, minAmountOut int64) (int64, error) {
	out, err := p.Quote(side, amountIn)
	if err != nil {
		return 0, err
	}
	if out < minAmountOut {
		return 0, fmt.Errorf("swap output %d below minimum %d", out, minAmountOut)
	}

	kBefore := fixedpoint.MultiplyInt128(p.ReserveCollateral, p.ReserveQuote)

	reserveCollateral, reserveQuote := p.ReserveCollateral, p.ReserveQuote
	switch side {
	case SideCollateralIn:
		reserveCollateral += amountIn
		reserveQuote -= out
	case SideQuoteIn:
		reserveQuote += amountIn
		reserveCollateral -= out
	}

	kAfter := fixedpoint.MultiplyInt128(reserveCollateral, reserveQuote)
	if kAfter.Cmp(kBefore) < 0 {
		return 0, fmt.Errorf("constant-product violated: k_before=%s k_after=%s", kBefore, kAfter)
	}

	p.ReserveCollateral = reserveCollateral
	p.ReserveQuote = reserveQuote
	p.FeesAccrued += fixedpoint.ApplyRate(amountIn, p.FeePPM)
	return out, nil
}

// AddLiquidity grows both reserves.
func (p *Pool) AddLiquidity(collateralAmount, quoteAmount int64) error {
	if collateralAmount <= 0 || quoteAmount <= 0 {
		return fmt.Errorf("non-positive liquidity add: (%d, %d)", collateralAmount, quoteAmount)
	}
	p.ReserveCollateral += collateralAmount
	p.ReserveQuote += quoteAmount
	return nil
}

// RemoveLiquidity shrinks both reserves. Reserves must cover the removal.
func (p *Pool) RemoveLiquidity(collateralAmount, quoteAmount int64) error {
	if collateralAmount < 0 || quoteAmount < 0 {
		return fmt.Errorf("negative liquidity removal: (%d, %d)", collateralAmount, quoteAmount)
	}
	if p.ReserveCollateral < collateralAmount || p.ReserveQuote < quoteAmount {
		return fmt.Errorf("removal exceeds reserves: reserves=(%d, %d), remove=(%d, %d)",
			p.ReserveCollateral, p.ReserveQuote, collateralAmount, quoteAmount)
	}
	p.ReserveCollateral -= collateralAmount
	p.ReserveQuote -= quoteAmount
	return nil
}

// SpotPricePPM returns the marginal quote-per-collateral price implied by the
// reserves, price scale. Execution price differs from this by slippage.
func (p *Pool) SpotPricePPM() int64 {
	if p.ReserveCollateral == 0 {
		return 0
	}
	return fixedpoint.MulDiv(p.ReserveQuote, fixedpoint.PriceConfig.Scale, p.ReserveCollateral, fixedpoint.RoundHalfEven)
}

func (p *Pool) reserves(side Side) (reserveIn, reserveOut int64) {
	if side == SideCollateralIn {
		return p.ReserveCollateral, p.ReserveQuote
	}
	return p.ReserveQuote, p.ReserveCollateral
}
