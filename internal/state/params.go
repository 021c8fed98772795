package state

import (
	"fmt"

	"github.com/google/uuid"
)

// GlobalState holds process-wide protocol configuration. Single instance per
// deployment; mutated only by authorized admin operations, never by user
// transactions.
type GlobalState struct {
	Admin  uuid.UUID
	Paused bool

	// Risk parameters (decimal_precision=6, scale=1_000_000)
	CollateralFactorPPM     int64 // Max loan-to-value at borrow time
	LiquidationThresholdPPM int64 // LTV above which liquidation is permitted
	LiquidationBonusPPM     int64 // Discount awarded to the liquidator
	CloseFactorPPM          int64 // Max fraction of debt repayable per liquidation
	DepositFeePPM           int64 // Fee applied before the balance update on deposit
	AmmFeePPM               int64 // Constant-product swap fee

	// Liquidation routing: swap seized collateral through the AMM when true,
	// transfer it to the liquidator directly when false.
	SwapOnLiquidation bool

	// Oracle policy
	OracleStalenessSec  int64 // Max feed age before StalePrice
	OracleDivergencePPM int64 // Max relative feed disagreement before PriceDivergence

	// Interest model (kinked utilization curve)
	Interest InterestParams

	Version int64 // Bumped on every param update
}

// InterestParams defines the utilization-driven borrow rate curve:
// rate = base + slope1 * min(u, kink) + slope2 * max(u - kink, 0).
// All values are ppm; rates are annualized.
type InterestParams struct {
	BaseRatePPM int64
	Slope1PPM   int64
	Slope2PPM   int64
	KinkPPM     int64
}

// DefaultGlobalState returns the deployment defaults. The admin identity is
// set at initialization and can only be rotated by the current admin.
func DefaultGlobalState(admin uuid.UUID) *GlobalState {
	return &GlobalState{
		Admin:                   admin,
		Paused:                  false,
		CollateralFactorPPM:     500_000, // 50%
		LiquidationThresholdPPM: 800_000, // 80%
		LiquidationBonusPPM:     50_000,  // 5%
		CloseFactorPPM:          500_000, // 50%
		DepositFeePPM:           0,
		AmmFeePPM:               3_000, // 0.3%
		SwapOnLiquidation:       true,
		OracleStalenessSec:      60,
		OracleDivergencePPM:     20_000, // 2%
		Interest: InterestParams{
			BaseRatePPM: 50_000,  // 5% floor
			Slope1PPM:   0,       // flat below the kink
			Slope2PPM:   250_000, // steep above it
			KinkPPM:     800_000, // 80% utilization
		},
	}
}

// ParamUpdate carries the mutable subset of GlobalState for admin updates.
// NewAdmin rotates the admin identity when set; uuid.Nil keeps the current
// one.
type ParamUpdate struct {
	NewAdmin                uuid.UUID
	CollateralFactorPPM     int64
	LiquidationThresholdPPM int64
	LiquidationBonusPPM     int64
	CloseFactorPPM          int64
	DepositFeePPM           int64
	AmmFeePPM               int64
	SwapOnLiquidation       bool
	OracleStalenessSec      int64
	OracleDivergencePPM     int64
	Interest                InterestParams
}

// ValidateParamUpdate checks parameter ranges:
// 0 < collateral_factor < liquidation_threshold <= 1.0, bonus and fees below
// 100%, oracle tolerances positive.
func ValidateParamUpdate(p *ParamUpdate) error {
	if p.CollateralFactorPPM <= 0 {
		return fmt.Errorf("collateral_factor must be > 0, got %d", p.CollateralFactorPPM)
	}
	if p.LiquidationThresholdPPM <= p.CollateralFactorPPM {
		return fmt.Errorf("liquidation_threshold (%d) must be > collateral_factor (%d)",
			p.LiquidationThresholdPPM, p.CollateralFactorPPM)
	}
	if p.LiquidationThresholdPPM > 1_000_000 {
		return fmt.Errorf("liquidation_threshold must be <= 1_000_000, got %d", p.LiquidationThresholdPPM)
	}
	if p.LiquidationBonusPPM < 0 || p.LiquidationBonusPPM >= 1_000_000 {
		return fmt.Errorf("liquidation_bonus out of range: %d", p.LiquidationBonusPPM)
	}
	if p.CloseFactorPPM <= 0 || p.CloseFactorPPM > 1_000_000 {
		return fmt.Errorf("close_factor out of range: %d", p.CloseFactorPPM)
	}
	if p.DepositFeePPM < 0 || p.DepositFeePPM >= 1_000_000 {
		return fmt.Errorf("deposit_fee out of range: %d", p.DepositFeePPM)
	}
	if p.AmmFeePPM < 0 || p.AmmFeePPM >= 1_000_000 {
		return fmt.Errorf("amm_fee out of range: %d", p.AmmFeePPM)
	}
	if p.OracleStalenessSec <= 0 {
		return fmt.Errorf("oracle_staleness must be > 0, got %d", p.OracleStalenessSec)
	}
	if p.OracleDivergencePPM <= 0 {
		return fmt.Errorf("oracle_divergence must be > 0, got %d", p.OracleDivergencePPM)
	}
	if p.Interest.BaseRatePPM < 0 || p.Interest.Slope1PPM < 0 || p.Interest.Slope2PPM < 0 {
		return fmt.Errorf("interest rates must be >= 0")
	}
	if p.Interest.KinkPPM <= 0 || p.Interest.KinkPPM > 1_000_000 {
		return fmt.Errorf("interest kink out of range: %d", p.Interest.KinkPPM)
	}
	return nil
}

// Apply overwrites the mutable parameters and bumps the version.
// Caller must have validated the update and authorized the caller identity.
func (gs *GlobalState) Apply(p *ParamUpdate) {
	if p.NewAdmin != uuid.Nil {
		gs.Admin = p.NewAdmin
	}
	gs.CollateralFactorPPM = p.CollateralFactorPPM
	gs.LiquidationThresholdPPM = p.LiquidationThresholdPPM
	gs.LiquidationBonusPPM = p.LiquidationBonusPPM
	gs.CloseFactorPPM = p.CloseFactorPPM
	gs.DepositFeePPM = p.DepositFeePPM
	gs.AmmFeePPM = p.AmmFeePPM
	gs.SwapOnLiquidation = p.SwapOnLiquidation
	gs.OracleStalenessSec = p.OracleStalenessSec
	gs.OracleDivergencePPM = p.OracleDivergencePPM
	gs.Interest = p.Interest
	gs.Version++
}

// IsAdmin reports whether the caller may perform admin operations.
func (gs *GlobalState) IsAdmin(caller uuid.UUID) bool {
	return caller == gs.Admin
}
