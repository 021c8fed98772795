package core

import (
	"github.com/google/uuid"

	"LendLedger/internal/state"
)

// AccountView is a read-only account projection served straight from the
// engine. Debt is interest-settled as of now without mutating anything.
type AccountView struct {
	UserID            uuid.UUID `json:"user_id"`
	Status            string    `json:"status"`
	Collateral        int64     `json:"collateral"`
	Debt              int64     `json:"debt"`
	Wallet            int64     `json:"wallet"`
	DebtIndexSnapshot int64     `json:"debt_index_snapshot"`
	LiquidationCount  int64     `json:"liquidation_count"`
	LastUpdateMicros  int64     `json:"last_update_micros"`
}

// StatsView is a read-only protocol-wide snapshot.
type StatsView struct {
	TotalCollateral      int64 `json:"total_collateral"`
	TotalDebt            int64 `json:"total_debt"`
	PoolLiquidity        int64 `json:"pool_liquidity"`
	UtilizationPPM       int64 `json:"utilization_ppm"`
	BorrowRatePPM        int64 `json:"borrow_rate_ppm"`
	InterestIndex        int64 `json:"interest_index"`
	TotalLiquidations    int64 `json:"total_liquidations"`
	AmmReserveCollateral int64 `json:"amm_reserve_collateral"`
	AmmReserveQuote      int64 `json:"amm_reserve_quote"`
	AmmSpotPricePPM      int64 `json:"amm_spot_price_ppm"`
	Sequence             int64 `json:"sequence"`
}

// GetAccount returns the live view of one account, false if it never existed.
func (e *LendingEngine) GetAccount(userID uuid.UUID) (AccountView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct := e.registry.Get(userID)
	if acct == nil {
		return AccountView{}, false
	}

	_, _, accrued, _ := e.previewAccrual(acct, userID, e.clock().Unix())

	return AccountView{
		UserID:            acct.UserID,
		Status:            acct.Status.String(),
		Collateral:        e.balances.GetUserCollateral(userID),
		Debt:              accrued,
		Wallet:            e.balances.GetUserWallet(userID),
		DebtIndexSnapshot: acct.DebtIndexSnapshot,
		LiquidationCount:  acct.LiquidationCount,
		LastUpdateMicros:  acct.LastUpdateMicros,
	}, true
}

// GetStats returns the live protocol-wide view.
func (e *LendingEngine) GetStats() StatsView {
	e.mu.Lock()
	defer e.mu.Unlock()

	liquidity := e.balances.GetPoolLiquidity()
	utilization := e.stats.UtilizationPPM(liquidity)

	return StatsView{
		TotalCollateral:      e.stats.TotalCollateral,
		TotalDebt:            e.stats.TotalDebt,
		PoolLiquidity:        liquidity,
		UtilizationPPM:       utilization,
		BorrowRatePPM:        state.BorrowRatePPM(e.global.Interest, utilization),
		InterestIndex:        e.interest.Index(),
		TotalLiquidations:    e.stats.TotalLiquidations,
		AmmReserveCollateral: e.pool.ReserveCollateral,
		AmmReserveQuote:      e.pool.ReserveQuote,
		AmmSpotPricePPM:      e.pool.SpotPricePPM(),
		Sequence:             e.sequence,
	}
}

// GetParams returns a copy of the current protocol configuration.
func (e *LendingEngine) GetParams() state.GlobalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.global
}
