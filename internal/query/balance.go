package query

import (
	"github.com/google/uuid"
)

// BalanceResponse is a user's ledger balances for API queries.
// Debt here is the journaled principal; interest-settled debt as of now is
// served by the engine's live account view.
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`

	Collateral int64 `json:"collateral"` // collateral units
	Debt       int64 `json:"debt"`       // quote units, principal
	Wallet     int64 `json:"wallet"`     // quote units (borrow payouts, refunds)

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last projected event sequence
}

// ProtocolBalances aggregates the system accounts.
type ProtocolBalances struct {
	PoolLiquidity        int64 `json:"pool_liquidity"`
	LoansOutstanding     int64 `json:"loans_outstanding"`
	InterestEarned       int64 `json:"interest_earned"`
	FeesCollected        int64 `json:"fees_collected"`
	AmmReserveCollateral int64 `json:"amm_reserve_collateral"`
	AmmReserveQuote      int64 `json:"amm_reserve_quote"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
