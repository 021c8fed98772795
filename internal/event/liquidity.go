package event

import "github.com/google/uuid"

// PoolFunded is emitted after an admin seeds the lending pool.
type PoolFunded struct {
	OperationID  uuid.UUID `json:"operation_id"`
	CallerID     uuid.UUID `json:"caller_id"`
	Amount       int64     `json:"amount"`
	NewLiquidity int64     `json:"new_liquidity"`
}

func (e *PoolFunded) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *PoolFunded) EventType() EventType {
	return EventTypePoolFunded
}

// AmmLiquidityChanged is emitted after an admin grows or shrinks the AMM
// reserves. Deltas are negative for removals.
type AmmLiquidityChanged struct {
	OperationID       uuid.UUID `json:"operation_id"`
	CallerID          uuid.UUID `json:"caller_id"`
	CollateralDelta   int64     `json:"collateral_delta"`
	QuoteDelta        int64     `json:"quote_delta"`
	ReserveCollateral int64     `json:"reserve_collateral"`
	ReserveQuote      int64     `json:"reserve_quote"`
}

func (e *AmmLiquidityChanged) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *AmmLiquidityChanged) EventType() EventType {
	return EventTypeAmmLiquidityChanged
}
