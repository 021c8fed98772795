package event

import "github.com/google/uuid"

// PositionLiquidated is emitted after a successful liquidation.
type PositionLiquidated struct {
	OperationID      uuid.UUID `json:"operation_id"`
	LiquidatorID     uuid.UUID `json:"liquidator_id"`
	BorrowerID       uuid.UUID `json:"borrower_id"`
	RepaidAmount     int64     `json:"repaid_amount"`
	SeizedCollateral int64     `json:"seized_collateral"`
	SwapOutput       int64     `json:"swap_output"` // 0 on the direct-transfer path
	HealthFactorPPM  int64     `json:"health_factor_ppm"`
	OraclePrice      int64     `json:"oracle_price"`
	RemainingDebt    int64     `json:"remaining_debt"`
	NewIndex         int64     `json:"new_index"`
	AccruedAtUnix    int64     `json:"accrued_at_unix"`
	AccountClosed    bool      `json:"account_closed"`
}

func (e *PositionLiquidated) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}
