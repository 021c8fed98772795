package event

import "github.com/google/uuid"

// CollateralDeposited is emitted after a successful collateral deposit.
type CollateralDeposited struct {
	OperationID   uuid.UUID `json:"operation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Amount        int64     `json:"amount"` // Gross, fixed-point
	FeeAmount     int64     `json:"fee_amount"`
	NewCollateral int64     `json:"new_collateral"`
}

func (e *CollateralDeposited) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *CollateralDeposited) EventType() EventType {
	return EventTypeCollateralDeposited
}
