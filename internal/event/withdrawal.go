package event

import "github.com/google/uuid"

// CollateralWithdrawn is emitted after a successful collateral withdrawal.
type CollateralWithdrawn struct {
	OperationID   uuid.UUID `json:"operation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Amount        int64     `json:"amount"`
	NewCollateral int64     `json:"new_collateral"`
	NewIndex      int64     `json:"new_index"`
	AccruedAtUnix int64     `json:"accrued_at_unix"`
	AccountClosed bool      `json:"account_closed"`
}

func (e *CollateralWithdrawn) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *CollateralWithdrawn) EventType() EventType {
	return EventTypeCollateralWithdrawn
}

// WalletWithdrawn is emitted when a user drains their in-protocol quote
// balance (repay refunds) back across the external boundary.
type WalletWithdrawn struct {
	OperationID      uuid.UUID `json:"operation_id"`
	UserID           uuid.UUID `json:"user_id"`
	Amount           int64     `json:"amount"`
	NewWalletBalance int64     `json:"new_wallet_balance"`
	AccountClosed    bool      `json:"account_closed"`
}

func (e *WalletWithdrawn) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *WalletWithdrawn) EventType() EventType {
	return EventTypeWalletWithdrawn
}
