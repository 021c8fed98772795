package event

import "github.com/google/uuid"

// AssetBorrowed is emitted after a successful borrow. NewIndex and
// AccruedAtUnix are the borrow index the operation committed; the index
// advances even when no interest was settled, so the payload carries it for
// replay.
type AssetBorrowed struct {
	OperationID     uuid.UUID `json:"operation_id"`
	UserID          uuid.UUID `json:"user_id"`
	Amount          int64     `json:"amount"`
	InterestSettled int64     `json:"interest_settled"` // Accrued before the new principal
	NewDebt         int64     `json:"new_debt"`
	NewIndex        int64     `json:"new_index"`
	AccruedAtUnix   int64     `json:"accrued_at_unix"`
	OraclePrice     int64     `json:"oracle_price"`
	UtilizationPPM  int64     `json:"utilization_ppm"`
}

func (e *AssetBorrowed) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *AssetBorrowed) EventType() EventType {
	return EventTypeAssetBorrowed
}

// DebtRepaid is emitted after a successful repayment.
type DebtRepaid struct {
	OperationID     uuid.UUID `json:"operation_id"`
	UserID          uuid.UUID `json:"user_id"`
	Amount          int64     `json:"amount"` // Requested
	Applied         int64     `json:"applied"`
	Refunded        int64     `json:"refunded"`
	InterestSettled int64     `json:"interest_settled"`
	NewDebt         int64     `json:"new_debt"`
	NewIndex        int64     `json:"new_index"`
	AccruedAtUnix   int64     `json:"accrued_at_unix"`
	AccountClosed   bool      `json:"account_closed"`
}

func (e *DebtRepaid) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *DebtRepaid) EventType() EventType {
	return EventTypeDebtRepaid
}
