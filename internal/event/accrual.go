package event

import (
	"fmt"

	"github.com/google/uuid"
)

// InterestAccrued is emitted alongside any debt-touching operation that
// settled outstanding interest onto the borrower's ledger debt. It carries
// the global borrow index after the advance so replay restores the
// accumulator exactly.
type InterestAccrued struct {
	OperationID   uuid.UUID `json:"operation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Interest      int64     `json:"interest"`
	NewDebt       int64     `json:"new_debt"`
	NewIndex      int64     `json:"new_index"`
	AccruedAtUnix int64     `json:"accrued_at_unix"`
}

func (e *InterestAccrued) IdempotencyKey() string {
	return fmt.Sprintf("accrual:%s", e.OperationID)
}

func (e *InterestAccrued) EventType() EventType {
	return EventTypeInterestAccrued
}
