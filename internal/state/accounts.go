package state

import (
	"github.com/google/uuid"
)

// AccountStatus tracks the lifecycle of a user's collateral/debt pair.
// Accounts are created on first deposit or borrow and logically closed
// (never physically destroyed) when both balances reach zero.
type AccountStatus int32

const (
	AccountStatusActive AccountStatus = iota
	AccountStatusClosed
)

func (s AccountStatus) String() string {
	switch s {
	case AccountStatusActive:
		return "active"
	case AccountStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Account is the registry record for a user. Balances live in the ledger;
// this record carries lifecycle state and the borrow-index snapshot that
// anchors lazy interest settlement.
type Account struct {
	UserID            uuid.UUID
	Status            AccountStatus
	DebtIndexSnapshot int64 // Global borrow index at last debt settlement
	LastUpdateMicros  int64
	LiquidationCount  int64
	Version           int64
}

// AccountRegistry manages account lifecycle records.
type AccountRegistry struct {
	accounts map[uuid.UUID]*Account
}

func NewAccountRegistry() *AccountRegistry {
	return &AccountRegistry{
		accounts: make(map[uuid.UUID]*Account),
	}
}

// Get returns the existing account or nil.
func (ar *AccountRegistry) Get(userID uuid.UUID) *Account {
	return ar.accounts[userID]
}

// GetOrCreate returns the existing account or creates a fresh active one.
// A closed account touched by a new deposit or borrow reopens.
func (ar *AccountRegistry) GetOrCreate(userID uuid.UUID, index int64, nowMicros int64) *Account {
	acct := ar.accounts[userID]
	if acct == nil {
		acct = &Account{
			UserID:            userID,
			Status:            AccountStatusActive,
			DebtIndexSnapshot: index,
			LastUpdateMicros:  nowMicros,
		}
		ar.accounts[userID] = acct
		return acct
	}

	if acct.Status == AccountStatusClosed {
		acct.Status = AccountStatusActive
		acct.DebtIndexSnapshot = index
		acct.Version++
	}
	return acct
}

// Touch updates the account's snapshot and timestamp after a settlement.
func (ar *AccountRegistry) Touch(acct *Account, index int64, nowMicros int64) {
	acct.DebtIndexSnapshot = index
	acct.LastUpdateMicros = nowMicros
	acct.Version++
}

// Close marks the account logically closed. The record is retained.
func (ar *AccountRegistry) Close(acct *Account, nowMicros int64) {
	acct.Status = AccountStatusClosed
	acct.LastUpdateMicros = nowMicros
	acct.Version++
}

// Set directly installs an account record (snapshot restore).
func (ar *AccountRegistry) Set(acct *Account) {
	ar.accounts[acct.UserID] = acct
}

// All returns every account record (snapshot creation, iteration).
func (ar *AccountRegistry) All() []*Account {
	result := make([]*Account, 0, len(ar.accounts))
	for _, acct := range ar.accounts {
		result = append(result, acct)
	}
	return result
}
