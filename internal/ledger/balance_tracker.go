package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === User Balance Queries ===

// GetUserCollateral returns posted collateral for a user
func (bt *BalanceTracker) GetUserCollateral(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral))
}

// GetUserDebt returns outstanding debt (principal plus settled interest)
func (bt *BalanceTracker) GetUserDebt(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeDebt, AssetQuote))
}

// GetUserWallet returns the user's in-protocol quote balance (repay refunds)
func (bt *BalanceTracker) GetUserWallet(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeWallet, AssetQuote))
}

// === System Balance Queries ===

// GetPoolLiquidity returns the quote tokens the lending pool can disburse
func (bt *BalanceTracker) GetPoolLiquidity() int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemLendingPool, AssetQuote))
}

// GetAmmReserves returns the AMM's (collateral, quote) reserves
func (bt *BalanceTracker) GetAmmReserves() (int64, int64) {
	collateral := bt.GetBalance(NewSystemAccountKey(SubTypeSystemAmmCollateral, AssetCollateral))
	quote := bt.GetBalance(NewSystemAccountKey(SubTypeSystemAmmQuote, AssetQuote))
	return collateral, quote
}

// GetFeeBalance returns accumulated protocol fees for an asset
func (bt *BalanceTracker) GetFeeBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemFees, assetID))
}

// === Aggregates ===

// SumUserBalances totals a user sub-type across all users.
// Used to reconcile ProtocolStats after every mutation.
func (bt *BalanceTracker) SumUserBalances(subType AccountSubType, assetID AssetID) int64 {
	var total int64
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.SubType == subType && key.AssetID == assetID {
			total += balance
		}
	}
	return total
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// === Invariant Checks ===

// ValidateSufficientCollateral checks the user holds at least required collateral
func (bt *BalanceTracker) ValidateSufficientCollateral(userID uuid.UUID, required int64) error {
	collateral := bt.GetUserCollateral(userID)
	if collateral < required {
		return fmt.Errorf("insufficient collateral: have=%d, need=%d", collateral, required)
	}
	return nil
}

// ValidateSufficientLiquidity checks the lending pool can disburse the amount
func (bt *BalanceTracker) ValidateSufficientLiquidity(required int64) error {
	liquidity := bt.GetPoolLiquidity()
	if liquidity < required {
		return fmt.Errorf("insufficient pool liquidity: have=%d, need=%d", liquidity, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances from a snapshot (for recovery)
func (bt *BalanceTracker) Restore(snapshot map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(snapshot))
	for k, v := range snapshot {
		bt.balances[k] = v
	}
}
