package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateUserCollateralNonNegative checks user collateral >= 0
func (v *InvariantValidator) ValidateUserCollateralNonNegative(userID uuid.UUID) error {
	key := NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateUserDebtNonNegative checks user debt >= 0 (over-repay must refund, not flip sign)
func (v *InvariantValidator) ValidateUserDebtNonNegative(userID uuid.UUID) error {
	key := NewUserAccountKey(userID, SubTypeDebt, AssetQuote)
	return v.tracker.ValidateNonNegative(key)
}

// ValidatePoolLiquidityNonNegative checks the lending pool never disburses more than it holds
func (v *InvariantValidator) ValidatePoolLiquidityNonNegative() error {
	key := NewSystemAccountKey(SubTypeSystemLendingPool, AssetQuote)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateAmmReservesNonNegative checks both AMM reserves
func (v *InvariantValidator) ValidateAmmReservesNonNegative() error {
	if err := v.tracker.ValidateNonNegative(NewSystemAccountKey(SubTypeSystemAmmCollateral, AssetCollateral)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewSystemAccountKey(SubTypeSystemAmmQuote, AssetQuote))
}

// ValidateStatsReconcile verifies aggregate counters equal the sum of live
// per-account balances. Aggregates are reconciled on every mutation, never
// derived lazily, so any mismatch is a ledger defect.
func (v *InvariantValidator) ValidateStatsReconcile(totalCollateral, totalDebt int64) error {
	sumCollateral := v.tracker.SumUserBalances(SubTypeCollateral, AssetCollateral)
	if sumCollateral != totalCollateral {
		return fmt.Errorf("total_collateral drift: stats=%d, ledger=%d", totalCollateral, sumCollateral)
	}

	sumDebt := v.tracker.SumUserBalances(SubTypeDebt, AssetQuote)
	if sumDebt != totalDebt {
		return fmt.Errorf("total_debt drift: stats=%d, ledger=%d", totalDebt, sumDebt)
	}

	return nil
}
