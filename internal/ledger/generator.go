package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for lending operations
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // Reference for pre-checks
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the next sequence the generator will assign.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence resets the sequence counter (snapshot restore).
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) addJournal(b *Batch, debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit creates journals for a collateral deposit.
// Moves funds: external:deposits → user:collateral, with the optional
// fee slice diverted to system:fees before the balance update.
func (jg *JournalGenerator) GenerateDeposit(
	userID uuid.UUID,
	eventRef string,
	netAmount int64,
	feeAmount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 2)

	jg.addJournal(batch,
		NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetCollateral),
		AssetCollateral, netAmount, JournalTypeDeposit)

	if feeAmount > 0 {
		jg.addJournal(batch,
			NewSystemAccountKey(SubTypeSystemFees, AssetCollateral),
			NewExternalAccountKey(SubTypeExternalDeposits, AssetCollateral),
			AssetCollateral, feeAmount, JournalTypeDepositFee)
	}

	jg.sequence++
	return batch, nil
}

// GenerateBorrow creates journals for a borrow.
// Two legs: the pool disburses quote tokens to the user's external wallet,
// and a receivable is recognized against the user.
// Pre-check: the lending pool must hold the liquidity.
func (jg *JournalGenerator) GenerateBorrow(
	userID uuid.UUID,
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientLiquidity(amount); err != nil {
		return nil, fmt.Errorf("borrow pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 2)

	// Cash leaves the pool
	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetQuote),
		NewSystemAccountKey(SubTypeSystemLendingPool, AssetQuote),
		AssetQuote, amount, JournalTypeBorrowPayout)

	// Receivable recognized
	jg.addJournal(batch,
		NewUserAccountKey(userID, SubTypeDebt, AssetQuote),
		NewSystemAccountKey(SubTypeSystemLoans, AssetQuote),
		AssetQuote, amount, JournalTypeBorrowPrincipal)

	jg.sequence++
	return batch, nil
}

// GenerateInterestAccrual settles accrued interest onto the user's debt.
// The offset account is system:interest_earned so revenue is auditable
// separately from principal.
func (jg *JournalGenerator) GenerateInterestAccrual(
	userID uuid.UUID,
	eventRef string,
	interest int64,
	timestamp int64,
) (*Batch, error) {
	if interest <= 0 {
		return nil, fmt.Errorf("non-positive interest accrual: %d", interest)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.addJournal(batch,
		NewUserAccountKey(userID, SubTypeDebt, AssetQuote),
		NewSystemAccountKey(SubTypeSystemInterest, AssetQuote),
		AssetQuote, interest, JournalTypeInterestAccrual)

	jg.sequence++
	return batch, nil
}

// GenerateRepay creates journals for a repayment.
// appliedAmount extinguishes debt; any excess lands in the user's
// in-protocol wallet rather than being swallowed by the pool.
func (jg *JournalGenerator) GenerateRepay(
	userID uuid.UUID,
	eventRef string,
	appliedAmount int64,
	refundAmount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 3)

	// Cash enters the pool
	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemLendingPool, AssetQuote),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetQuote),
		AssetQuote, appliedAmount, JournalTypeRepayCash)

	// Receivable extinguished
	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemLoans, AssetQuote),
		NewUserAccountKey(userID, SubTypeDebt, AssetQuote),
		AssetQuote, appliedAmount, JournalTypeRepayPrincipal)

	if refundAmount > 0 {
		jg.addJournal(batch,
			NewUserAccountKey(userID, SubTypeWallet, AssetQuote),
			NewExternalAccountKey(SubTypeExternalDeposits, AssetQuote),
			AssetQuote, refundAmount, JournalTypeRepayRefund)
	}

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal creates journals for a collateral withdrawal.
// Pre-check: user must hold at least the withdrawn amount.
func (jg *JournalGenerator) GenerateWithdrawal(
	userID uuid.UUID,
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientCollateral(userID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetCollateral),
		NewUserAccountKey(userID, SubTypeCollateral, AssetCollateral),
		AssetCollateral, amount, JournalTypeWithdrawal)

	jg.sequence++
	return batch, nil
}

// GenerateWalletWithdrawal pays out a user's in-protocol quote balance.
// Pre-check: the wallet must cover the amount.
func (jg *JournalGenerator) GenerateWalletWithdrawal(
	userID uuid.UUID,
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if wallet := jg.balanceTracker.GetUserWallet(userID); wallet < amount {
		return nil, fmt.Errorf("wallet withdrawal pre-check failed: have=%d, need=%d", wallet, amount)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetQuote),
		NewUserAccountKey(userID, SubTypeWallet, AssetQuote),
		AssetQuote, amount, JournalTypeWalletWithdrawal)

	jg.sequence++
	return batch, nil
}

// GenerateLiquidation creates the full journal batch for one liquidation.
// Legs: liquidator's repay cash enters the pool, the borrower's receivable
// shrinks, bonus-adjusted collateral is seized, and the seized collateral is
// either swapped through the AMM (swapOut quote tokens paid to the
// liquidator) or handed to the liquidator directly.
// All legs commit together or not at all.
func (jg *JournalGenerator) GenerateLiquidation(
	borrowerID uuid.UUID,
	eventRef string,
	repayAmount int64,
	seizedCollateral int64,
	swapOut int64, // 0 when collateral is transferred directly
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientCollateral(borrowerID, seizedCollateral); err != nil {
		return nil, fmt.Errorf("liquidation pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 4)

	// Liquidator funds the repayment
	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemLendingPool, AssetQuote),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetQuote),
		AssetQuote, repayAmount, JournalTypeLiquidationRepay)

	// Borrower's receivable shrinks
	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemLoans, AssetQuote),
		NewUserAccountKey(borrowerID, SubTypeDebt, AssetQuote),
		AssetQuote, repayAmount, JournalTypeLiquidationExtinguish)

	if swapOut > 0 {
		// Seized collateral enters the AMM reserve
		jg.addJournal(batch,
			NewSystemAccountKey(SubTypeSystemAmmCollateral, AssetCollateral),
			NewUserAccountKey(borrowerID, SubTypeCollateral, AssetCollateral),
			AssetCollateral, seizedCollateral, JournalTypeLiquidationSeize)

		// AMM pays the liquidator in quote tokens
		jg.addJournal(batch,
			NewExternalAccountKey(SubTypeExternalWithdrawals, AssetQuote),
			NewSystemAccountKey(SubTypeSystemAmmQuote, AssetQuote),
			AssetQuote, swapOut, JournalTypeLiquidationPayout)
	} else {
		// Direct transfer policy: liquidator receives the collateral itself
		jg.addJournal(batch,
			NewExternalAccountKey(SubTypeExternalWithdrawals, AssetCollateral),
			NewUserAccountKey(borrowerID, SubTypeCollateral, AssetCollateral),
			AssetCollateral, seizedCollateral, JournalTypeLiquidationSeize)
	}

	jg.sequence++
	return batch, nil
}

// GeneratePoolFunding seeds the lending pool with quote liquidity.
func (jg *JournalGenerator) GeneratePoolFunding(
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemLendingPool, AssetQuote),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetQuote),
		AssetQuote, amount, JournalTypePoolFunding)

	jg.sequence++
	return batch, nil
}

// GenerateAmmLiquidityAdd seeds or grows the AMM reserves.
func (jg *JournalGenerator) GenerateAmmLiquidityAdd(
	eventRef string,
	collateralAmount int64,
	quoteAmount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 2)

	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemAmmCollateral, AssetCollateral),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetCollateral),
		AssetCollateral, collateralAmount, JournalTypeAmmLiquidityAdd)

	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeSystemAmmQuote, AssetQuote),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetQuote),
		AssetQuote, quoteAmount, JournalTypeAmmLiquidityAdd)

	jg.sequence++
	return batch, nil
}

// GenerateAmmLiquidityRemove drains AMM reserves back to the provider.
// Pre-check: reserves must cover the removal.
func (jg *JournalGenerator) GenerateAmmLiquidityRemove(
	eventRef string,
	collateralAmount int64,
	quoteAmount int64,
	timestamp int64,
) (*Batch, error) {
	reserveCollateral, reserveQuote := jg.balanceTracker.GetAmmReserves()
	if reserveCollateral < collateralAmount || reserveQuote < quoteAmount {
		return nil, fmt.Errorf("amm liquidity pre-check failed: reserves=(%d,%d), remove=(%d,%d)",
			reserveCollateral, reserveQuote, collateralAmount, quoteAmount)
	}

	batch := jg.newBatch(eventRef, timestamp, 2)

	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetCollateral),
		NewSystemAccountKey(SubTypeSystemAmmCollateral, AssetCollateral),
		AssetCollateral, collateralAmount, JournalTypeAmmLiquidityRemove)

	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetQuote),
		NewSystemAccountKey(SubTypeSystemAmmQuote, AssetQuote),
		AssetQuote, quoteAmount, JournalTypeAmmLiquidityRemove)

	jg.sequence++
	return batch, nil
}
