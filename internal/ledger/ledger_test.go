package ledger_test

import (
	"LendLedger/internal/ledger"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, ledger.AssetCollateral)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral:LST"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeSystemLendingPool, ledger.AssetQuote)

	path := key.AccountPath()
	if path != "system:lending_pool:USD" {
		t.Errorf("got %q, want %q", path, "system:lending_pool:USD")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetCollateral)

	path := key.AccountPath()
	if path != "external:deposits:LST" {
		t.Errorf("got %q, want %q", path, "external:deposits:LST")
	}
}

func TestGetAssetID_Known(t *testing.T) {
	id, ok := ledger.GetAssetID("LST")
	if !ok {
		t.Fatal("LST should be a known asset")
	}
	if id != ledger.AssetCollateral {
		t.Errorf("LST asset ID: got %d, want %d", id, ledger.AssetCollateral)
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	if balance := bt.GetUserCollateral(userID); balance != 0 {
		t.Errorf("initial collateral should be 0, got %d", balance)
	}
	if debt := bt.GetUserDebt(userID); debt != 0 {
		t.Errorf("initial debt should be 0, got %d", debt)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	// Simulate deposit: debit user:collateral, credit external:deposits
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, ledger.AssetCollateral),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetCollateral),
		AssetID:       ledger.AssetCollateral,
		Amount:        1_000_000,
	}

	bt.ApplyJournal(j)

	if collateral := bt.GetUserCollateral(userID); collateral != 1_000_000 {
		t.Errorf("collateral: got %d, want 1_000_000", collateral)
	}
}

func TestBalanceTracker_ZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	userID := uuid.New()

	batch, err := gen.GenerateDeposit(userID, "dep-1", 990_000, 10_000, 1000)
	if err != nil {
		t.Fatalf("GenerateDeposit: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	totals := bt.ComputeGlobalBalance()
	for asset, total := range totals {
		if total != 0 {
			t.Errorf("asset %d global balance non-zero: %d", asset, total)
		}
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_Validate_Empty(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatch_Validate_NonPositiveAmount(t *testing.T) {
	batchID := uuid.New()
	userID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, ledger.AssetCollateral),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetCollateral),
				AssetID:       ledger.AssetCollateral,
				Amount:        0,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero-amount journal should fail validation")
	}
}

func TestBatch_Validate_SelfTransfer(t *testing.T) {
	batchID := uuid.New()
	userID := uuid.New()
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, ledger.AssetCollateral)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  key,
				CreditAccount: key,
				AssetID:       ledger.AssetCollateral,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatch_Validate_CrossAsset(t *testing.T) {
	batchID := uuid.New()
	userID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, ledger.AssetCollateral),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetQuote),
				AssetID:       ledger.AssetCollateral,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_Deposit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	userID := uuid.New()

	batch, err := gen.GenerateDeposit(userID, "dep-1", 950_000, 50_000, 1000)
	if err != nil {
		t.Fatalf("GenerateDeposit: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals (deposit + fee), got %d", len(batch.Journals))
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := bt.GetUserCollateral(userID); got != 950_000 {
		t.Errorf("collateral: got %d, want 950_000", got)
	}
	if got := bt.GetFeeBalance(ledger.AssetCollateral); got != 50_000 {
		t.Errorf("fees: got %d, want 50_000", got)
	}
}

func TestGenerator_Deposit_NoFee(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)

	batch, err := gen.GenerateDeposit(uuid.New(), "dep-2", 1_000_000, 0, 1000)
	if err != nil {
		t.Fatalf("GenerateDeposit: %v", err)
	}
	if len(batch.Journals) != 1 {
		t.Errorf("expected 1 journal when fee is zero, got %d", len(batch.Journals))
	}
}

func TestGenerator_Borrow_RequiresLiquidity(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)

	// Empty pool: borrow must fail the pre-check
	if _, err := gen.GenerateBorrow(uuid.New(), "bor-1", 100_000, 1000); err == nil {
		t.Error("borrow against empty pool should fail pre-check")
	}
}

func TestGenerator_BorrowAndRepay(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	userID := uuid.New()

	fund, err := gen.GeneratePoolFunding("fund-1", 10_000_000, 1000)
	if err != nil {
		t.Fatalf("GeneratePoolFunding: %v", err)
	}
	if err := bt.ApplyBatch(fund); err != nil {
		t.Fatalf("apply funding: %v", err)
	}

	borrow, err := gen.GenerateBorrow(userID, "bor-1", 4_000_000, 1001)
	if err != nil {
		t.Fatalf("GenerateBorrow: %v", err)
	}
	if err := bt.ApplyBatch(borrow); err != nil {
		t.Fatalf("apply borrow: %v", err)
	}

	if debt := bt.GetUserDebt(userID); debt != 4_000_000 {
		t.Errorf("debt after borrow: got %d, want 4_000_000", debt)
	}
	if liq := bt.GetPoolLiquidity(); liq != 6_000_000 {
		t.Errorf("pool liquidity after borrow: got %d, want 6_000_000", liq)
	}

	// Over-repay: applied portion clears the debt, excess refunds to wallet
	repay, err := gen.GenerateRepay(userID, "rep-1", 4_000_000, 500_000, 1002)
	if err != nil {
		t.Fatalf("GenerateRepay: %v", err)
	}
	if err := bt.ApplyBatch(repay); err != nil {
		t.Fatalf("apply repay: %v", err)
	}

	if debt := bt.GetUserDebt(userID); debt != 0 {
		t.Errorf("debt after full repay: got %d, want 0", debt)
	}
	if wallet := bt.GetUserWallet(userID); wallet != 500_000 {
		t.Errorf("wallet refund: got %d, want 500_000", wallet)
	}
	if liq := bt.GetPoolLiquidity(); liq != 10_000_000 {
		t.Errorf("pool liquidity after repay: got %d, want 10_000_000", liq)
	}
}

func TestGenerator_InterestAccrual(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	userID := uuid.New()

	batch, err := gen.GenerateInterestAccrual(userID, "acc-1", 25_000, 1000)
	if err != nil {
		t.Fatalf("GenerateInterestAccrual: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if debt := bt.GetUserDebt(userID); debt != 25_000 {
		t.Errorf("debt after accrual: got %d, want 25_000", debt)
	}
}

func TestGenerator_InterestAccrual_RejectsNonPositive(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)

	if _, err := gen.GenerateInterestAccrual(uuid.New(), "acc-2", 0, 1000); err == nil {
		t.Error("zero interest accrual should be rejected")
	}
}

func TestGenerator_Withdrawal_RequiresCollateral(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)

	if _, err := gen.GenerateWithdrawal(uuid.New(), "wd-1", 100, 1000); err == nil {
		t.Error("withdrawal without collateral should fail pre-check")
	}
}

func TestGenerator_Liquidation_SwapPath(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	borrowerID := uuid.New()

	// Seed: borrower collateral, pool loan, AMM reserves
	dep, _ := gen.GenerateDeposit(borrowerID, "dep-1", 10_000_000, 0, 1000)
	if err := bt.ApplyBatch(dep); err != nil {
		t.Fatal(err)
	}
	fund, _ := gen.GeneratePoolFunding("fund-1", 20_000_000, 1000)
	if err := bt.ApplyBatch(fund); err != nil {
		t.Fatal(err)
	}
	borrow, _ := gen.GenerateBorrow(borrowerID, "bor-1", 8_000_000, 1001)
	if err := bt.ApplyBatch(borrow); err != nil {
		t.Fatal(err)
	}
	seed, _ := gen.GenerateAmmLiquidityAdd("amm-1", 50_000_000, 50_000_000, 1002)
	if err := bt.ApplyBatch(seed); err != nil {
		t.Fatal(err)
	}

	liq, err := gen.GenerateLiquidation(borrowerID, "liq-1", 4_000_000, 4_200_000, 4_150_000, 1003)
	if err != nil {
		t.Fatalf("GenerateLiquidation: %v", err)
	}
	if len(liq.Journals) != 4 {
		t.Fatalf("expected 4 journals on swap path, got %d", len(liq.Journals))
	}
	if err := bt.ApplyBatch(liq); err != nil {
		t.Fatalf("apply liquidation: %v", err)
	}

	if debt := bt.GetUserDebt(borrowerID); debt != 4_000_000 {
		t.Errorf("debt after liquidation: got %d, want 4_000_000", debt)
	}
	if col := bt.GetUserCollateral(borrowerID); col != 5_800_000 {
		t.Errorf("collateral after seizure: got %d, want 5_800_000", col)
	}

	reserveC, reserveQ := bt.GetAmmReserves()
	if reserveC != 54_200_000 {
		t.Errorf("amm collateral reserve: got %d, want 54_200_000", reserveC)
	}
	if reserveQ != 45_850_000 {
		t.Errorf("amm quote reserve: got %d, want 45_850_000", reserveQ)
	}

	validator := ledger.NewInvariantValidator(bt)
	if err := validator.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated after liquidation: %v", err)
	}
}

func TestGenerator_Liquidation_DirectPath(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	borrowerID := uuid.New()

	dep, _ := gen.GenerateDeposit(borrowerID, "dep-1", 10_000_000, 0, 1000)
	if err := bt.ApplyBatch(dep); err != nil {
		t.Fatal(err)
	}

	liq, err := gen.GenerateLiquidation(borrowerID, "liq-1", 1_000_000, 1_050_000, 0, 1001)
	if err != nil {
		t.Fatalf("GenerateLiquidation: %v", err)
	}
	if len(liq.Journals) != 3 {
		t.Fatalf("expected 3 journals on direct path, got %d", len(liq.Journals))
	}
	if err := bt.ApplyBatch(liq); err != nil {
		t.Fatalf("apply liquidation: %v", err)
	}

	if col := bt.GetUserCollateral(borrowerID); col != 8_950_000 {
		t.Errorf("collateral after direct seizure: got %d, want 8_950_000", col)
	}
}

func TestGenerator_Liquidation_SeizeExceedsCollateral(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	borrowerID := uuid.New()

	dep, _ := gen.GenerateDeposit(borrowerID, "dep-1", 1_000_000, 0, 1000)
	if err := bt.ApplyBatch(dep); err != nil {
		t.Fatal(err)
	}

	if _, err := gen.GenerateLiquidation(borrowerID, "liq-1", 500_000, 2_000_000, 0, 1001); err == nil {
		t.Error("seizing more than posted collateral should fail pre-check")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestValidator_StatsReconcile(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	validator := ledger.NewInvariantValidator(bt)
	userA := uuid.New()
	userB := uuid.New()

	depA, _ := gen.GenerateDeposit(userA, "dep-a", 3_000_000, 0, 1000)
	depB, _ := gen.GenerateDeposit(userB, "dep-b", 2_000_000, 0, 1000)
	if err := bt.ApplyBatch(depA); err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(depB); err != nil {
		t.Fatal(err)
	}

	if err := validator.ValidateStatsReconcile(5_000_000, 0); err != nil {
		t.Errorf("stats should reconcile: %v", err)
	}
	if err := validator.ValidateStatsReconcile(4_000_000, 0); err == nil {
		t.Error("drifted total_collateral should fail reconciliation")
	}
}

func TestValidator_PoolLiquidityNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(bt)

	// Force the pool negative with a raw journal
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		DebitAccount:  ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, ledger.AssetQuote),
		CreditAccount: ledger.NewSystemAccountKey(ledger.SubTypeSystemLendingPool, ledger.AssetQuote),
		AssetID:       ledger.AssetQuote,
		Amount:        1_000,
	})

	if err := validator.ValidatePoolLiquidityNonNegative(); err == nil {
		t.Error("negative pool liquidity should fail validation")
	}
}
