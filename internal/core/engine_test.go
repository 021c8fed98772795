package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/event"
	"LendLedger/internal/state"
)

// ============================================================
// Test Harness
// ============================================================

const unit = int64(1_000_000) // One whole token at amount scale

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine     *LendingEngine
	clock      *testClock
	admin      uuid.UUID
	persist    chan EngineOutput
	projection chan EngineOutput
	priceSeq   int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	admin := uuid.New()
	persist := make(chan EngineOutput, 4096)
	projection := make(chan EngineOutput, 4096)

	cfg := Config{
		StartSequence:   1,
		Global:          state.DefaultGlobalState(admin),
		PrimaryFeedID:   "pyth",
		SecondaryFeedID: "switchboard",
		Clock:           clock.Now,
	}
	engine := NewLendingEngine(cfg, persist, projection, nil, nil)

	return &testEnv{
		engine:     engine,
		clock:      clock,
		admin:      admin,
		persist:    persist,
		projection: projection,
	}
}

// pushPrice publishes the same price on both feeds at the current clock.
func (env *testEnv) pushPrice(t *testing.T, price int64) {
	t.Helper()
	env.pushFeeds(t, price, price)
}

func (env *testEnv) pushFeeds(t *testing.T, primary, secondary int64) {
	t.Helper()
	now := env.clock.Now().Unix()
	env.priceSeq++
	if err := env.engine.ApplyPriceUpdate(&event.PriceUpdated{
		FeedID: "pyth", Price: primary, PublishedAtUnix: now, Sequence: env.priceSeq,
	}); err != nil {
		t.Fatalf("primary price update failed: %v", err)
	}
	env.priceSeq++
	if err := env.engine.ApplyPriceUpdate(&event.PriceUpdated{
		FeedID: "switchboard", Price: secondary, PublishedAtUnix: now, Sequence: env.priceSeq,
	}); err != nil {
		t.Fatalf("secondary price update failed: %v", err)
	}
}

// seed funds the lending pool and the AMM so user operations can run.
func (env *testEnv) seed(t *testing.T, price int64) {
	t.Helper()
	env.pushPrice(t, price)

	if err := env.engine.FundPool(uuid.New(), env.admin, 1_000*unit); err != nil {
		t.Fatalf("fund pool failed: %v", err)
	}

	// Reserves sized so liquidation-scale swaps see little slippage, with the
	// spot price matching the oracle price.
	reserveCollateral := 1_000_000 * unit
	reserveQuote := reserveCollateral / unit * price
	if err := env.engine.AddAmmLiquidity(uuid.New(), env.admin, reserveCollateral, reserveQuote); err != nil {
		t.Fatalf("amm seed failed: %v", err)
	}
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected typed error %s, got %T: %v", kind, err, err)
	}
	if typed.Kind != kind {
		t.Fatalf("expected kind %s, got %s: %v", kind, typed.Kind, err)
	}
}

// ============================================================
// Deposit / Withdraw
// ============================================================

func TestDepositWithdrawRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()

	res, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if res.NewCollateral != 100*unit {
		t.Errorf("collateral = %d, want %d", res.NewCollateral, 100*unit)
	}
	if res.FeeAmount != 0 {
		t.Errorf("fee = %d, want 0 at default params", res.FeeAmount)
	}

	wres, err := env.engine.Withdraw(WithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit})
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if wres.NewCollateral != 60*unit {
		t.Errorf("collateral after withdraw = %d, want %d", wres.NewCollateral, 60*unit)
	}
	if wres.AccountClosed {
		t.Error("account should stay open with remaining collateral")
	}

	// Full exit closes the account
	wres, err = env.engine.Withdraw(WithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 60 * unit})
	if err != nil {
		t.Fatalf("final withdraw failed: %v", err)
	}
	if !wres.AccountClosed {
		t.Error("account should close at zero collateral and zero debt")
	}

	view, ok := env.engine.GetAccount(user)
	if !ok {
		t.Fatal("account record should be retained after close")
	}
	if view.Status != "closed" {
		t.Errorf("status = %s, want closed", view.Status)
	}
}

func TestWithdrawExceedingCollateral(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 10 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := env.engine.Withdraw(WithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 11 * unit})
	requireKind(t, err, KindInsufficientBalance)
}

func TestDepositFeeDivertedBeforeBalanceUpdate(t *testing.T) {
	env := newTestEnv(t)
	params := paramsFromGlobal(env.engine.GetParams())
	params.DepositFeePPM = 10_000 // 1%
	if err := env.engine.UpdateParams(uuid.New(), env.admin, params); err != nil {
		t.Fatalf("param update failed: %v", err)
	}

	user := uuid.New()
	res, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if res.FeeAmount != unit {
		t.Errorf("fee = %d, want %d", res.FeeAmount, unit)
	}
	if res.NetAmount != 99*unit {
		t.Errorf("net = %d, want %d", res.NetAmount, 99*unit)
	}
	if res.NewCollateral != 99*unit {
		t.Errorf("collateral = %d, only the net amount may post", res.NewCollateral)
	}

	// The fee never counts as collateral.
	if stats := env.engine.GetStats(); stats.TotalCollateral != 99*unit {
		t.Errorf("total collateral = %d, want %d", stats.TotalCollateral, 99*unit)
	}

	// A deposit fully consumed by the fee is rejected.
	_, err = env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 1})
	requireKind(t, err, KindInvalidAmount)
}

func TestDepositRejectsNonPositive(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: uuid.New(), Amount: 0})
	requireKind(t, err, KindInvalidAmount)

	_, err = env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: uuid.New(), Amount: -5})
	requireKind(t, err, KindInvalidAmount)
}

// ============================================================
// Borrow
// ============================================================

func TestBorrowBoundedByCollateralFactor(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000) // price 1.0
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Collateral value 100, collateral factor 50%: 60 must fail, 40 must pass.
	_, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 60 * unit})
	requireKind(t, err, KindInsufficientCollateral)

	res, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit})
	if err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	if res.NewDebt != 40*unit {
		t.Errorf("debt = %d, want %d", res.NewDebt, 40*unit)
	}
}

func TestBorrowRejectionLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	before := env.engine.GetStats()
	hashBefore := env.engine.GetStateHash()

	_, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 60 * unit})
	requireKind(t, err, KindInsufficientCollateral)

	after := env.engine.GetStats()
	if before != after {
		t.Errorf("stats changed on rejected borrow: before=%+v after=%+v", before, after)
	}
	if env.engine.GetStateHash() != hashBefore {
		t.Error("state hash advanced on rejected borrow")
	}
}

func TestBorrowBoundedByPoolLiquidity(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000) // pool holds 1000
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 10_000 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 2_000 * unit})
	requireKind(t, err, KindInsufficientLiquidity)
}

func TestBorrowWithoutPrice(t *testing.T) {
	env := newTestEnv(t)
	// No feeds pushed: oracle has nothing to serve.
	if err := env.engine.FundPool(uuid.New(), env.admin, 1_000*unit); err != nil {
		t.Fatalf("fund pool failed: %v", err)
	}
	user := uuid.New()
	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 10 * unit})
	requireKind(t, err, KindOracleUnavailable)
}

// ============================================================
// Repay
// ============================================================

func TestRepayExcessRefundsToWallet(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	res, err := env.engine.Repay(RepayCommand{OperationID: uuid.New(), UserID: user, Amount: 50 * unit})
	if err != nil {
		t.Fatalf("repay failed: %v", err)
	}
	if res.Applied != 40*unit {
		t.Errorf("applied = %d, want %d", res.Applied, 40*unit)
	}
	if res.Refunded != 10*unit {
		t.Errorf("refunded = %d, want %d", res.Refunded, 10*unit)
	}
	if res.NewDebt != 0 {
		t.Errorf("debt = %d, want 0", res.NewDebt)
	}

	view, _ := env.engine.GetAccount(user)
	if view.Wallet != 10*unit {
		t.Errorf("wallet = %d, want %d", view.Wallet, 10*unit)
	}
	if view.Debt != 0 {
		t.Errorf("debt view = %d, want 0", view.Debt)
	}
}

func TestWalletWithdrawDrainsRefund(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	if _, err := env.engine.Repay(RepayCommand{OperationID: uuid.New(), UserID: user, Amount: 50 * unit}); err != nil {
		t.Fatalf("repay failed: %v", err)
	}

	_, err := env.engine.WithdrawWallet(WalletWithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 11 * unit})
	requireKind(t, err, KindInsufficientBalance)

	// Collateral leaves first; the account stays open while the wallet holds
	// the refund.
	wres, err := env.engine.Withdraw(WithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit})
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if wres.AccountClosed {
		t.Error("account must stay open with a wallet balance")
	}

	res, err := env.engine.WithdrawWallet(WalletWithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 10 * unit})
	if err != nil {
		t.Fatalf("wallet withdraw failed: %v", err)
	}
	if res.NewWalletBalance != 0 {
		t.Errorf("wallet = %d, want 0", res.NewWalletBalance)
	}
	if !res.AccountClosed {
		t.Error("account should close once wallet, collateral and debt are all zero")
	}

	view, _ := env.engine.GetAccount(user)
	if view.Wallet != 0 || view.Status != "closed" {
		t.Errorf("view = %+v, want drained wallet on a closed account", view)
	}

	// The payout replays byte-for-byte.
	var outputs []EngineOutput
	close(env.persist)
	for out := range env.persist {
		outputs = append(outputs, out)
	}
	replayEnv := newTestEnv(t)
	for _, out := range outputs {
		if err := replayEnv.engine.ApplyReplay(out.Envelope, out.Batch); err != nil {
			t.Fatalf("replay failed at seq %d: %v", out.Envelope.Sequence, err)
		}
	}
	if replayEnv.engine.GetStateHash() != env.engine.GetStateHash() {
		t.Error("replayed state hash differs from live state hash")
	}
	replayView, _ := replayEnv.engine.GetAccount(user)
	if replayView.Wallet != 0 || replayView.Status != "closed" {
		t.Errorf("replayed view = %+v, want drained wallet on a closed account", replayView)
	}
}

func TestRepayWithoutDebt(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()

	_, err := env.engine.Repay(RepayCommand{OperationID: uuid.New(), UserID: user, Amount: 10 * unit})
	requireKind(t, err, KindInvalidAmount)
}

// ============================================================
// Withdraw under debt
// ============================================================

func TestWithdrawBlockedByOutstandingDebt(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	// Borrow to the exact collateral factor bound.
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 50 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	_, err := env.engine.Withdraw(WithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 1 * unit})
	requireKind(t, err, KindInsufficientCollateral)

	if _, err := env.engine.Repay(RepayCommand{OperationID: uuid.New(), UserID: user, Amount: 50 * unit}); err != nil {
		t.Fatalf("repay failed: %v", err)
	}
	if _, err := env.engine.Withdraw(WithdrawCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("withdraw after repay failed: %v", err)
	}
}

// ============================================================
// Liquidation
// ============================================================

func setupUnderwater(t *testing.T, env *testEnv) uuid.UUID {
	t.Helper()
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	// Collateral value drops to 40; threshold capacity 32 < debt 40.
	env.pushPrice(t, 400_000)
	return user
}

func TestLiquidateHealthyAccountRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	// Capacity 80 at threshold 80% covers debt 40.
	_, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: user, RepayAmount: 20 * unit,
	})
	requireKind(t, err, KindAccountHealthy)
}

func TestLiquidateSwapPath(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	borrower := setupUnderwater(t, env)

	statsBefore := env.engine.GetStats()

	res, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: borrower,
		RepayAmount: 20 * unit, MinOut: 1,
	})
	if err != nil {
		t.Fatalf("liquidate failed: %v", err)
	}

	// Close factor 50% of debt 40 bounds the repay to 20. Bonus 5% makes the
	// seizure worth 21 quote at price 0.4, i.e. 52.5 collateral tokens.
	if res.RepaidAmount != 20*unit {
		t.Errorf("repaid = %d, want %d", res.RepaidAmount, 20*unit)
	}
	if res.SeizedCollateral != 52_500_000 {
		t.Errorf("seized = %d, want 52500000", res.SeizedCollateral)
	}
	if res.SwapOutput <= 0 {
		t.Errorf("swap output = %d, want > 0", res.SwapOutput)
	}
	if res.RemainingDebt != 20*unit {
		t.Errorf("remaining debt = %d, want %d", res.RemainingDebt, 20*unit)
	}
	if res.HealthFactorPPM >= 1_000_000 {
		t.Errorf("health factor = %d, want < 1000000 for an eligible position", res.HealthFactorPPM)
	}

	view, _ := env.engine.GetAccount(borrower)
	if view.Collateral != 100*unit-52_500_000 {
		t.Errorf("borrower collateral = %d, want %d", view.Collateral, 100*unit-52_500_000)
	}
	if view.LiquidationCount != 1 {
		t.Errorf("liquidation count = %d, want 1", view.LiquidationCount)
	}

	statsAfter := env.engine.GetStats()
	if statsAfter.TotalDebt != statsBefore.TotalDebt-20*unit {
		t.Errorf("total debt = %d, want %d", statsAfter.TotalDebt, statsBefore.TotalDebt-20*unit)
	}
	if statsAfter.TotalLiquidations != statsBefore.TotalLiquidations+1 {
		t.Errorf("liquidation counter not bumped")
	}
	// Seized collateral ended up in the AMM reserve.
	if statsAfter.AmmReserveCollateral != statsBefore.AmmReserveCollateral+52_500_000 {
		t.Errorf("amm collateral reserve = %d, want %d",
			statsAfter.AmmReserveCollateral, statsBefore.AmmReserveCollateral+52_500_000)
	}
	if statsAfter.AmmReserveQuote != statsBefore.AmmReserveQuote-res.SwapOutput {
		t.Errorf("amm quote reserve = %d, want %d",
			statsAfter.AmmReserveQuote, statsBefore.AmmReserveQuote-res.SwapOutput)
	}
}

func TestLiquidateDirectPath(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)

	// Switch routing to direct transfer.
	params := paramsFromGlobal(env.engine.GetParams())
	params.SwapOnLiquidation = false
	if err := env.engine.UpdateParams(uuid.New(), env.admin, params); err != nil {
		t.Fatalf("param update failed: %v", err)
	}

	borrower := setupUnderwater(t, env)

	res, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: borrower, RepayAmount: 20 * unit,
	})
	if err != nil {
		t.Fatalf("liquidate failed: %v", err)
	}
	if res.SwapOutput != 0 {
		t.Errorf("swap output = %d, want 0 on the direct path", res.SwapOutput)
	}
	if res.SeizedCollateral != 52_500_000 {
		t.Errorf("seized = %d, want 52500000", res.SeizedCollateral)
	}
}

func TestLiquidateMinOutGuard(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	borrower := setupUnderwater(t, env)

	hashBefore := env.engine.GetStateHash()

	_, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: borrower,
		RepayAmount: 20 * unit, MinOut: 1_000_000 * unit,
	})
	requireKind(t, err, KindInsufficientLiquidity)

	if env.engine.GetStateHash() != hashBefore {
		t.Error("state advanced on a failed liquidation")
	}
}

func TestLiquidateStalePriceRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	borrower := setupUnderwater(t, env)

	env.clock.Advance(2 * time.Minute) // Past the 60s staleness bound

	_, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: borrower, RepayAmount: 20 * unit,
	})
	requireKind(t, err, KindStalePrice)
}

func TestDivergentFeedsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// 3% spread against a 2% tolerance.
	env.pushFeeds(t, 1_030_000, 1_000_000)

	_, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 10 * unit})
	requireKind(t, err, KindPriceDivergence)
}

func TestSecondLiquidationLeavesAccountOpen(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	borrower := setupUnderwater(t, env)

	first, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: borrower,
		RepayAmount: 20 * unit, MinOut: 1,
	})
	if err != nil {
		t.Fatalf("first liquidation failed: %v", err)
	}
	if first.RemainingDebt != 20*unit {
		t.Fatalf("remaining debt = %d, want %d", first.RemainingDebt, 20*unit)
	}

	// Still underwater: the close factor halves the remaining 20, so the
	// position survives a second, smaller liquidation.
	second, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: borrower,
		RepayAmount: 20 * unit, MinOut: 1,
	})
	if err != nil {
		t.Fatalf("second liquidation failed: %v", err)
	}
	if second.RepaidAmount != 10*unit {
		t.Errorf("repaid = %d, want %d under the close factor", second.RepaidAmount, 10*unit)
	}
	if second.RemainingDebt != 10*unit {
		t.Errorf("remaining debt = %d, want %d", second.RemainingDebt, 10*unit)
	}
	if second.AccountClosed {
		t.Error("account must stay open with outstanding debt")
	}

	view, _ := env.engine.GetAccount(borrower)
	if view.Status != "active" {
		t.Errorf("status = %s, want active", view.Status)
	}
	if view.LiquidationCount != 2 {
		t.Errorf("liquidation count = %d, want 2", view.LiquidationCount)
	}
}

func TestConcurrentLiquidationSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)

	// Full close factor so the first liquidation extinguishes the position.
	params := paramsFromGlobal(env.engine.GetParams())
	params.CloseFactorPPM = 1_000_000
	if err := env.engine.UpdateParams(uuid.New(), env.admin, params); err != nil {
		t.Fatalf("param update failed: %v", err)
	}

	borrower := setupUnderwater(t, env)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Liquidate(LiquidateCommand{
				OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: borrower, RepayAmount: 40 * unit,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, alreadyDone int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var typed *Error
		if errors.As(err, &typed) && typed.Kind == KindAlreadyLiquidated {
			alreadyDone++
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || alreadyDone != 1 {
		t.Errorf("successes=%d alreadyLiquidated=%d, want exactly one of each", successes, alreadyDone)
	}
}

// ============================================================
// Interest
// ============================================================

func TestInterestAccruesOverTime(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 1_000 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	env.clock.Advance(365 * 24 * time.Hour)
	env.pushPrice(t, 1_000_000) // Refresh so the oracle stays usable

	view, _ := env.engine.GetAccount(user)
	// Base rate 5%/yr, utilization below the kink: roughly 5 quote of interest.
	if view.Debt <= 100*unit {
		t.Errorf("debt = %d, expected growth above principal", view.Debt)
	}
	if view.Debt > 106*unit {
		t.Errorf("debt = %d, implausibly high for a 5%% base rate", view.Debt)
	}

	// Repaying settles the interest onto the ledger and closes out cleanly.
	res, err := env.engine.Repay(RepayCommand{OperationID: uuid.New(), UserID: user, Amount: 200 * unit})
	if err != nil {
		t.Fatalf("repay failed: %v", err)
	}
	if res.InterestSettled <= 0 {
		t.Errorf("interest settled = %d, want > 0", res.InterestSettled)
	}
	if res.NewDebt != 0 {
		t.Errorf("debt = %d, want 0 after full repay", res.NewDebt)
	}
}

// ============================================================
// Idempotency & Admin
// ============================================================

func TestDuplicateOperationRejected(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()
	opID := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: opID, UserID: user, Amount: 10 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := env.engine.Deposit(DepositCommand{OperationID: opID, UserID: user, Amount: 10 * unit})
	requireKind(t, err, KindDuplicateOperation)

	view, _ := env.engine.GetAccount(user)
	if view.Collateral != 10*unit {
		t.Errorf("collateral = %d, duplicate must not double-apply", view.Collateral)
	}
}

func TestPauseBlocksUserOperations(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()

	if err := env.engine.SetPaused(uuid.New(), env.admin, true); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	_, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 10 * unit})
	requireKind(t, err, KindProtocolPaused)

	if err := env.engine.SetPaused(uuid.New(), env.admin, false); err != nil {
		t.Fatalf("unpause failed: %v", err)
	}
	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 10 * unit}); err != nil {
		t.Fatalf("deposit after unpause failed: %v", err)
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	env := newTestEnv(t)
	intruder := uuid.New()

	err := env.engine.SetPaused(uuid.New(), intruder, true)
	requireKind(t, err, KindUnauthorized)

	err = env.engine.FundPool(uuid.New(), intruder, 100*unit)
	requireKind(t, err, KindUnauthorized)

	params := paramsFromGlobal(env.engine.GetParams())
	params.CollateralFactorPPM = 900_000 // Above the liquidation threshold
	err = env.engine.UpdateParams(uuid.New(), env.admin, params)
	requireKind(t, err, KindInvalidParameter)
}

// ============================================================
// Replay determinism
// ============================================================

func TestReplayReproducesStateHash(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	env.pushPrice(t, 400_000)
	if _, err := env.engine.Liquidate(LiquidateCommand{
		OperationID: uuid.New(), LiquidatorID: uuid.New(), BorrowerID: user, RepayAmount: 20 * unit,
	}); err != nil {
		t.Fatalf("liquidate failed: %v", err)
	}

	// A failed operation must leave no trace in the log.
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 1_000_000 * unit}); err == nil {
		t.Fatal("expected oversized borrow to fail")
	}

	var outputs []EngineOutput
	close(env.persist)
	for out := range env.persist {
		outputs = append(outputs, out)
	}

	replayEnv := newTestEnv(t)
	for _, out := range outputs {
		if err := replayEnv.engine.ApplyReplay(out.Envelope, out.Batch); err != nil {
			t.Fatalf("replay failed at seq %d: %v", out.Envelope.Sequence, err)
		}
	}

	if replayEnv.engine.GetStateHash() != env.engine.GetStateHash() {
		t.Error("replayed state hash differs from live state hash")
	}
	if replayEnv.engine.GetSequence() != env.engine.GetSequence() {
		t.Errorf("replayed sequence %d != live %d", replayEnv.engine.GetSequence(), env.engine.GetSequence())
	}

	liveStats := env.engine.GetStats()
	replayStats := replayEnv.engine.GetStats()
	if liveStats != replayStats {
		t.Errorf("replayed stats differ: live=%+v replay=%+v", liveStats, replayStats)
	}

	liveView, _ := env.engine.GetAccount(user)
	replayView, _ := replayEnv.engine.GetAccount(user)
	if liveView.Collateral != replayView.Collateral || liveView.Debt != replayView.Debt {
		t.Errorf("replayed account differs: live=%+v replay=%+v", liveView, replayView)
	}
}

func TestReplayRestoresIndexWithoutSettledInterest(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// The borrow index advances over the idle month; the first borrow settles
	// no interest, so the committed index travels only in the borrow payload.
	env.clock.Advance(30 * 24 * time.Hour)
	env.pushPrice(t, 1_000_000)
	res, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 40 * unit})
	if err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	if res.InterestSettled != 0 {
		t.Fatalf("interest settled = %d, want 0 on a first borrow", res.InterestSettled)
	}

	var outputs []EngineOutput
	close(env.persist)
	for out := range env.persist {
		outputs = append(outputs, out)
	}

	replayEnv := newTestEnv(t)
	for _, out := range outputs {
		if err := replayEnv.engine.ApplyReplay(out.Envelope, out.Batch); err != nil {
			t.Fatalf("replay failed at seq %d: %v", out.Envelope.Sequence, err)
		}
	}

	if replayEnv.engine.GetStats() != env.engine.GetStats() {
		t.Errorf("replayed stats differ: live=%+v replay=%+v",
			env.engine.GetStats(), replayEnv.engine.GetStats())
	}

	// A year later both engines must bill the same interest. A replay that
	// anchored the index before the idle month would charge for time the
	// loan did not exist.
	env.clock.Advance(365 * 24 * time.Hour)
	replayEnv.clock.Advance((30 + 365) * 24 * time.Hour)

	liveView, _ := env.engine.GetAccount(user)
	replayView, _ := replayEnv.engine.GetAccount(user)
	if replayView.DebtIndexSnapshot != liveView.DebtIndexSnapshot {
		t.Errorf("replayed index snapshot %d != live %d", replayView.DebtIndexSnapshot, liveView.DebtIndexSnapshot)
	}
	if replayView.Debt != liveView.Debt {
		t.Errorf("replayed debt %d != live %d", replayView.Debt, liveView.Debt)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 1_000_000)
	user := uuid.New()

	if _, err := env.engine.Deposit(DepositCommand{OperationID: uuid.New(), UserID: user, Amount: 100 * unit}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := env.engine.Borrow(BorrowCommand{OperationID: uuid.New(), UserID: user, Amount: 30 * unit}); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	snap := env.engine.CreateSnapshotState()

	restored := newTestEnv(t)
	restored.engine.RestoreFromSnapshot(snap)

	if restored.engine.GetStateHash() != env.engine.GetStateHash() {
		t.Error("restored state hash differs")
	}
	if restored.engine.GetStats() != env.engine.GetStats() {
		t.Errorf("restored stats differ: live=%+v restored=%+v", env.engine.GetStats(), restored.engine.GetStats())
	}

	// The restored engine keeps working: repay against restored balances.
	if _, err := restored.engine.Repay(RepayCommand{OperationID: uuid.New(), UserID: user, Amount: 30 * unit}); err != nil {
		t.Fatalf("repay on restored engine failed: %v", err)
	}
}

// paramsFromGlobal lifts the mutable parameter set out of a GlobalState copy.
func paramsFromGlobal(gs state.GlobalState) state.ParamUpdate {
	return state.ParamUpdate{
		CollateralFactorPPM:     gs.CollateralFactorPPM,
		LiquidationThresholdPPM: gs.LiquidationThresholdPPM,
		LiquidationBonusPPM:     gs.LiquidationBonusPPM,
		CloseFactorPPM:          gs.CloseFactorPPM,
		DepositFeePPM:           gs.DepositFeePPM,
		AmmFeePPM:               gs.AmmFeePPM,
		SwapOnLiquidation:       gs.SwapOnLiquidation,
		OracleStalenessSec:      gs.OracleStalenessSec,
		OracleDivergencePPM:     gs.OracleDivergencePPM,
		Interest:                gs.Interest,
	}
}
