package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/amm"
	"LendLedger/internal/event"
	"LendLedger/internal/fixedpoint"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"
)

// LendingEngine is the single-writer transaction core. Every mutating
// operation runs under one mutex: validate, generate a balanced journal
// batch, apply it, extend the state hash chain, emit to persistence and
// projections, mark the operation processed. A failed validation returns a
// typed error before any state is touched; a broken invariant after apply
// is unrecoverable and panics.
type LendingEngine struct {
	mu sync.Mutex

	sequence   int64
	clock      func() time.Time
	hasher     *StateHasher
	balances   *ledger.BalanceTracker
	journalGen *ledger.JournalGenerator
	validator  *ledger.InvariantValidator

	registry *state.AccountRegistry
	global   *state.GlobalState
	stats    *state.ProtocolStats
	interest *state.InterestAccumulator
	pool     *amm.Pool
	feeds    *oracle.FeedStore
	prices   *oracle.Aggregator

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics

	persistChan    chan<- EngineOutput
	projectionChan chan<- EngineOutput
}

// EngineOutput is one committed operation: the envelope for the event log
// plus the journal batch that produced the state transition.
type EngineOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// Config carries engine construction parameters.
type Config struct {
	StartSequence       int64
	Global              *state.GlobalState
	PrimaryFeedID       string
	SecondaryFeedID     string
	IdempotencyCapacity int
	Clock               func() time.Time
}

func NewLendingEngine(
	cfg Config,
	persistChan, projectionChan chan<- EngineOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *LendingEngine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Global == nil {
		cfg.Global = state.DefaultGlobalState(uuid.Nil)
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}

	balances := ledger.NewBalanceTracker()
	feeds := oracle.NewFeedStore()

	return &LendingEngine{
		sequence:       cfg.StartSequence,
		clock:          cfg.Clock,
		hasher:         NewStateHasher(),
		balances:       balances,
		journalGen:     ledger.NewJournalGenerator(cfg.StartSequence, balances),
		validator:      ledger.NewInvariantValidator(balances),
		registry:       state.NewAccountRegistry(),
		global:         cfg.Global,
		stats:          state.NewProtocolStats(),
		interest:       state.NewInterestAccumulator(cfg.Clock().Unix()),
		pool:           amm.NewPool(0, 0, cfg.Global.AmmFeePPM),
		feeds:          feeds,
		prices:         oracle.NewAggregator(feeds, cfg.PrimaryFeedID, cfg.SecondaryFeedID).WithClock(cfg.Clock),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// --- Commands ---

type DepositCommand struct {
	OperationID uuid.UUID
	UserID      uuid.UUID
	Amount      int64
}

type BorrowCommand struct {
	OperationID uuid.UUID
	UserID      uuid.UUID
	Amount      int64
}

type RepayCommand struct {
	OperationID uuid.UUID
	UserID      uuid.UUID
	Amount      int64
}

type WithdrawCommand struct {
	OperationID uuid.UUID
	UserID      uuid.UUID
	Amount      int64
}

type WalletWithdrawCommand struct {
	OperationID uuid.UUID
	UserID      uuid.UUID
	Amount      int64
}

type LiquidateCommand struct {
	OperationID  uuid.UUID
	LiquidatorID uuid.UUID
	BorrowerID   uuid.UUID
	RepayAmount  int64
	MinOut       int64 // Minimum acceptable proceeds, slippage guard
}

type DepositResult struct {
	FeeAmount     int64
	NetAmount     int64
	NewCollateral int64
}

type BorrowResult struct {
	InterestSettled int64
	NewDebt         int64
	OraclePrice     int64
	UtilizationPPM  int64
}

type RepayResult struct {
	Applied         int64
	Refunded        int64
	InterestSettled int64
	NewDebt         int64
	AccountClosed   bool
}

type WithdrawResult struct {
	NewCollateral int64
	AccountClosed bool
}

type WalletWithdrawResult struct {
	NewWalletBalance int64
	AccountClosed    bool
}

type LiquidateResult struct {
	RepaidAmount     int64
	SeizedCollateral int64
	SwapOutput       int64 // 0 on the direct-transfer path
	HealthFactorPPM  int64
	OraclePrice      int64
	RemainingDebt    int64
	AccountClosed    bool
}

// Deposit credits net collateral to the user after the deposit fee.
func (e *LendingEngine) Deposit(cmd DepositCommand) (*DepositResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "deposit"
	start := e.clock()

	if err := e.begin(op, event.EventTypeCollateralDeposited, cmd.OperationID.String()); err != nil {
		return nil, err
	}
	if e.global.Paused {
		return nil, e.reject(op, opErr(KindProtocolPaused, op, "protocol is paused"))
	}
	if cmd.Amount <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, cmd.Amount, 1, "amount must be positive"))
	}

	fee := fixedpoint.ApplyRateUp(cmd.Amount, e.global.DepositFeePPM)
	net := cmd.Amount - fee
	if net <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, cmd.Amount, fee+1, "amount does not cover the deposit fee"))
	}

	ts := e.clock().UTC()
	e.journalGen.SetSequence(e.sequence)
	batch, err := e.journalGen.GenerateDeposit(cmd.UserID, cmd.OperationID.String(), net, fee, ts.UnixMicro())
	if err != nil {
		return nil, e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
	}

	newCollateral := e.balances.GetUserCollateral(cmd.UserID) + net
	evt := &event.CollateralDeposited{
		OperationID:   cmd.OperationID,
		UserID:        cmd.UserID,
		Amount:        cmd.Amount,
		FeeAmount:     fee,
		NewCollateral: newCollateral,
	}

	acct := e.registry.GetOrCreate(cmd.UserID, e.interest.Index(), ts.UnixMicro())
	acct.LastUpdateMicros = ts.UnixMicro()
	acct.Version++
	e.stats.ApplyCollateralDelta(net)

	if err := e.commit([]pending{{evt: evt, batch: batch, ts: ts}}); err != nil {
		return nil, err
	}
	e.postCheckInvariants(cmd.UserID)
	e.finish(op, start)

	return &DepositResult{FeeAmount: fee, NetAmount: net, NewCollateral: newCollateral}, nil
}

// Borrow disburses quote tokens against the user's collateral. The loan is
// bounded by collateral_value * collateral_factor and by available pool
// liquidity; both checks run against interest-settled debt.
func (e *LendingEngine) Borrow(cmd BorrowCommand) (*BorrowResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "borrow"
	start := e.clock()

	if err := e.begin(op, event.EventTypeAssetBorrowed, cmd.OperationID.String()); err != nil {
		return nil, err
	}
	if e.global.Paused {
		return nil, e.reject(op, opErr(KindProtocolPaused, op, "protocol is paused"))
	}
	if cmd.Amount <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, cmd.Amount, 1, "amount must be positive"))
	}

	ts := e.clock().UTC()
	acct := e.registry.Get(cmd.UserID)
	acc, _, accrued, interest := e.previewAccrual(acct, cmd.UserID, ts.Unix())

	reading, rerr := e.readPrice(op)
	if rerr != nil {
		return nil, e.reject(op, rerr)
	}

	collateral := e.balances.GetUserCollateral(cmd.UserID)
	collateralValue := fixedpoint.Value(collateral, reading.Price)
	maxDebt := fixedpoint.MulDiv(collateralValue, e.global.CollateralFactorPPM, fixedpoint.RatePPM, fixedpoint.RoundDown)
	newDebt := accrued + cmd.Amount
	if newDebt > maxDebt {
		return nil, e.reject(op, compareErr(KindInsufficientCollateral, op, maxDebt, newDebt, "borrow exceeds collateral capacity"))
	}

	liquidity := e.balances.GetPoolLiquidity()
	if liquidity < cmd.Amount {
		return nil, e.reject(op, compareErr(KindInsufficientLiquidity, op, liquidity, cmd.Amount, "pool cannot fund the loan"))
	}

	e.journalGen.SetSequence(e.sequence)
	pendings := make([]pending, 0, 2)
	if interest > 0 {
		p, err := e.accrualPending(cmd.OperationID, cmd.UserID, interest, accrued, &acc, ts)
		if err != nil {
			return nil, e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
		}
		pendings = append(pendings, p)
	}

	batch, err := e.journalGen.GenerateBorrow(cmd.UserID, cmd.OperationID.String(), cmd.Amount, ts.UnixMicro())
	if err != nil {
		return nil, e.reject(op, &Error{Kind: KindInsufficientLiquidity, Op: op, Cause: err})
	}

	e.interest.Restore(acc.Index(), acc.LastAccrualUnix())
	acct = e.registry.GetOrCreate(cmd.UserID, e.interest.Index(), ts.UnixMicro())
	e.registry.Touch(acct, e.interest.Index(), ts.UnixMicro())
	e.stats.ApplyDebtDelta(interest + cmd.Amount)

	utilization := e.stats.UtilizationPPM(liquidity - cmd.Amount)
	evt := &event.AssetBorrowed{
		OperationID:     cmd.OperationID,
		UserID:          cmd.UserID,
		Amount:          cmd.Amount,
		InterestSettled: interest,
		NewDebt:         newDebt,
		NewIndex:        acc.Index(),
		AccruedAtUnix:   acc.LastAccrualUnix(),
		OraclePrice:     reading.Price,
		UtilizationPPM:  utilization,
	}
	pendings = append(pendings, pending{evt: evt, batch: batch, ts: ts})

	if err := e.commit(pendings); err != nil {
		return nil, err
	}
	e.postCheckInvariants(cmd.UserID)
	e.finish(op, start)

	return &BorrowResult{
		InterestSettled: interest,
		NewDebt:         newDebt,
		OraclePrice:     reading.Price,
		UtilizationPPM:  utilization,
	}, nil
}

// Repay extinguishes debt up to the interest-settled outstanding amount and
// credits any excess to the user's in-protocol wallet. No oracle involved:
// repayment is always allowed while unpaused.
func (e *LendingEngine) Repay(cmd RepayCommand) (*RepayResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "repay"
	start := e.clock()

	if err := e.begin(op, event.EventTypeDebtRepaid, cmd.OperationID.String()); err != nil {
		return nil, err
	}
	if e.global.Paused {
		return nil, e.reject(op, opErr(KindProtocolPaused, op, "protocol is paused"))
	}
	if cmd.Amount <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, cmd.Amount, 1, "amount must be positive"))
	}

	ts := e.clock().UTC()
	acct := e.registry.Get(cmd.UserID)
	acc, _, accrued, interest := e.previewAccrual(acct, cmd.UserID, ts.Unix())
	if acct == nil || accrued == 0 {
		return nil, e.reject(op, opErr(KindInvalidAmount, op, "no outstanding debt"))
	}

	applied := cmd.Amount
	if applied > accrued {
		applied = accrued
	}
	refund := cmd.Amount - applied
	newDebt := accrued - applied

	e.journalGen.SetSequence(e.sequence)
	pendings := make([]pending, 0, 2)
	if interest > 0 {
		p, err := e.accrualPending(cmd.OperationID, cmd.UserID, interest, accrued, &acc, ts)
		if err != nil {
			return nil, e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
		}
		pendings = append(pendings, p)
	}

	batch, err := e.journalGen.GenerateRepay(cmd.UserID, cmd.OperationID.String(), applied, refund, ts.UnixMicro())
	if err != nil {
		return nil, e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
	}

	e.interest.Restore(acc.Index(), acc.LastAccrualUnix())
	e.registry.Touch(acct, e.interest.Index(), ts.UnixMicro())
	e.stats.ApplyDebtDelta(interest - applied)

	closed := false
	if newDebt == 0 && e.balances.GetUserCollateral(cmd.UserID) == 0 && e.balances.GetUserWallet(cmd.UserID)+refund == 0 {
		e.registry.Close(acct, ts.UnixMicro())
		closed = true
	}

	evt := &event.DebtRepaid{
		OperationID:     cmd.OperationID,
		UserID:          cmd.UserID,
		Amount:          cmd.Amount,
		Applied:         applied,
		Refunded:        refund,
		InterestSettled: interest,
		NewDebt:         newDebt,
		NewIndex:        acc.Index(),
		AccruedAtUnix:   acc.LastAccrualUnix(),
		AccountClosed:   closed,
	}
	pendings = append(pendings, pending{evt: evt, batch: batch, ts: ts})

	if err := e.commit(pendings); err != nil {
		return nil, err
	}
	e.postCheckInvariants(cmd.UserID)
	e.finish(op, start)

	return &RepayResult{
		Applied:         applied,
		Refunded:        refund,
		InterestSettled: interest,
		NewDebt:         newDebt,
		AccountClosed:   closed,
	}, nil
}

// Withdraw releases collateral. With outstanding debt the remaining
// collateral must still satisfy the collateral factor at the current oracle
// price; with zero debt no oracle read is needed.
func (e *LendingEngine) Withdraw(cmd WithdrawCommand) (*WithdrawResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "withdraw"
	start := e.clock()

	if err := e.begin(op, event.EventTypeCollateralWithdrawn, cmd.OperationID.String()); err != nil {
		return nil, err
	}
	if e.global.Paused {
		return nil, e.reject(op, opErr(KindProtocolPaused, op, "protocol is paused"))
	}
	if cmd.Amount <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, cmd.Amount, 1, "amount must be positive"))
	}

	collateral := e.balances.GetUserCollateral(cmd.UserID)
	if collateral < cmd.Amount {
		return nil, e.reject(op, compareErr(KindInsufficientBalance, op, collateral, cmd.Amount, "withdrawal exceeds collateral"))
	}

	ts := e.clock().UTC()
	acct := e.registry.Get(cmd.UserID)
	acc, _, accrued, interest := e.previewAccrual(acct, cmd.UserID, ts.Unix())

	if accrued > 0 {
		reading, rerr := e.readPrice(op)
		if rerr != nil {
			return nil, e.reject(op, rerr)
		}
		remainingValue := fixedpoint.Value(collateral-cmd.Amount, reading.Price)
		capacity := fixedpoint.MulDiv(remainingValue, e.global.CollateralFactorPPM, fixedpoint.RatePPM, fixedpoint.RoundDown)
		if capacity < accrued {
			return nil, e.reject(op, compareErr(KindInsufficientCollateral, op, capacity, accrued, "withdrawal would undercollateralize the loan"))
		}
	}

	e.journalGen.SetSequence(e.sequence)
	pendings := make([]pending, 0, 2)
	if interest > 0 {
		p, err := e.accrualPending(cmd.OperationID, cmd.UserID, interest, accrued, &acc, ts)
		if err != nil {
			return nil, e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
		}
		pendings = append(pendings, p)
	}

	batch, err := e.journalGen.GenerateWithdrawal(cmd.UserID, cmd.OperationID.String(), cmd.Amount, ts.UnixMicro())
	if err != nil {
		return nil, e.reject(op, &Error{Kind: KindInsufficientBalance, Op: op, Cause: err})
	}

	e.interest.Restore(acc.Index(), acc.LastAccrualUnix())
	if acct != nil {
		e.registry.Touch(acct, e.interest.Index(), ts.UnixMicro())
	}
	e.stats.ApplyCollateralDelta(-cmd.Amount)
	e.stats.ApplyDebtDelta(interest)

	newCollateral := collateral - cmd.Amount
	closed := false
	if acct != nil && newCollateral == 0 && accrued == 0 && e.balances.GetUserWallet(cmd.UserID) == 0 {
		e.registry.Close(acct, ts.UnixMicro())
		closed = true
	}

	evt := &event.CollateralWithdrawn{
		OperationID:   cmd.OperationID,
		UserID:        cmd.UserID,
		Amount:        cmd.Amount,
		NewCollateral: newCollateral,
		NewIndex:      acc.Index(),
		AccruedAtUnix: acc.LastAccrualUnix(),
		AccountClosed: closed,
	}
	pendings = append(pendings, pending{evt: evt, batch: batch, ts: ts})

	if err := e.commit(pendings); err != nil {
		return nil, err
	}
	e.postCheckInvariants(cmd.UserID)
	e.finish(op, start)

	return &WithdrawResult{NewCollateral: newCollateral, AccountClosed: closed}, nil
}

// WithdrawWallet pays out the user's in-protocol quote balance, which holds
// repay refunds. Wallet funds are never collateral, so no oracle read and no
// interest settlement is involved.
func (e *LendingEngine) WithdrawWallet(cmd WalletWithdrawCommand) (*WalletWithdrawResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "wallet_withdraw"
	start := e.clock()

	if err := e.begin(op, event.EventTypeWalletWithdrawn, cmd.OperationID.String()); err != nil {
		return nil, err
	}
	if e.global.Paused {
		return nil, e.reject(op, opErr(KindProtocolPaused, op, "protocol is paused"))
	}
	if cmd.Amount <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, cmd.Amount, 1, "amount must be positive"))
	}

	wallet := e.balances.GetUserWallet(cmd.UserID)
	if wallet < cmd.Amount {
		return nil, e.reject(op, compareErr(KindInsufficientBalance, op, wallet, cmd.Amount, "withdrawal exceeds wallet balance"))
	}

	ts := e.clock().UTC()
	e.journalGen.SetSequence(e.sequence)
	batch, err := e.journalGen.GenerateWalletWithdrawal(cmd.UserID, cmd.OperationID.String(), cmd.Amount, ts.UnixMicro())
	if err != nil {
		return nil, e.reject(op, &Error{Kind: KindInsufficientBalance, Op: op, Cause: err})
	}

	newWallet := wallet - cmd.Amount
	acct := e.registry.Get(cmd.UserID)
	if acct != nil {
		acct.LastUpdateMicros = ts.UnixMicro()
		acct.Version++
	}

	closed := false
	if acct != nil && newWallet == 0 &&
		e.balances.GetUserCollateral(cmd.UserID) == 0 && e.balances.GetUserDebt(cmd.UserID) == 0 {
		e.registry.Close(acct, ts.UnixMicro())
		closed = true
	}

	evt := &event.WalletWithdrawn{
		OperationID:      cmd.OperationID,
		UserID:           cmd.UserID,
		Amount:           cmd.Amount,
		NewWalletBalance: newWallet,
		AccountClosed:    closed,
	}

	if err := e.commit([]pending{{evt: evt, batch: batch, ts: ts}}); err != nil {
		return nil, err
	}
	e.postCheckInvariants(cmd.UserID)
	e.finish(op, start)

	return &WalletWithdrawResult{NewWalletBalance: newWallet, AccountClosed: closed}, nil
}

// Liquidate repays part of an unhealthy borrower's debt in exchange for
// bonus-adjusted collateral. Eligibility comes from the oracle; execution
// price comes from the AMM when routing is enabled. All legs commit
// atomically; any pre-commit failure leaves state untouched.
func (e *LendingEngine) Liquidate(cmd LiquidateCommand) (*LiquidateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "liquidate"
	start := e.clock()

	if err := e.begin(op, event.EventTypePositionLiquidated, cmd.OperationID.String()); err != nil {
		return nil, err
	}
	if e.global.Paused {
		return nil, e.reject(op, opErr(KindProtocolPaused, op, "protocol is paused"))
	}
	if cmd.RepayAmount <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, cmd.RepayAmount, 1, "repay amount must be positive"))
	}

	ts := e.clock().UTC()
	acct := e.registry.Get(cmd.BorrowerID)
	if acct == nil || acct.Status == state.AccountStatusClosed {
		return nil, e.reject(op, opErr(KindAlreadyLiquidated, op, "borrower account is closed"))
	}

	acc, _, accrued, interest := e.previewAccrual(acct, cmd.BorrowerID, ts.Unix())
	if accrued == 0 {
		return nil, e.reject(op, opErr(KindAlreadyLiquidated, op, "borrower has no outstanding debt"))
	}

	reading, rerr := e.readPrice(op)
	if rerr != nil {
		return nil, e.reject(op, rerr)
	}

	collateral := e.balances.GetUserCollateral(cmd.BorrowerID)
	collateralValue := fixedpoint.Value(collateral, reading.Price)
	capacity := fixedpoint.MulDiv(collateralValue, e.global.LiquidationThresholdPPM, fixedpoint.RatePPM, fixedpoint.RoundDown)
	if capacity >= accrued {
		return nil, e.reject(op, compareErr(KindAccountHealthy, op, capacity, accrued, "position is above the liquidation threshold"))
	}
	healthFactor := fixedpoint.MulDiv(collateralValue, e.global.LiquidationThresholdPPM, accrued, fixedpoint.RoundDown)

	// Close factor bounds the repayment; dust positions may be closed whole.
	maxRepay := fixedpoint.ApplyRate(accrued, e.global.CloseFactorPPM)
	if maxRepay == 0 {
		maxRepay = accrued
	}
	repayApplied := cmd.RepayAmount
	if repayApplied > maxRepay {
		repayApplied = maxRepay
	}

	seizeValue := fixedpoint.ApplyRate(repayApplied, fixedpoint.RatePPM+e.global.LiquidationBonusPPM)
	seized := fixedpoint.AmountForValue(seizeValue, reading.Price)
	if seized > collateral {
		seized = collateral
	}
	if seized <= 0 {
		return nil, e.reject(op, compareErr(KindInvalidAmount, op, seized, 1, "seizure rounds to zero"))
	}

	var swapOut int64
	if e.global.SwapOnLiquidation {
		out, qerr := e.pool.Quote(amm.SideCollateralIn, seized)
		if qerr != nil {
			return nil, e.reject(op, &Error{Kind: KindInsufficientLiquidity, Op: op, Detail: "amm cannot absorb the seizure", Cause: qerr})
		}
		if out < cmd.MinOut {
			return nil, e.reject(op, compareErr(KindInsufficientLiquidity, op, out, cmd.MinOut, "swap proceeds below minimum"))
		}
		swapOut = out
	} else if seized < cmd.MinOut {
		return nil, e.reject(op, compareErr(KindInsufficientLiquidity, op, seized, cmd.MinOut, "seized collateral below minimum"))
	}

	e.journalGen.SetSequence(e.sequence)
	pendings := make([]pending, 0, 2)
	if interest > 0 {
		p, err := e.accrualPending(cmd.OperationID, cmd.BorrowerID, interest, accrued, &acc, ts)
		if err != nil {
			return nil, e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
		}
		pendings = append(pendings, p)
	}

	batch, err := e.journalGen.GenerateLiquidation(cmd.BorrowerID, cmd.OperationID.String(), repayApplied, seized, swapOut, ts.UnixMicro())
	if err != nil {
		return nil, e.reject(op, &Error{Kind: KindInsufficientBalance, Op: op, Cause: err})
	}

	if swapOut > 0 {
		if _, serr := e.pool.Swap(amm.SideCollateralIn, seized, swapOut); serr != nil {
			panic(fmt.Sprintf("FATAL: amm swap failed after successful quote: %v", serr))
		}
	}

	e.interest.Restore(acc.Index(), acc.LastAccrualUnix())
	e.registry.Touch(acct, e.interest.Index(), ts.UnixMicro())
	acct.LiquidationCount++
	e.stats.ApplyDebtDelta(interest - repayApplied)
	e.stats.ApplyCollateralDelta(-seized)
	e.stats.RecordLiquidation()

	remainingDebt := accrued - repayApplied
	closed := false
	if remainingDebt == 0 && collateral-seized == 0 && e.balances.GetUserWallet(cmd.BorrowerID) == 0 {
		e.registry.Close(acct, ts.UnixMicro())
		closed = true
	}

	evt := &event.PositionLiquidated{
		OperationID:      cmd.OperationID,
		LiquidatorID:     cmd.LiquidatorID,
		BorrowerID:       cmd.BorrowerID,
		RepaidAmount:     repayApplied,
		SeizedCollateral: seized,
		SwapOutput:       swapOut,
		HealthFactorPPM:  healthFactor,
		OraclePrice:      reading.Price,
		RemainingDebt:    remainingDebt,
		NewIndex:         acc.Index(),
		AccruedAtUnix:    acc.LastAccrualUnix(),
		AccountClosed:    closed,
	}
	pendings = append(pendings, pending{evt: evt, batch: batch, ts: ts})

	if err := e.commit(pendings); err != nil {
		return nil, err
	}
	e.postCheckInvariants(cmd.BorrowerID)

	if e.metrics != nil {
		path := "swap"
		if swapOut == 0 {
			path = "direct"
		}
		e.metrics.LiquidationsTotal.WithLabelValues(path).Inc()
		e.metrics.LiquidationRepaid.Add(float64(repayApplied))
		e.metrics.LiquidationSeized.Add(float64(seized))
		if swapOut > 0 {
			e.metrics.AmmSwaps.Inc()
		}
	}
	e.finish(op, start)

	return &LiquidateResult{
		RepaidAmount:     repayApplied,
		SeizedCollateral: seized,
		SwapOutput:       swapOut,
		HealthFactorPPM:  healthFactor,
		OraclePrice:      reading.Price,
		RemainingDebt:    remainingDebt,
		AccountClosed:    closed,
	}, nil
}

// GetPrice returns the validated aggregate price. Read-only; allowed while
// paused.
func (e *LendingEngine) GetPrice() (oracle.Reading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reading, rerr := e.readPrice("get_price")
	if rerr != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues("get_price", rerr.Kind.String()).Inc()
		}
		return oracle.Reading{}, rerr
	}
	return reading, nil
}

// ApplyPriceUpdate ingests one feed sample. Out-of-order samples are dropped
// without an event; accepted samples are committed to the log so replay sees
// the same feed history.
func (e *LendingEngine) ApplyPriceUpdate(upd *event.PriceUpdated) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "price_update"
	eventType := upd.EventType().String()
	key := upd.IdempotencyKey()

	if e.idempotency.IsDuplicate(eventType, key) {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		return nil
	}
	if upd.Price <= 0 {
		return e.reject(op, compareErr(KindInvalidAmount, op, upd.Price, 1, "price must be positive"))
	}

	publishedAt := time.Unix(upd.PublishedAtUnix, 0).UTC()
	if !e.feeds.Update(upd.FeedID, upd.Price, publishedAt) {
		// Not newer than the stored sample
		e.idempotency.MarkProcessed(eventType, key)
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(op, "not_newer").Inc()
		}
		return nil
	}

	if err := e.commit([]pending{{evt: upd, batch: nil, ts: publishedAt, sourceSeq: upd.Sequence}}); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OracleUpdates.WithLabelValues(upd.FeedID).Inc()
		e.metrics.OracleFeedAge.WithLabelValues(upd.FeedID).Set(e.clock().Sub(publishedAt).Seconds())
	}
	return nil
}

// --- Admin operations ---

// UpdateParams atomically replaces the mutable protocol parameters.
func (e *LendingEngine) UpdateParams(operationID, callerID uuid.UUID, upd state.ParamUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "update_params"

	if err := e.begin(op, event.EventTypeParamsUpdated, operationID.String()); err != nil {
		return err
	}
	if !e.global.IsAdmin(callerID) {
		return e.reject(op, opErr(KindUnauthorized, op, "caller is not the admin"))
	}
	if err := state.ValidateParamUpdate(&upd); err != nil {
		return e.reject(op, &Error{Kind: KindInvalidParameter, Op: op, Detail: err.Error(), Cause: err})
	}

	e.global.Apply(&upd)
	e.pool.FeePPM = upd.AmmFeePPM

	evt := &event.ParamsUpdated{
		OperationID:             operationID,
		CallerID:                callerID,
		Admin:                   e.global.Admin,
		CollateralFactorPPM:     upd.CollateralFactorPPM,
		LiquidationThresholdPPM: upd.LiquidationThresholdPPM,
		LiquidationBonusPPM:     upd.LiquidationBonusPPM,
		CloseFactorPPM:          upd.CloseFactorPPM,
		DepositFeePPM:           upd.DepositFeePPM,
		AmmFeePPM:               upd.AmmFeePPM,
		SwapOnLiquidation:       upd.SwapOnLiquidation,
		OracleStalenessSec:      upd.OracleStalenessSec,
		OracleDivergencePPM:     upd.OracleDivergencePPM,
		InterestBaseRatePPM:     upd.Interest.BaseRatePPM,
		InterestSlope1PPM:       upd.Interest.Slope1PPM,
		InterestSlope2PPM:       upd.Interest.Slope2PPM,
		InterestKinkPPM:         upd.Interest.KinkPPM,
		ParamsVersion:           e.global.Version,
	}

	ts := e.clock().UTC()
	if err := e.commit([]pending{{evt: evt, batch: nil, ts: ts}}); err != nil {
		return err
	}
	e.finish(op, ts)
	return nil
}

// SetPaused toggles the protocol-wide pause flag.
func (e *LendingEngine) SetPaused(operationID, callerID uuid.UUID, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "set_paused"

	evt := &event.PauseToggled{OperationID: operationID, CallerID: callerID, Paused: paused}
	if err := e.begin(op, evt.EventType(), operationID.String()); err != nil {
		return err
	}
	if !e.global.IsAdmin(callerID) {
		return e.reject(op, opErr(KindUnauthorized, op, "caller is not the admin"))
	}

	e.global.Paused = paused

	ts := e.clock().UTC()
	if err := e.commit([]pending{{evt: evt, batch: nil, ts: ts}}); err != nil {
		return err
	}
	e.finish(op, ts)
	return nil
}

// FundPool seeds the lending pool with quote liquidity.
func (e *LendingEngine) FundPool(operationID, callerID uuid.UUID, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "fund_pool"
	start := e.clock()

	if err := e.begin(op, event.EventTypePoolFunded, operationID.String()); err != nil {
		return err
	}
	if !e.global.IsAdmin(callerID) {
		return e.reject(op, opErr(KindUnauthorized, op, "caller is not the admin"))
	}
	if amount <= 0 {
		return e.reject(op, compareErr(KindInvalidAmount, op, amount, 1, "amount must be positive"))
	}

	ts := e.clock().UTC()
	e.journalGen.SetSequence(e.sequence)
	batch, err := e.journalGen.GeneratePoolFunding(operationID.String(), amount, ts.UnixMicro())
	if err != nil {
		return e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
	}

	evt := &event.PoolFunded{
		OperationID:  operationID,
		CallerID:     callerID,
		Amount:       amount,
		NewLiquidity: e.balances.GetPoolLiquidity() + amount,
	}

	if err := e.commit([]pending{{evt: evt, batch: batch, ts: ts}}); err != nil {
		return err
	}
	e.postCheckInvariants()
	e.finish(op, start)
	return nil
}

// AddAmmLiquidity grows both AMM reserves.
func (e *LendingEngine) AddAmmLiquidity(operationID, callerID uuid.UUID, collateralAmount, quoteAmount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "amm_add_liquidity"
	start := e.clock()

	if err := e.begin(op, event.EventTypeAmmLiquidityChanged, operationID.String()); err != nil {
		return err
	}
	if !e.global.IsAdmin(callerID) {
		return e.reject(op, opErr(KindUnauthorized, op, "caller is not the admin"))
	}
	if collateralAmount <= 0 || quoteAmount <= 0 {
		return e.reject(op, opErr(KindInvalidAmount, op, "both amounts must be positive"))
	}

	ts := e.clock().UTC()
	e.journalGen.SetSequence(e.sequence)
	batch, err := e.journalGen.GenerateAmmLiquidityAdd(operationID.String(), collateralAmount, quoteAmount, ts.UnixMicro())
	if err != nil {
		return e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
	}
	if err := e.pool.AddLiquidity(collateralAmount, quoteAmount); err != nil {
		return e.reject(op, &Error{Kind: KindInvalidAmount, Op: op, Cause: err})
	}

	evt := &event.AmmLiquidityChanged{
		OperationID:       operationID,
		CallerID:          callerID,
		CollateralDelta:   collateralAmount,
		QuoteDelta:        quoteAmount,
		ReserveCollateral: e.pool.ReserveCollateral,
		ReserveQuote:      e.pool.ReserveQuote,
	}

	if err := e.commit([]pending{{evt: evt, batch: batch, ts: ts}}); err != nil {
		return err
	}
	e.postCheckInvariants()
	e.finish(op, start)
	return nil
}

// RemoveAmmLiquidity shrinks both AMM reserves.
func (e *LendingEngine) RemoveAmmLiquidity(operationID, callerID uuid.UUID, collateralAmount, quoteAmount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "amm_remove_liquidity"
	start := e.clock()

	if err := e.begin(op, event.EventTypeAmmLiquidityChanged, operationID.String()); err != nil {
		return err
	}
	if !e.global.IsAdmin(callerID) {
		return e.reject(op, opErr(KindUnauthorized, op, "caller is not the admin"))
	}
	if collateralAmount < 0 || quoteAmount < 0 || (collateralAmount == 0 && quoteAmount == 0) {
		return e.reject(op, opErr(KindInvalidAmount, op, "nothing to remove"))
	}

	ts := e.clock().UTC()
	e.journalGen.SetSequence(e.sequence)
	batch, err := e.journalGen.GenerateAmmLiquidityRemove(operationID.String(), collateralAmount, quoteAmount, ts.UnixMicro())
	if err != nil {
		return e.reject(op, &Error{Kind: KindInsufficientLiquidity, Op: op, Cause: err})
	}
	if err := e.pool.RemoveLiquidity(collateralAmount, quoteAmount); err != nil {
		return e.reject(op, &Error{Kind: KindInsufficientLiquidity, Op: op, Cause: err})
	}

	evt := &event.AmmLiquidityChanged{
		OperationID:       operationID,
		CallerID:          callerID,
		CollateralDelta:   -collateralAmount,
		QuoteDelta:        -quoteAmount,
		ReserveCollateral: e.pool.ReserveCollateral,
		ReserveQuote:      e.pool.ReserveQuote,
	}

	if err := e.commit([]pending{{evt: evt, batch: batch, ts: ts}}); err != nil {
		return err
	}
	e.postCheckInvariants()
	e.finish(op, start)
	return nil
}

// --- Pipeline internals ---

type pending struct {
	evt       event.Event
	batch     *ledger.Batch
	ts        time.Time
	sourceSeq int64
}

// begin runs the dedup check under the event type the operation will commit
// as, matching the key MarkProcessed and the event log use.
func (e *LendingEngine) begin(op string, eventType event.EventType, key string) error {
	if e.idempotency.IsDuplicate(eventType.String(), key) {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		return opErr(KindDuplicateOperation, op, "operation already applied")
	}
	return nil
}

func (e *LendingEngine) reject(op string, err *Error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, err.Kind.String()).Inc()
	}
	return err
}

func (e *LendingEngine) finish(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsApplied.WithLabelValues(op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(e.clock().Sub(start).Seconds())
	e.updateGauges()
}

func (e *LendingEngine) oraclePolicy() oracle.Policy {
	return oracle.Policy{
		StalenessSec:  e.global.OracleStalenessSec,
		DivergencePPM: e.global.OracleDivergencePPM,
	}
}

func (e *LendingEngine) readPrice(op string) (oracle.Reading, *Error) {
	reading, err := e.prices.Price(e.oraclePolicy())
	if err != nil {
		oerr := oracleErr(op, err)
		if e.metrics != nil {
			e.metrics.OracleRejections.WithLabelValues(oerr.Kind.String()).Inc()
		}
		return oracle.Reading{}, oerr
	}
	if e.metrics != nil {
		e.metrics.OracleSpreadPPM.Set(float64(reading.SpreadPPM))
	}
	return reading, nil
}

// previewAccrual advances a scratch copy of the global index to nowUnix and
// settles the user's debt against it. Nothing is mutated: the caller commits
// the copy with interest.Restore only when the operation succeeds, so a
// rejected operation leaves no trace.
func (e *LendingEngine) previewAccrual(acct *state.Account, userID uuid.UUID, nowUnix int64) (state.InterestAccumulator, int64, int64, int64) {
	acc := *e.interest
	utilization := e.stats.UtilizationPPM(e.balances.GetPoolLiquidity())
	acc.Advance(e.global.Interest, utilization, nowUnix)

	ledgerDebt := e.balances.GetUserDebt(userID)
	if acct == nil || ledgerDebt == 0 {
		return acc, ledgerDebt, ledgerDebt, 0
	}
	accrued := acc.AccruedDebt(ledgerDebt, acct.DebtIndexSnapshot)
	return acc, ledgerDebt, accrued, accrued - ledgerDebt
}

func (e *LendingEngine) accrualPending(opID, userID uuid.UUID, interest, newDebt int64, acc *state.InterestAccumulator, ts time.Time) (pending, error) {
	evt := &event.InterestAccrued{
		OperationID:   opID,
		UserID:        userID,
		Interest:      interest,
		NewDebt:       newDebt,
		NewIndex:      acc.Index(),
		AccruedAtUnix: acc.LastAccrualUnix(),
	}
	batch, err := e.journalGen.GenerateInterestAccrual(userID, evt.IdempotencyKey(), interest, ts.UnixMicro())
	if err != nil {
		return pending{}, err
	}
	if e.metrics != nil {
		e.metrics.InterestAccrued.Add(float64(interest))
	}
	return pending{evt: evt, batch: batch, ts: ts}, nil
}

// commit runs the post-validation pipeline for one operation: apply each
// batch, extend the hash chain, build envelopes, emit, mark processed.
// An unbalanced batch at this point is a construction bug and panics.
func (e *LendingEngine) commit(pendings []pending) error {
	outputs := make([]EngineOutput, 0, len(pendings))

	for _, p := range pendings {
		if p.batch != nil && len(p.batch.Journals) > 0 {
			if err := e.validator.ValidateBatchBalance(p.batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}
			if err := e.balances.ApplyBatch(p.batch); err != nil {
				panic(fmt.Sprintf("FATAL: batch application failed after validation: %v", err))
			}
			if e.metrics != nil {
				for _, j := range p.batch.Journals {
					e.metrics.EngineJournals.WithLabelValues(j.JournalType.String()).Inc()
				}
			}
		}

		hashStart := e.clock()
		stateDigest := e.computeStateDigest(p.batch)
		prevHash := e.hasher.GetPrevHash()
		stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)
		if e.metrics != nil {
			e.metrics.StateHashDur.Observe(e.clock().Sub(hashStart).Seconds())
		}

		payload, err := json.Marshal(p.evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: event payload marshal failed: %v", err))
		}

		envelope := &event.EventEnvelope{
			Sequence:       e.sequence,
			IdempotencyKey: p.evt.IdempotencyKey(),
			EventType:      p.evt.EventType(),
			Timestamp:      p.ts,
			SourceSequence: p.sourceSeq,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}

		outputs = append(outputs, EngineOutput{
			Envelope:   envelope,
			Batch:      p.batch,
			StateDelta: stateDigest,
		})
		e.sequence++
	}

	e.emit(outputs)

	for _, p := range pendings {
		e.idempotency.MarkProcessed(p.evt.EventType().String(), p.evt.IdempotencyKey())
	}
	return nil
}

// emit sends committed outputs downstream. The persist channel send is
// blocking so no committed operation can be lost; the projection send is
// best-effort and drops on a full channel (projections rebuild from the
// event log).
func (e *LendingEngine) emit(outputs []EngineOutput) {
	for _, output := range outputs {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}

		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("engine").Inc()
			}
		}
	}
}

// computeStateDigest builds the canonical bytes for the state hash: the
// post-apply balance of every account the batch touched, sorted by account
// path.
func (e *LendingEngine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.balances.GetBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates the full invariant set after a commit. Any
// violation here means committed state is corrupt, so the process dies
// rather than serve wrong balances.
func (e *LendingEngine) postCheckInvariants(userIDs ...uuid.UUID) {
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	for _, userID := range userIDs {
		if err := e.validator.ValidateUserCollateralNonNegative(userID); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
		if err := e.validator.ValidateUserDebtNonNegative(userID); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
	if err := e.validator.ValidatePoolLiquidityNonNegative(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	if err := e.validator.ValidateAmmReservesNonNegative(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	if err := e.validator.ValidateStatsReconcile(e.stats.TotalCollateral, e.stats.TotalDebt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	reserveCollateral, reserveQuote := e.balances.GetAmmReserves()
	if reserveCollateral != e.pool.ReserveCollateral || reserveQuote != e.pool.ReserveQuote {
		panic(fmt.Sprintf("FATAL: amm reserves diverged from ledger: pool=(%d,%d) ledger=(%d,%d)",
			e.pool.ReserveCollateral, e.pool.ReserveQuote, reserveCollateral, reserveQuote))
	}
}

func (e *LendingEngine) updateGauges() {
	liquidity := e.balances.GetPoolLiquidity()
	utilization := e.stats.UtilizationPPM(liquidity)

	e.metrics.EngineSequence.Set(float64(e.sequence))
	e.metrics.PoolLiquidity.Set(float64(liquidity))
	e.metrics.TotalCollateral.Set(float64(e.stats.TotalCollateral))
	e.metrics.TotalDebt.Set(float64(e.stats.TotalDebt))
	e.metrics.UtilizationPPM.Set(float64(utilization))
	e.metrics.BorrowRatePPM.Set(float64(state.BorrowRatePPM(e.global.Interest, utilization)))
	collateralName, _ := ledger.GetAssetName(ledger.AssetCollateral)
	quoteName, _ := ledger.GetAssetName(ledger.AssetQuote)
	e.metrics.AmmReserves.WithLabelValues(collateralName).Set(float64(e.pool.ReserveCollateral))
	e.metrics.AmmReserves.WithLabelValues(quoteName).Set(float64(e.pool.ReserveQuote))
	e.metrics.AmmFeesAccrued.Set(float64(e.pool.FeesAccrued))
	e.metrics.DedupLRUSize.Set(float64(e.idempotency.lru.Size()))
}
