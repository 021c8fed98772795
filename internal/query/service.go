package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/ledger"
	"LendLedger/internal/projection"
)

// QueryService provides read-only access to projection tables. All
// responses include as_of_sequence so callers can reason about freshness
// relative to the engine sequence.
type QueryService struct {
	db      *sql.DB
	history *projection.LiquidationHistory
}

func NewQueryService(db *sql.DB, history *projection.LiquidationHistory) *QueryService {
	return &QueryService{db: db, history: history}
}

// GetBalances returns a user's projected ledger balances.
func (qs *QueryService) GetBalances(ctx context.Context, userID uuid.UUID) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	collateral, err := qs.getProjectedBalance(ctx,
		ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, ledger.AssetCollateral).AccountPath())
	if err != nil {
		return nil, err
	}

	debt, err := qs.getProjectedBalance(ctx,
		ledger.NewUserAccountKey(userID, ledger.SubTypeDebt, ledger.AssetQuote).AccountPath())
	if err != nil {
		return nil, err
	}

	wallet, err := qs.getProjectedBalance(ctx,
		ledger.NewUserAccountKey(userID, ledger.SubTypeWallet, ledger.AssetQuote).AccountPath())
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:       userID,
		Collateral:   collateral,
		Debt:         debt,
		Wallet:       wallet,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetProtocolBalances returns the projected system account balances.
func (qs *QueryService) GetProtocolBalances(ctx context.Context) (*ProtocolBalances, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	out := &ProtocolBalances{AsOfSequence: asOfSeq}

	reads := []struct {
		key  ledger.AccountKey
		dest *int64
	}{
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemLendingPool, ledger.AssetQuote), &out.PoolLiquidity},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemLoans, ledger.AssetQuote), &out.LoansOutstanding},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemInterest, ledger.AssetQuote), &out.InterestEarned},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, ledger.AssetCollateral), &out.FeesCollected},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemAmmCollateral, ledger.AssetCollateral), &out.AmmReserveCollateral},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemAmmQuote, ledger.AssetQuote), &out.AmmReserveQuote},
	}

	for _, r := range reads {
		balance, err := qs.getProjectedBalance(ctx, r.key.AccountPath())
		if err != nil {
			return nil, err
		}
		*r.dest = balance
	}

	return out, nil
}

// GetLiquidationHistory returns liquidations against a borrower, newest
// first, with cursor-based pagination on sequence.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	borrowerID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]projection.LiquidationRecord, error) {
	query := `
		SELECT sequence, operation_id, borrower_id, liquidator_id, repaid_amount,
		       seized_collateral, swap_output, health_factor_ppm, oracle_price,
		       remaining_debt, account_closed, timestamp
		FROM projections.liquidation_history
		WHERE borrower_id = $1
	`
	args := []interface{}{borrowerID}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []projection.LiquidationRecord
	for rows.Next() {
		var r projection.LiquidationRecord
		if err := rows.Scan(
			&r.Sequence, &r.OperationID, &r.BorrowerID, &r.LiquidatorID,
			&r.RepaidAmount, &r.SeizedCollateral, &r.SwapOutput,
			&r.HealthFactorPPM, &r.OraclePrice, &r.RemainingDebt,
			&r.AccountClosed, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetRecentLiquidations serves the in-memory tail without touching the
// database. Falls back to empty when the worker was started without one.
func (qs *QueryService) GetRecentLiquidations(limit int) []projection.LiquidationRecord {
	if qs.history == nil {
		return nil
	}
	return qs.history.Recent(limit)
}

// GetJournalHistory returns journal entries for a user with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the global zero-sum
// invariant against the stored log and projections.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Check global balance (should sum to zero across all accounts per asset)
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID int16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
