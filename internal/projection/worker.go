package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"LendLedger/internal/event"
)

// ProjectionOutput mirrors the data projection workers need.
// The orchestrator bridges between core.EngineOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	Payload        []byte
	JournalEntries []JournalEntry
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       int16
	Amount        int64
	JournalType   string
}

// ProjectionWorker updates projection tables from committed events.
// The projection channel is non-blocking with drop: if projections fall
// behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *LiquidationHistory
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, history *LiquidationHistory) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue; projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.EventType == "PositionLiquidated" {
		if err := pw.recordLiquidation(ctx, tx, output); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies one journal to projections.balances.
// Sign convention matches the in-memory tracker: debit increases the
// account, credit decreases it.
func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) recordLiquidation(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var p event.PositionLiquidated
	if err := json.Unmarshal(output.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	if pw.history != nil {
		pw.history.Add(LiquidationRecord{
			Sequence:         output.Sequence,
			OperationID:      p.OperationID,
			BorrowerID:       p.BorrowerID,
			LiquidatorID:     p.LiquidatorID,
			RepaidAmount:     p.RepaidAmount,
			SeizedCollateral: p.SeizedCollateral,
			SwapOutput:       p.SwapOutput,
			HealthFactorPPM:  p.HealthFactorPPM,
			OraclePrice:      p.OraclePrice,
			RemainingDebt:    p.RemainingDebt,
			AccountClosed:    p.AccountClosed,
			Timestamp:        output.Timestamp,
		})
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, operation_id, borrower_id, liquidator_id, repaid_amount,
			 seized_collateral, swap_output, health_factor_ppm, oracle_price,
			 remaining_debt, account_closed, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, p.OperationID, p.BorrowerID, p.LiquidatorID,
		p.RepaidAmount, p.SeizedCollateral, p.SwapOutput, p.HealthFactorPPM,
		p.OraclePrice, p.RemainingDebt, p.AccountClosed, output.Timestamp)
	return err
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	// Truncate all projection tables
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit side adds
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credit side subtracts
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	// Liquidation history comes straight from the event payloads
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, operation_id, borrower_id, liquidator_id, repaid_amount,
			 seized_collateral, swap_output, health_factor_ppm, oracle_price,
			 remaining_debt, account_closed, timestamp)
		SELECT
			sequence,
			(payload->>'operation_id')::uuid,
			(payload->>'borrower_id')::uuid,
			(payload->>'liquidator_id')::uuid,
			(payload->>'repaid_amount')::bigint,
			(payload->>'seized_collateral')::bigint,
			(payload->>'swap_output')::bigint,
			(payload->>'health_factor_ppm')::bigint,
			(payload->>'oracle_price')::bigint,
			(payload->>'remaining_debt')::bigint,
			(payload->>'account_closed')::boolean,
			(EXTRACT(EPOCH FROM timestamp) * 1000000)::bigint
		FROM event_log.events
		WHERE event_type = 'PositionLiquidated'
		ON CONFLICT (sequence) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild liquidation history: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
