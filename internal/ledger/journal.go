package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeDepositFee
	JournalTypeBorrowPayout
	JournalTypeBorrowPrincipal
	JournalTypeInterestAccrual
	JournalTypeRepayCash
	JournalTypeRepayPrincipal
	JournalTypeRepayRefund
	JournalTypeWithdrawal
	JournalTypeWalletWithdrawal
	JournalTypeLiquidationRepay
	JournalTypeLiquidationExtinguish
	JournalTypeLiquidationSeize
	JournalTypeLiquidationPayout
	JournalTypePoolFunding
	JournalTypeAmmLiquidityAdd
	JournalTypeAmmLiquidityRemove
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeDepositFee:
		return "deposit_fee"
	case JournalTypeBorrowPayout:
		return "borrow_payout"
	case JournalTypeBorrowPrincipal:
		return "borrow_principal"
	case JournalTypeInterestAccrual:
		return "interest_accrual"
	case JournalTypeRepayCash:
		return "repay_cash"
	case JournalTypeRepayPrincipal:
		return "repay_principal"
	case JournalTypeRepayRefund:
		return "repay_refund"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeWalletWithdrawal:
		return "wallet_withdrawal"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	case JournalTypeLiquidationExtinguish:
		return "liquidation_extinguish"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeLiquidationPayout:
		return "liquidation_payout"
	case JournalTypePoolFunding:
		return "pool_funding"
	case JournalTypeAmmLiquidityAdd:
		return "amm_liquidity_add"
	case JournalTypeAmmLiquidityRemove:
		return "amm_liquidity_remove"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// JournalTypeFromString maps a stored journal_type back to its enum value.
func JournalTypeFromString(s string) (JournalType, bool) {
	for jt := JournalTypeDeposit; jt <= JournalTypeAdjustment; jt++ {
		if jt.String() == s {
			return jt, true
		}
	}
	return JournalTypeAdjustment, false
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source operation
	Sequence      int64       // Global operation sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by construction
// (a single positive amount moves from credit account to debit account). Therefore
// Σ debits == Σ credits is guaranteed per-entry. Multi-leg batches (e.g., liquidation
// with seize and payout) use multiple entries under one batch_id, each individually
// balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		// No self-transfers
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}
