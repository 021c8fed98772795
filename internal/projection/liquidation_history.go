package projection

import (
	"sync"

	"github.com/google/uuid"
)

// LiquidationRecord is one liquidation as served to queries.
type LiquidationRecord struct {
	Sequence         int64     `json:"sequence"`
	OperationID      uuid.UUID `json:"operation_id"`
	BorrowerID       uuid.UUID `json:"borrower_id"`
	LiquidatorID     uuid.UUID `json:"liquidator_id"`
	RepaidAmount     int64     `json:"repaid_amount"`
	SeizedCollateral int64     `json:"seized_collateral"`
	SwapOutput       int64     `json:"swap_output"`
	HealthFactorPPM  int64     `json:"health_factor_ppm"`
	OraclePrice      int64     `json:"oracle_price"`
	RemainingDebt    int64     `json:"remaining_debt"`
	AccountClosed    bool      `json:"account_closed"`
	Timestamp        int64     `json:"timestamp"`
}

// LiquidationHistory keeps a bounded in-memory tail of recent liquidations
// for cheap "what just happened" queries; the full history lives in
// projections.liquidation_history. Written by the projection worker, read
// by the query service.
type LiquidationHistory struct {
	mu      sync.RWMutex
	entries []LiquidationRecord
	limit   int
}

func NewLiquidationHistory(limit int) *LiquidationHistory {
	return &LiquidationHistory{
		entries: make([]LiquidationRecord, 0, limit),
		limit:   limit,
	}
}

// Add records a liquidation, evicting the oldest past the limit.
func (h *LiquidationHistory) Add(rec LiquidationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, rec)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

// Recent returns up to limit newest records, newest first.
func (h *LiquidationHistory) Recent(limit int) []LiquidationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationRecord, 0, limit)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, h.entries[i])
	}
	return result
}

// ByBorrower returns up to limit newest records for one borrower.
func (h *LiquidationHistory) ByBorrower(borrowerID uuid.UUID, limit int) []LiquidationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationRecord, 0, limit)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].BorrowerID == borrowerID {
			result = append(result, h.entries[i])
		}
	}
	return result
}
