package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/fixedpoint"
	"LendLedger/internal/ledger"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"
)

// SnapshotState holds the serializable in-memory state for restore. This
// mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte

	Balances map[ledger.AccountKey]int64
	Accounts []*state.Account
	Stats    state.ProtocolStats
	Params   state.GlobalState

	InterestIndex   int64
	LastAccrualUnix int64

	PoolReserveCollateral int64
	PoolReserveQuote      int64
	PoolFeesAccrued       int64

	Feeds map[string]oracle.Sample

	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *LendingEngine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &SnapshotState{
		Sequence:              e.sequence - 1, // Last committed sequence
		StateHash:             e.hasher.GetPrevHash(),
		Balances:              e.balances.Snapshot(),
		Accounts:              e.registry.All(),
		Stats:                 e.stats.Clone(),
		Params:                *e.global,
		InterestIndex:         e.interest.Index(),
		LastAccrualUnix:       e.interest.LastAccrualUnix(),
		PoolReserveCollateral: e.pool.ReserveCollateral,
		PoolReserveQuote:      e.pool.ReserveQuote,
		PoolFeesAccrued:       e.pool.FeesAccrued,
		Feeds:                 e.feeds.Snapshot(),
		IdempotencyKeys:       e.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot loads the engine's in-memory state from a snapshot.
// On warm restart: restore the latest verified snapshot, then replay the
// event log from the following sequence.
func (e *LendingEngine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.balances.Restore(snap.Balances)
	e.journalGen.SetSequence(e.sequence)

	for _, acct := range snap.Accounts {
		e.registry.Set(acct)
	}

	*e.stats = snap.Stats
	*e.global = snap.Params
	e.interest.Restore(snap.InterestIndex, snap.LastAccrualUnix)

	e.pool.ReserveCollateral = snap.PoolReserveCollateral
	e.pool.ReserveQuote = snap.PoolReserveQuote
	e.pool.FeesAccrued = snap.PoolFeesAccrued
	e.pool.FeePPM = snap.Params.AmmFeePPM

	e.feeds.Restore(snap.Feeds)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// ApplyReplay re-applies one committed event from the log during recovery.
// The journal batch rebuilds balances; the payload rebuilds derived state
// (accounts, stats, interest index, pool, feeds, params). The recomputed
// state hash must match the stored one or the log has diverged from the
// code and recovery stops.
func (e *LendingEngine) ApplyReplay(env *event.EventEnvelope, batch *ledger.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence {
		return fmt.Errorf("replay sequence gap: have %d, log says %d", e.sequence, env.Sequence)
	}

	if batch != nil && len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			return fmt.Errorf("replay batch invalid at seq %d: %w", env.Sequence, err)
		}
		if err := e.balances.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay batch apply failed at seq %d: %w", env.Sequence, err)
		}
	}

	digest := e.computeStateDigest(batch)
	hash := e.hasher.ComputeHash(e.sequence, digest)
	if !bytes.Equal(hash[:], env.StateHash[:]) {
		return fmt.Errorf("replay hash mismatch at seq %d", env.Sequence)
	}

	if err := e.replayDerivedState(env); err != nil {
		return fmt.Errorf("replay derived state at seq %d: %w", env.Sequence, err)
	}

	e.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	e.sequence++
	e.journalGen.SetSequence(e.sequence)
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (e *LendingEngine) replayDerivedState(env *event.EventEnvelope) error {
	micros := env.Timestamp.UnixMicro()

	switch env.EventType {
	case event.EventTypeCollateralDeposited:
		var p event.CollateralDeposited
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		acct := e.registry.GetOrCreate(p.UserID, e.interest.Index(), micros)
		acct.LastUpdateMicros = micros
		acct.Version++
		e.stats.ApplyCollateralDelta(p.Amount - p.FeeAmount)

	case event.EventTypeInterestAccrued:
		var p event.InterestAccrued
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.interest.Restore(p.NewIndex, p.AccruedAtUnix)
		if acct := e.registry.Get(p.UserID); acct != nil {
			e.registry.Touch(acct, p.NewIndex, micros)
		}
		e.stats.ApplyDebtDelta(p.Interest)

	case event.EventTypeAssetBorrowed:
		var p event.AssetBorrowed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		// The live path commits the advanced index even when no interest was
		// settled (no InterestAccrued event precedes this one).
		e.interest.Restore(p.NewIndex, p.AccruedAtUnix)
		acct := e.registry.GetOrCreate(p.UserID, e.interest.Index(), micros)
		e.registry.Touch(acct, e.interest.Index(), micros)
		e.stats.ApplyDebtDelta(p.Amount)

	case event.EventTypeDebtRepaid:
		var p event.DebtRepaid
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.interest.Restore(p.NewIndex, p.AccruedAtUnix)
		e.stats.ApplyDebtDelta(-p.Applied)
		if acct := e.registry.Get(p.UserID); acct != nil {
			e.registry.Touch(acct, e.interest.Index(), micros)
			if p.AccountClosed {
				e.registry.Close(acct, micros)
			}
		}

	case event.EventTypeCollateralWithdrawn:
		var p event.CollateralWithdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.interest.Restore(p.NewIndex, p.AccruedAtUnix)
		e.stats.ApplyCollateralDelta(-p.Amount)
		if acct := e.registry.Get(p.UserID); acct != nil {
			e.registry.Touch(acct, e.interest.Index(), micros)
			if p.AccountClosed {
				e.registry.Close(acct, micros)
			}
		}

	case event.EventTypeWalletWithdrawn:
		var p event.WalletWithdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if acct := e.registry.Get(p.UserID); acct != nil {
			acct.LastUpdateMicros = micros
			acct.Version++
			if p.AccountClosed {
				e.registry.Close(acct, micros)
			}
		}

	case event.EventTypePositionLiquidated:
		var p event.PositionLiquidated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.interest.Restore(p.NewIndex, p.AccruedAtUnix)
		e.stats.ApplyDebtDelta(-p.RepaidAmount)
		e.stats.ApplyCollateralDelta(-p.SeizedCollateral)
		e.stats.RecordLiquidation()
		if acct := e.registry.Get(p.BorrowerID); acct != nil {
			e.registry.Touch(acct, e.interest.Index(), micros)
			acct.LiquidationCount++
			if p.AccountClosed {
				e.registry.Close(acct, micros)
			}
		}
		// Pool reserves mirror the ledger's amm accounts; fees re-accrue the
		// same way Swap would have.
		e.pool.ReserveCollateral, e.pool.ReserveQuote = e.balances.GetAmmReserves()
		if p.SwapOutput > 0 {
			e.pool.FeesAccrued += fixedpoint.ApplyRate(p.SeizedCollateral, e.pool.FeePPM)
		}

	case event.EventTypePriceUpdated:
		var p event.PriceUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.feeds.Update(p.FeedID, p.Price, time.Unix(p.PublishedAtUnix, 0).UTC())

	case event.EventTypeParamsUpdated:
		var p event.ParamsUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		e.global.Apply(&state.ParamUpdate{
			NewAdmin:                p.Admin,
			CollateralFactorPPM:     p.CollateralFactorPPM,
			LiquidationThresholdPPM: p.LiquidationThresholdPPM,
			LiquidationBonusPPM:     p.LiquidationBonusPPM,
			CloseFactorPPM:          p.CloseFactorPPM,
			DepositFeePPM:           p.DepositFeePPM,
			AmmFeePPM:               p.AmmFeePPM,
			SwapOnLiquidation:       p.SwapOnLiquidation,
			OracleStalenessSec:      p.OracleStalenessSec,
			OracleDivergencePPM:     p.OracleDivergencePPM,
			Interest: state.InterestParams{
				BaseRatePPM: p.InterestBaseRatePPM,
				Slope1PPM:   p.InterestSlope1PPM,
				Slope2PPM:   p.InterestSlope2PPM,
				KinkPPM:     p.InterestKinkPPM,
			},
		})
		e.pool.FeePPM = p.AmmFeePPM

	case event.EventTypeProtocolPaused:
		e.global.Paused = true

	case event.EventTypeProtocolUnpaused:
		e.global.Paused = false

	case event.EventTypePoolFunded:
		// Balances already carry the liquidity; nothing derived to update.

	case event.EventTypeAmmLiquidityChanged:
		e.pool.ReserveCollateral, e.pool.ReserveQuote = e.balances.GetAmmReserves()

	default:
		return fmt.Errorf("unknown event type %d", env.EventType)
	}

	return nil
}

// WarmLRU loads recent idempotency keys so freshly restarted engines dedup
// on the hot path.
func (e *LendingEngine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence the engine will assign.
func (e *LendingEngine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current hash chain tip.
func (e *LendingEngine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}
