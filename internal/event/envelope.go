package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeAssetBorrowed
	EventTypeDebtRepaid
	EventTypeCollateralWithdrawn
	EventTypeWalletWithdrawn
	EventTypePositionLiquidated
	EventTypeInterestAccrued
	EventTypePriceUpdated
	EventTypeParamsUpdated
	EventTypeProtocolPaused
	EventTypeProtocolUnpaused
	EventTypePoolFunded
	EventTypeAmmLiquidityChanged
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key of the originating operation
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for price updates, 0 for user operations
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeAssetBorrowed:
		return "AssetBorrowed"
	case EventTypeDebtRepaid:
		return "DebtRepaid"
	case EventTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case EventTypeWalletWithdrawn:
		return "WalletWithdrawn"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeInterestAccrued:
		return "InterestAccrued"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypeParamsUpdated:
		return "ParamsUpdated"
	case EventTypeProtocolPaused:
		return "ProtocolPaused"
	case EventTypeProtocolUnpaused:
		return "ProtocolUnpaused"
	case EventTypePoolFunded:
		return "PoolFunded"
	case EventTypeAmmLiquidityChanged:
		return "AmmLiquidityChanged"
	default:
		return "Unknown"
	}
}

// EventTypeFromString maps a stored event_type back to its discriminator.
// Returns EventTypeUnknown for names this build does not know.
func EventTypeFromString(s string) EventType {
	switch s {
	case "CollateralDeposited":
		return EventTypeCollateralDeposited
	case "AssetBorrowed":
		return EventTypeAssetBorrowed
	case "DebtRepaid":
		return EventTypeDebtRepaid
	case "CollateralWithdrawn":
		return EventTypeCollateralWithdrawn
	case "WalletWithdrawn":
		return EventTypeWalletWithdrawn
	case "PositionLiquidated":
		return EventTypePositionLiquidated
	case "InterestAccrued":
		return EventTypeInterestAccrued
	case "PriceUpdated":
		return EventTypePriceUpdated
	case "ParamsUpdated":
		return EventTypeParamsUpdated
	case "ProtocolPaused":
		return EventTypeProtocolPaused
	case "ProtocolUnpaused":
		return EventTypeProtocolUnpaused
	case "PoolFunded":
		return EventTypePoolFunded
	case "AmmLiquidityChanged":
		return EventTypeAmmLiquidityChanged
	default:
		return EventTypeUnknown
	}
}
