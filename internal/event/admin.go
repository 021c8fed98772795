package event

import "github.com/google/uuid"

// ParamsUpdated is emitted after an admin parameter update. It carries the
// complete parameter set so replay can reconstruct configuration exactly.
type ParamsUpdated struct {
	OperationID             uuid.UUID `json:"operation_id"`
	CallerID                uuid.UUID `json:"caller_id"`
	Admin                   uuid.UUID `json:"admin"` // Admin identity after the update
	CollateralFactorPPM     int64     `json:"collateral_factor_ppm"`
	LiquidationThresholdPPM int64     `json:"liquidation_threshold_ppm"`
	LiquidationBonusPPM     int64     `json:"liquidation_bonus_ppm"`
	CloseFactorPPM          int64     `json:"close_factor_ppm"`
	DepositFeePPM           int64     `json:"deposit_fee_ppm"`
	AmmFeePPM               int64     `json:"amm_fee_ppm"`
	SwapOnLiquidation       bool      `json:"swap_on_liquidation"`
	OracleStalenessSec      int64     `json:"oracle_staleness_sec"`
	OracleDivergencePPM     int64     `json:"oracle_divergence_ppm"`
	InterestBaseRatePPM     int64     `json:"interest_base_rate_ppm"`
	InterestSlope1PPM       int64     `json:"interest_slope1_ppm"`
	InterestSlope2PPM       int64     `json:"interest_slope2_ppm"`
	InterestKinkPPM         int64     `json:"interest_kink_ppm"`
	ParamsVersion           int64     `json:"params_version"`
}

func (e *ParamsUpdated) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *ParamsUpdated) EventType() EventType {
	return EventTypeParamsUpdated
}

// PauseToggled is emitted when the admin pauses or unpauses the protocol.
type PauseToggled struct {
	OperationID uuid.UUID `json:"operation_id"`
	CallerID    uuid.UUID `json:"caller_id"`
	Paused      bool      `json:"paused"`
}

func (e *PauseToggled) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *PauseToggled) EventType() EventType {
	if e.Paused {
		return EventTypeProtocolPaused
	}
	return EventTypeProtocolUnpaused
}
