package state_test

import (
	"testing"
	"time"

	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBorrowRatePPM_Kink(t *testing.T) {
	params := state.InterestParams{
		BaseRatePPM: 50_000,
		Slope1PPM:   0,
		Slope2PPM:   1_000_000, // 1:1 above the kink
		KinkPPM:     800_000,
	}

	tests := []struct {
		name        string
		utilization int64
		want        int64
	}{
		{"zero utilization", 0, 50_000},
		{"below kink", 500_000, 50_000},
		{"at kink", 800_000, 50_000},
		{"above kink", 900_000, 150_000}, // base + (90%-80%)
		{"full utilization", 1_000_000, 250_000},
		{"clamped above full", 1_200_000, 250_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := state.BorrowRatePPM(params, tt.utilization)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterestAccumulator_Advance(t *testing.T) {
	now := time.Now().Unix()
	ia := state.NewInterestAccumulator(now)
	require.Equal(t, state.IndexScale, ia.Index())

	params := state.InterestParams{BaseRatePPM: 100_000, KinkPPM: 800_000} // 10% flat

	// One year at 10% simple interest grows the index by ~10%
	ia.Advance(params, 0, now+365*24*3600)
	growth := ia.Index() - state.IndexScale
	assert.InDelta(t, float64(state.IndexScale)/10, float64(growth), float64(state.IndexScale)/1000)
}

func TestInterestAccumulator_AdvanceIdempotentBackwards(t *testing.T) {
	now := time.Now().Unix()
	ia := state.NewInterestAccumulator(now)
	params := state.InterestParams{BaseRatePPM: 100_000, KinkPPM: 800_000}

	ia.Advance(params, 0, now-10)
	assert.Equal(t, state.IndexScale, ia.Index(), "index must not move backwards")
}

func TestInterestAccumulator_AccruedDebt(t *testing.T) {
	now := time.Now().Unix()
	ia := state.NewInterestAccumulator(now)
	params := state.InterestParams{BaseRatePPM: 100_000, KinkPPM: 800_000}

	snapshot := ia.Index()
	ia.Advance(params, 0, now+365*24*3600)

	debt := ia.AccruedDebt(1_000_000, snapshot)
	assert.Greater(t, debt, int64(1_000_000), "debt must grow with the index")
	assert.Less(t, debt, int64(1_110_000))

	// No debt, no interest
	assert.Equal(t, int64(0), ia.AccruedDebt(0, snapshot))
	// Same index, unchanged
	assert.Equal(t, int64(500), ia.AccruedDebt(500, ia.Index()))
}

func TestValidateParamUpdate(t *testing.T) {
	valid := func() *state.ParamUpdate {
		return &state.ParamUpdate{
			CollateralFactorPPM:     500_000,
			LiquidationThresholdPPM: 800_000,
			LiquidationBonusPPM:     50_000,
			CloseFactorPPM:          500_000,
			AmmFeePPM:               3_000,
			OracleStalenessSec:      60,
			OracleDivergencePPM:     20_000,
			Interest:                state.InterestParams{BaseRatePPM: 50_000, KinkPPM: 800_000},
		}
	}

	require.NoError(t, state.ValidateParamUpdate(valid()))

	t.Run("collateral factor must be positive", func(t *testing.T) {
		p := valid()
		p.CollateralFactorPPM = 0
		assert.Error(t, state.ValidateParamUpdate(p))
	})

	t.Run("threshold must exceed collateral factor", func(t *testing.T) {
		p := valid()
		p.LiquidationThresholdPPM = p.CollateralFactorPPM
		assert.Error(t, state.ValidateParamUpdate(p))
	})

	t.Run("threshold capped at 100 percent", func(t *testing.T) {
		p := valid()
		p.LiquidationThresholdPPM = 1_000_001
		assert.Error(t, state.ValidateParamUpdate(p))
	})

	t.Run("close factor must be positive", func(t *testing.T) {
		p := valid()
		p.CloseFactorPPM = 0
		assert.Error(t, state.ValidateParamUpdate(p))
	})

	t.Run("staleness must be positive", func(t *testing.T) {
		p := valid()
		p.OracleStalenessSec = 0
		assert.Error(t, state.ValidateParamUpdate(p))
	})
}

func TestGlobalState_AdminAndApply(t *testing.T) {
	admin := uuid.New()
	gs := state.DefaultGlobalState(admin)

	assert.True(t, gs.IsAdmin(admin))
	assert.False(t, gs.IsAdmin(uuid.New()))

	before := gs.Version
	p := &state.ParamUpdate{
		CollateralFactorPPM:     400_000,
		LiquidationThresholdPPM: 700_000,
		LiquidationBonusPPM:     80_000,
		CloseFactorPPM:          300_000,
		AmmFeePPM:               3_000,
		OracleStalenessSec:      30,
		OracleDivergencePPM:     10_000,
		Interest:                state.InterestParams{BaseRatePPM: 60_000, KinkPPM: 900_000},
	}
	require.NoError(t, state.ValidateParamUpdate(p))
	gs.Apply(p)

	assert.Equal(t, int64(400_000), gs.CollateralFactorPPM)
	assert.Equal(t, int64(30), gs.OracleStalenessSec)
	assert.Equal(t, before+1, gs.Version)

	// NewAdmin zero keeps the current admin
	assert.True(t, gs.IsAdmin(admin))

	next := uuid.New()
	p.NewAdmin = next
	gs.Apply(p)
	assert.True(t, gs.IsAdmin(next))
	assert.False(t, gs.IsAdmin(admin))
}

func TestAccountRegistry_Lifecycle(t *testing.T) {
	reg := state.NewAccountRegistry()
	userID := uuid.New()

	require.Nil(t, reg.Get(userID))

	acct := reg.GetOrCreate(userID, state.IndexScale, 1000)
	require.NotNil(t, acct)
	assert.Equal(t, state.AccountStatusActive, acct.Status)
	assert.Equal(t, state.IndexScale, acct.DebtIndexSnapshot)

	reg.Close(acct, 2000)
	assert.Equal(t, state.AccountStatusClosed, acct.Status)

	// Reopening resets the index snapshot to the current index
	reopened := reg.GetOrCreate(userID, state.IndexScale+500, 3000)
	assert.Same(t, acct, reopened)
	assert.Equal(t, state.AccountStatusActive, reopened.Status)
	assert.Equal(t, state.IndexScale+500, reopened.DebtIndexSnapshot)
}

func TestProtocolStats_Utilization(t *testing.T) {
	stats := state.NewProtocolStats()
	assert.Equal(t, int64(0), stats.UtilizationPPM(0))

	stats.ApplyDebtDelta(80_000_000)
	// 80 borrowed, 20 idle -> 80% utilization
	assert.Equal(t, int64(800_000), stats.UtilizationPPM(20_000_000))
}
