package oracle_test

import (
	"errors"
	"testing"
	"time"

	"LendLedger/internal/oracle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var basePolicy = oracle.Policy{StalenessSec: 60, DivergencePPM: 20_000}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFeedStore_UpdateAndRead(t *testing.T) {
	store := oracle.NewFeedStore()
	now := time.Now()

	require.True(t, store.Update("pyth", 1_500_000, now))

	sample, err := store.Read("pyth")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), sample.Price)

	_, err = store.Read("missing")
	assert.Error(t, err)
}

func TestFeedStore_RejectsOutOfOrder(t *testing.T) {
	store := oracle.NewFeedStore()
	now := time.Now()

	require.True(t, store.Update("pyth", 1_500_000, now))
	assert.False(t, store.Update("pyth", 1_400_000, now.Add(-time.Second)), "older sample dropped")
	assert.False(t, store.Update("pyth", 1_400_000, now), "duplicate timestamp dropped")

	sample, err := store.Read("pyth")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), sample.Price, "price must not regress")
}

func TestAggregator_HealthyDualFeed(t *testing.T) {
	store := oracle.NewFeedStore()
	now := time.Now()
	store.Update("pyth", 1_500_000, now.Add(-5*time.Second))
	store.Update("switchboard", 1_510_000, now.Add(-10*time.Second))

	agg := oracle.NewAggregator(store, "pyth", "switchboard").WithClock(fixedClock(now))

	reading, err := agg.Price(basePolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), reading.Price, "primary price wins")
	assert.Greater(t, reading.SpreadPPM, int64(0))
	assert.Equal(t, 5*time.Second, reading.PrimaryAge)
	assert.Equal(t, 10*time.Second, reading.SecondaryAge)
}

func TestAggregator_StalePrimary(t *testing.T) {
	store := oracle.NewFeedStore()
	now := time.Now()
	store.Update("pyth", 1_500_000, now.Add(-120*time.Second))
	store.Update("switchboard", 1_500_000, now.Add(-5*time.Second))

	agg := oracle.NewAggregator(store, "pyth", "switchboard").WithClock(fixedClock(now))

	_, err := agg.Price(basePolicy)
	var stale *oracle.StaleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "pyth", stale.FeedID)
	assert.Equal(t, int64(60), stale.ToleranceSec)
}

func TestAggregator_Divergence(t *testing.T) {
	store := oracle.NewFeedStore()
	now := time.Now()
	store.Update("pyth", 1_500_000, now)
	store.Update("switchboard", 1_600_000, now) // ~6.7% apart

	agg := oracle.NewAggregator(store, "pyth", "switchboard").WithClock(fixedClock(now))

	_, err := agg.Price(basePolicy)
	var div *oracle.DivergenceError
	require.ErrorAs(t, err, &div)
	assert.Equal(t, int64(1_500_000), div.PrimaryPrice)
	assert.Greater(t, div.SpreadPPM, div.TolerancePPM)
}

func TestAggregator_FallbackToSecondary(t *testing.T) {
	store := oracle.NewFeedStore()
	now := time.Now()
	// Primary never published; secondary is fresh
	store.Update("switchboard", 1_480_000, now.Add(-3*time.Second))

	agg := oracle.NewAggregator(store, "pyth", "switchboard").WithClock(fixedClock(now))

	reading, err := agg.Price(basePolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(1_480_000), reading.Price)
}

func TestAggregator_BothUnavailable(t *testing.T) {
	store := oracle.NewFeedStore()
	agg := oracle.NewAggregator(store, "pyth", "switchboard")

	_, err := agg.Price(basePolicy)
	var unavailable *oracle.UnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestAggregator_SingleFeed(t *testing.T) {
	store := oracle.NewFeedStore()
	now := time.Now()
	store.Update("pyth", 1_500_000, now.Add(-time.Second))

	agg := oracle.NewAggregator(store, "pyth", "").WithClock(fixedClock(now))

	reading, err := agg.Price(basePolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), reading.Price)
	assert.Equal(t, int64(0), reading.SpreadPPM)
}

type failingReader struct{}

func (failingReader) Read(string) (oracle.Sample, error) {
	return oracle.Sample{}, errors.New("io timeout")
}

func TestAggregator_FeedIOErrorIsUnavailable(t *testing.T) {
	agg := oracle.NewAggregator(failingReader{}, "pyth", "")

	_, err := agg.Price(basePolicy)
	var unavailable *oracle.UnavailableError
	require.ErrorAs(t, err, &unavailable)
}
