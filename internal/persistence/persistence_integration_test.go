package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LendLedger/internal/persistence"
	"LendLedger/internal/testutil"
)

func setupPersistence(t *testing.T) (*sql.DB, *persistence.SnapshotManager, *persistence.EventLogWriter, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	migrator := persistence.NewMigrator(db, "../../migrations")
	require.NoError(t, migrator.Up(context.Background()))

	return db,
		persistence.NewSnapshotManager(db),
		persistence.NewEventLogWriter(db, 50, 10*time.Millisecond),
		cleanup
}

func sampleEventRow(seq int64) persistence.EventRow {
	return persistence.EventRow{
		Sequence:       seq,
		EventType:      "CollateralDeposited",
		IdempotencyKey: uuid.New().String(),
		Payload:        []byte(`{"amount":1000000}`),
		StateHash:      make([]byte, 32),
		PrevHash:       make([]byte, 32),
		Timestamp:      time.Unix(1_700_000_000+seq, 0).UTC(),
		SourceSequence: 0,
	}
}

func sampleJournalRow(seq int64, user uuid.UUID) persistence.JournalRow {
	return persistence.JournalRow{
		JournalID:     uuid.New().String(),
		BatchID:       uuid.New().String(),
		EventRef:      "deposit:" + user.String(),
		Sequence:      seq,
		DebitAccount:  "user:" + user.String() + ":collateral:LST",
		CreditAccount: "external:deposits:LST",
		AssetID:       1,
		Amount:        1_000_000,
		JournalType:   "deposit",
		Timestamp:     1_700_000_000_000_000 + seq,
	}
}

func TestEventLogRoundTrip(t *testing.T) {
	db, snapMgr, writer, cleanup := setupPersistence(t)
	defer cleanup()

	ctx := context.Background()
	user := uuid.New()

	events := []persistence.EventRow{sampleEventRow(0), sampleEventRow(1)}
	journals := []persistence.JournalRow{sampleJournalRow(0, user), sampleJournalRow(1, user)}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, events))
	require.NoError(t, writer.WriteJournalBatch(ctx, tx, journals))
	require.NoError(t, tx.Commit())

	// Rewriting the same rows is a no-op
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, events))
	require.NoError(t, tx.Commit())

	loaded, err := snapMgr.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, events[0].IdempotencyKey, loaded[0].IdempotencyKey)
	assert.Equal(t, int64(1), loaded[1].Sequence)

	loadedJournals, err := snapMgr.LoadJournalsForRange(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, loadedJournals, 2)
	assert.Equal(t, journals[0].DebitAccount, loadedJournals[0].DebitAccount)
	assert.Equal(t, "deposit", loadedJournals[0].JournalType)

	keys, err := snapMgr.LoadRecentIdempotencyKeys(ctx, 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	// Newest first, composite "EventType:key" format
	assert.Equal(t, "CollateralDeposited:"+events[1].IdempotencyKey, keys[0])

	seq, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestSnapshotVerificationGate(t *testing.T) {
	_, snapMgr, _, cleanup := setupPersistence(t)
	defer cleanup()

	ctx := context.Background()

	snap := &persistence.SnapshotData{
		Sequence:        41,
		StateHash:       make([]byte, 32),
		Balances:        map[string]int64{"system:lending_pool:USD": 5_000_000},
		InterestIndex:   1_000_000,
		LastAccrualUnix: 1_700_000_000,
		IdempotencyKeys: []string{"CollateralDeposited:abc"},
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, snapMgr.SaveSnapshot(ctx, snap))

	// Unverified snapshots are never loaded
	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, snapMgr.MarkVerified(ctx, snap.Sequence))

	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(41), loaded.Sequence)
	assert.Equal(t, int64(5_000_000), loaded.Balances["system:lending_pool:USD"])
	assert.Equal(t, snap.IdempotencyKeys, loaded.IdempotencyKeys)
}
