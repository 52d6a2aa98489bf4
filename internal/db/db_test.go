package db

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/resample/internal/monitoring"
	"github.com/banshee-data/resample/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func setupTestDB(t *testing.T) (*DB, *timeutil.MockClock) {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db.SetClock(clock)
	return db, clock
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	t.Parallel()
	db, _ := setupTestDB(t)

	latest, err := LatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateDownAndUp(t *testing.T) {
	t.Parallel()
	db, _ := setupTestDB(t)

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	version, _, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='run_weights'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateTo(MigrationsFS(), 2))
	require.NoError(t, db.MigrateUp(MigrationsFS()))
	version, _, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestOpenDB_LeavesSchemaAlone(t *testing.T) {
	t.Parallel()
	db, err := OpenDB(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)
}

func TestRecordAndGetRun(t *testing.T) {
	t.Parallel()
	db, clock := setupTestDB(t)

	run := &Run{
		Kind:        KindWeights,
		ImageCount:  2,
		ConfigJSON:  json.RawMessage(`{"alpha_fp":2}`),
		SummaryJSON: json.RawMessage(`{"hard_samples":1}`),
	}
	weights := []RunWeight{
		{Filename: "b.jpg", Difficulty: 3.1, Weight: 3},
		{Filename: "a.jpg", Difficulty: 0, Weight: 1},
	}
	require.NoError(t, db.RecordRun(run, weights))
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, clock.Now().UnixNano(), run.CreatedAt)

	got, err := db.GetRun(run.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("GetRun() mismatch (-want +got):\n%s", diff)
	}

	gotWeights, err := db.RunWeights(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, weights, gotWeights)
}

func TestRecordRun_DuplicateFilenamesKeepOrder(t *testing.T) {
	t.Parallel()
	db, _ := setupTestDB(t)

	weights := []RunWeight{{Filename: "a.jpg", Weight: 1}, {Filename: "a.jpg", Weight: 2}}
	run := &Run{Kind: KindPipeline}
	require.NoError(t, db.RecordRun(run, weights))

	got, err := db.RunWeights(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, weights, got)
}

func TestRecordRun_NoJSON(t *testing.T) {
	t.Parallel()
	db, _ := setupTestDB(t)

	run := &Run{RunID: "fixed-id", Kind: KindMaterialize, CreatedAt: 42}
	require.NoError(t, db.RecordRun(run, nil))

	got, err := db.GetRun("fixed-id")
	require.NoError(t, err)
	assert.Nil(t, got.ConfigJSON)
	assert.Nil(t, got.SummaryJSON)
	assert.Equal(t, int64(42), got.CreatedAt)

	// A second run with the same ID is rejected and leaves no weights behind.
	err = db.RecordRun(&Run{RunID: "fixed-id", Kind: KindWeights}, []RunWeight{{Filename: "x.jpg", Weight: 1}})
	assert.Error(t, err)
	ws, err := db.RunWeights("fixed-id")
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	db, clock := setupTestDB(t)

	var ids []string
	for _, kind := range []string{KindEvaluate, KindWeights, KindSummary} {
		run := &Run{Kind: kind}
		require.NoError(t, db.RecordRun(run, nil))
		ids = append(ids, run.RunID)
		clock.Advance(time.Second)
	}

	runs, err := db.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})
	assert.Equal(t, KindSummary, runs[0].Kind)

	limited, err := db.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteRun(t *testing.T) {
	t.Parallel()
	db, _ := setupTestDB(t)

	run := &Run{Kind: KindWeights}
	require.NoError(t, db.RecordRun(run, []RunWeight{{Filename: "a.jpg", Weight: 2}}))
	require.NoError(t, db.DeleteRun(run.RunID))

	_, err := db.GetRun(run.RunID)
	assert.True(t, errors.Is(err, ErrRunNotFound))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM run_weights WHERE run_id = ?`, run.RunID).Scan(&n))
	assert.Equal(t, 0, n, "weights should cascade")

	assert.True(t, errors.Is(db.DeleteRun(run.RunID), ErrRunNotFound))
	_, err = db.RunWeights(run.RunID)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	calls := 0
	err := retryOnBusy(clock, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, clock.Sleeps())
}

func TestRetryOnBusy_GivesUp(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	calls := 0
	err := retryOnBusy(clock, func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, busyRetries, calls)
	assert.Len(t, clock.Sleeps(), busyRetries-1)
}

func TestRetryOnBusy_OtherErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	calls := 0
	err := retryOnBusy(clock, func() error {
		calls++
		return errors.New("UNIQUE constraint failed")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.Sleeps())
}
