package statedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupLogRecordAndContains(t *testing.T) {
	log, err := OpenBackupLog(filepath.Join(t.TempDir(), "state", "backup_info.db"), true)
	require.NoError(t, err)
	defer log.Close()

	ok, err := log.Contains("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	assert.False(t, ok)

	shipped := time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)
	require.NoError(t, log.Record("full_2024_1_1_12_0_min", shipped))

	ok, err = log.Contains("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	assert.True(t, ok)

	got, ok, err := log.Get("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(shipped))

	// Record never moves an existing ship time.
	require.NoError(t, log.Record("full_2024_1_1_12_0_min", shipped.Add(time.Hour)))
	got, _, err = log.Get("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	assert.True(t, got.Equal(shipped))

	// Upsert does.
	require.NoError(t, log.Upsert("full_2024_1_1_12_0_min", shipped.Add(time.Hour)))
	got, _, err = log.Get("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	assert.True(t, got.Equal(shipped.Add(time.Hour)))
}

func TestBackupLogDevelopmentTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup_info.db")

	log, err := OpenBackupLog(path, true)
	require.NoError(t, err)
	require.NoError(t, log.Record("full_2024_1_1_12_0_min", time.Now().UTC()))
	require.NoError(t, log.Close())

	// Production reopens keep the rows.
	log, err = OpenBackupLog(path, true)
	require.NoError(t, err)
	ok, err := log.Contains("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, log.Close())

	// Development reopens drop them.
	log, err = OpenBackupLog(path, false)
	require.NoError(t, err)
	defer log.Close()
	ok, err = log.Contains("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrashStoreRoundTrip(t *testing.T) {
	store, err := OpenCrashStore(filepath.Join(t.TempDir(), "crash_info.db"), true)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := CrashRecord{
		Time:             now,
		Sequence:         map[string]int64{"BTC-USD": 110, "ETH-USD": 42},
		LastMatchTradeID: map[string]int64{"BTC-USD": 45},
	}
	require.NoError(t, store.Save(rec))

	got, ok, err := store.Load(now.Add(time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Sequence, got.Sequence)
	assert.Equal(t, rec.LastMatchTradeID, got.LastMatchTradeID)
	assert.True(t, got.Time.Equal(now))
}

func TestCrashStoreIgnoresStaleRecord(t *testing.T) {
	store, err := OpenCrashStore(filepath.Join(t.TempDir(), "crash_info.db"), true)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(CrashRecord{Time: now, Sequence: map[string]int64{"BTC-USD": 1}, LastMatchTradeID: map[string]int64{}}))

	_, ok, err := store.Load(now.Add(5*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrashStoreEmpty(t *testing.T) {
	store, err := OpenCrashStore(filepath.Join(t.TempDir(), "crash_info.db"), true)
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Load(time.Now(), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrashStoreSaveOverwrites(t *testing.T) {
	store, err := OpenCrashStore(filepath.Join(t.TempDir(), "crash_info.db"), true)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(CrashRecord{Time: now, Sequence: map[string]int64{"BTC-USD": 1}, LastMatchTradeID: map[string]int64{}}))
	require.NoError(t, store.Save(CrashRecord{Time: now.Add(time.Minute), Sequence: map[string]int64{"BTC-USD": 7}, LastMatchTradeID: map[string]int64{"BTC-USD": 3}}))

	got, ok, err := store.Load(now.Add(2*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Sequence["BTC-USD"])
	assert.Equal(t, int64(3), got.LastMatchTradeID["BTC-USD"])
}
