package backup

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tickvault/internal/statedb"
	"github.com/sawpanic/tickvault/internal/storage"
)

func newTestPipeline(t *testing.T) (*Pipeline, *storage.FSDatabase, *statedb.BackupLog, string) {
	t.Helper()
	base := t.TempDir()
	db, err := storage.OpenFS(filepath.Join(base, "db"), "coinbase")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })

	log, err := statedb.OpenBackupLog(filepath.Join(base, "state", "backup.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	shipDir := filepath.Join(base, "shipped")
	p := &Pipeline{
		Mutex:    &sync.Mutex{},
		DB:       db,
		Log:      log,
		Shipper:  &LocalShipper{Dir: shipDir},
		Codec:    CodecZstd,
		Prefixes: []string{`^full_.*_min$`},
		TempDir:  filepath.Join(base, "tmp"),
		Clock:    clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)),
		Logger:   zerolog.Nop(),
	}
	require.NoError(t, os.MkdirAll(p.TempDir, 0o755))
	return p, db, log, shipDir
}

func fillBucket(t *testing.T, db *storage.FSDatabase, name string, n int) {
	t.Helper()
	ctx := context.Background()
	b, err := db.Open(name)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, b.Insert(ctx, storage.Record{"sequence": float64(i)}))
	}
}

func TestRunShipsSealedBucket(t *testing.T) {
	p, db, log, shipDir := newTestPipeline(t)
	fillBucket(t, db, "full_2024_1_1_12_0_min", 3)
	fillBucket(t, db, "full_2024_1_1_12_1_min", 1)

	require.NoError(t, p.Run(context.Background()))

	// The sealed bucket is shipped and dropped, the newest survives.
	archive := filepath.Join(shipDir, "full_2024_1_1_12_0_min.json.zst")
	require.FileExists(t, archive)
	names, err := db.List(`^full_`)
	require.NoError(t, err)
	assert.Equal(t, []string{"full_2024_1_1_12_1_min"}, names)

	shipped, err := log.Contains("full_2024_1_1_12_0_min")
	require.NoError(t, err)
	assert.True(t, shipped)

	// The archive decodes back to the exported records.
	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()
	lines := 0
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 3, lines)

	// Temp dir is wiped after the cycle.
	entries, err := os.ReadDir(p.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunSkipsAlreadyShipped(t *testing.T) {
	p, db, log, shipDir := newTestPipeline(t)
	fillBucket(t, db, "full_2024_1_1_12_0_min", 3)
	fillBucket(t, db, "full_2024_1_1_12_1_min", 1)
	require.NoError(t, log.Record("full_2024_1_1_12_0_min", time.Date(2024, 1, 1, 12, 2, 0, 0, time.UTC)))

	require.NoError(t, p.Run(context.Background()))

	assert.NoFileExists(t, filepath.Join(shipDir, "full_2024_1_1_12_0_min.json.zst"))
	names, err := db.List(`^full_`)
	require.NoError(t, err)
	assert.Contains(t, names, "full_2024_1_1_12_0_min", "recorded bucket must not be dropped")
}

func TestRunSkipsNewestBucket(t *testing.T) {
	p, db, _, shipDir := newTestPipeline(t)
	fillBucket(t, db, "full_2024_1_1_12_5_min", 1)

	require.NoError(t, p.Run(context.Background()))

	entries, err := os.ReadDir(shipDir)
	if err == nil {
		assert.Empty(t, entries)
	}
	names, err := db.List(`^full_`)
	require.NoError(t, err)
	assert.Equal(t, []string{"full_2024_1_1_12_5_min"}, names)
}

func TestRunSkipsWhenMutexHeld(t *testing.T) {
	p, db, _, shipDir := newTestPipeline(t)
	fillBucket(t, db, "full_2024_1_1_12_0_min", 1)
	fillBucket(t, db, "full_2024_1_1_12_1_min", 1)

	p.Mutex.Lock()
	require.NoError(t, p.Run(context.Background()))
	p.Mutex.Unlock()

	assert.NoFileExists(t, filepath.Join(shipDir, "full_2024_1_1_12_0_min.json.zst"))
}

func TestOverwritePathRespectsRecency(t *testing.T) {
	p, db, log, shipDir := newTestPipeline(t)
	p.Prefixes = nil
	p.OverwritePrefixes = []string{`^book_.*_min$`}
	fillBucket(t, db, "book_2024_1_1_12_0_min", 2)
	fillBucket(t, db, "book_2024_1_1_12_1_min", 1)

	require.NoError(t, p.Run(context.Background()))
	require.FileExists(t, filepath.Join(shipDir, "book_2024_1_1_12_0_min.json.zst"))

	// Overwrite buckets stay in the database.
	names, err := db.List(`^book_`)
	require.NoError(t, err)
	assert.Contains(t, names, "book_2024_1_1_12_0_min")

	// A second cycle inside the hour re-ships nothing.
	require.NoError(t, os.Remove(filepath.Join(shipDir, "book_2024_1_1_12_0_min.json.zst")))
	require.NoError(t, p.Run(context.Background()))
	assert.NoFileExists(t, filepath.Join(shipDir, "book_2024_1_1_12_0_min.json.zst"))

	// After the recency window passes, the bucket ships again.
	p.Clock.(*clockwork.FakeClock).Advance(2 * time.Hour)
	require.NoError(t, p.Run(context.Background()))
	require.FileExists(t, filepath.Join(shipDir, "book_2024_1_1_12_0_min.json.zst"))

	ts, ok, err := log.Get("book_2024_1_1_12_0_min")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.Clock.Now().UTC(), ts)
}
