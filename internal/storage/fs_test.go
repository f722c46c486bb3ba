package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSInsertAndExport(t *testing.T) {
	db, err := OpenFS(t.TempDir(), "coinbase")
	require.NoError(t, err)
	defer db.Close(context.Background())

	b, err := db.Open("full_2024_1_2_12_0_min")
	require.NoError(t, err)

	recs := []Record{
		{"type": "match", "product_id": "BTC-USD", "sequence": float64(100)},
		{"type": "open", "product_id": "BTC-USD", "sequence": float64(101)},
	}
	for _, r := range recs {
		require.NoError(t, b.Insert(context.Background(), r))
	}

	path, err := db.Export(context.Background(), "full_2024_1_2_12_0_min", t.TempDir())
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, recs, got)
}

func TestFSOpenIsIdempotent(t *testing.T) {
	db, err := OpenFS(t.TempDir(), "coinbase")
	require.NoError(t, err)
	defer db.Close(context.Background())

	a, err := db.Open("full_2024_1_2_12_0_min")
	require.NoError(t, err)
	b, err := db.Open("full_2024_1_2_12_0_min")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestFSListFiltersByRegex(t *testing.T) {
	db, err := OpenFS(t.TempDir(), "coinbase")
	require.NoError(t, err)
	defer db.Close(context.Background())

	for _, name := range []string{
		"full_2024_1_2_12_0_min",
		"full_2024_1_2_12_1_min",
		"orderbook_2024_1_2_12_0_min",
	} {
		_, err := db.Open(name)
		require.NoError(t, err)
	}

	names, err := db.List(`^full_`)
	require.NoError(t, err)
	assert.Equal(t, []string{"full_2024_1_2_12_0_min", "full_2024_1_2_12_1_min"}, names)

	names, err = db.List(`^orderbook_`)
	require.NoError(t, err)
	assert.Equal(t, []string{"orderbook_2024_1_2_12_0_min"}, names)

	_, err = db.List(`[`)
	assert.Error(t, err)
}

func TestFSDropRemovesFileAndRejectsWrites(t *testing.T) {
	base := t.TempDir()
	db, err := OpenFS(base, "coinbase")
	require.NoError(t, err)
	defer db.Close(context.Background())

	b, err := db.Open("full_2024_1_2_12_0_min")
	require.NoError(t, err)
	require.NoError(t, b.Insert(context.Background(), Record{"sequence": float64(1)}))

	require.NoError(t, db.Drop("full_2024_1_2_12_0_min"))

	names, err := db.List(`.*`)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Error(t, b.Insert(context.Background(), Record{"sequence": float64(2)}))

	// Dropping twice is not an error.
	assert.NoError(t, db.Drop("full_2024_1_2_12_0_min"))
}

func TestFSExportOfSealedBucketFromPreviousRun(t *testing.T) {
	base := t.TempDir()
	db, err := OpenFS(base, "coinbase")
	require.NoError(t, err)
	b, err := db.Open("full_2024_1_2_12_0_min")
	require.NoError(t, err)
	require.NoError(t, b.Insert(context.Background(), Record{"sequence": float64(1)}))
	require.NoError(t, db.Close(context.Background()))

	// A fresh handle, as after a restart: the bucket is not open but its
	// file is on disk and must still export and list.
	db2, err := OpenFS(base, "coinbase")
	require.NoError(t, err)
	defer db2.Close(context.Background())

	names, err := db2.List(`^full_`)
	require.NoError(t, err)
	assert.Equal(t, []string{"full_2024_1_2_12_0_min"}, names)

	path, err := db2.Export(context.Background(), "full_2024_1_2_12_0_min", t.TempDir())
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sequence":1`)
}
