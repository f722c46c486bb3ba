package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCreds() Credentials {
	return Credentials{Key: "key", Secret: "c2VjcmV0", Passphrase: "pass"}
}

func TestOrderBookRequestShape(t *testing.T) {
	var gotPath, gotQuery string
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Clone()
		w.Write([]byte(`{"sequence": 12345, "bids": [], "asks": []}`))
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testCreds(), clockwork.NewFakeClockAt(time.Unix(1700000000, 0)), zerolog.Nop())
	rec, err := c.OrderBook(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.Equal(t, "/products/BTC-USD/book", gotPath)
	assert.Equal(t, "level=3", gotQuery)
	assert.Equal(t, float64(12345), rec["sequence"])

	assert.Equal(t, "key", gotHeader.Get("CB-ACCESS-KEY"))
	assert.Equal(t, "pass", gotHeader.Get("CB-ACCESS-PASSPHRASE"))
	assert.Equal(t, "1700000000", gotHeader.Get("CB-ACCESS-TIMESTAMP"))
	assert.NotEmpty(t, gotHeader.Get("CB-ACCESS-SIGN"))
}

func TestTradesRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/ETH-USD/trades", r.URL.Path)
		assert.Equal(t, "limit=100", r.URL.RawQuery)
		w.Write([]byte(`[{"trade_id": 45}, {"trade_id": 43}, {"trade_id": 41}]`))
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testCreds(), clockwork.NewFakeClock(), zerolog.Nop())
	trades, err := c.Trades(context.Background(), "ETH-USD")
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, float64(45), trades[0]["trade_id"])
}

func TestRestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testCreds(), clockwork.NewFakeClock(), zerolog.Nop())
	_, err := c.OrderBook(context.Background(), "BTC-USD")
	assert.ErrorContains(t, err, "status 429")
}

func TestUnauthenticatedClientSkipsSigning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("CB-ACCESS-KEY"))
		assert.Empty(t, r.Header.Get("CB-ACCESS-SIGN"))
		w.Write([]byte(`{"sequence": 1}`))
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, Credentials{}, clockwork.NewFakeClock(), zerolog.Nop())
	_, err := c.OrderBook(context.Background(), "BTC-USD")
	require.NoError(t, err)
}
