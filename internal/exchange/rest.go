// Package exchange wraps the two exchange surfaces the collector consumes:
// the authenticated REST API (order book snapshots and recent trades) and
// the full-channel websocket feed.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/tickvault/internal/storage"
)

// RestAPI is the slice of the exchange REST surface the collector uses.
type RestAPI interface {
	// OrderBook fetches a level-3 order book snapshot.
	OrderBook(ctx context.Context, productID string) (storage.Record, error)
	// Trades fetches the 100 most recent trades, newest first.
	Trades(ctx context.Context, productID string) ([]storage.Record, error)
}

// Credentials are the exchange API credentials used for request signing.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// RestClient talks to the exchange REST API. The exchange drops idle
// authenticated sessions, so the client replaces its HTTP transport when
// more than idleRefresh has passed since the previous call.
type RestClient struct {
	baseURL string
	creds   Credentials
	clock   clockwork.Clock
	log     zerolog.Logger

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	http     *http.Client
	lastCall time.Time
}

const (
	restTimeout  = 10 * time.Second
	idleRefresh  = 30 * time.Second
	orderBookLvl = "3"
	tradesLimit  = "100"
)

// NewRestClient builds a rate-limited, breaker-guarded REST client.
func NewRestClient(baseURL string, creds Credentials, clock clockwork.Clock, log zerolog.Logger) *RestClient {
	st := gobreaker.Settings{Name: "exchange-rest"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 10
	}

	return &RestClient{
		baseURL: baseURL,
		creds:   creds,
		clock:   clock,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		breaker: gobreaker.NewCircuitBreaker(st),
		http:    &http.Client{Timeout: restTimeout},
	}
}

func (c *RestClient) OrderBook(ctx context.Context, productID string) (storage.Record, error) {
	path := fmt.Sprintf("/products/%s/book?level=%s", productID, orderBookLvl)
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("order book %s: %w", productID, err)
	}
	var rec storage.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("order book %s: decode: %w", productID, err)
	}
	return rec, nil
}

func (c *RestClient) Trades(ctx context.Context, productID string) ([]storage.Record, error) {
	path := fmt.Sprintf("/products/%s/trades?limit=%s", productID, tradesLimit)
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("trades %s: %w", productID, err)
	}
	var recs []storage.Record
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("trades %s: decode: %w", productID, err)
	}
	return recs, nil
}

// Refresh discards the HTTP transport so the next call starts a fresh
// session. Gap repair retries call this between attempts.
func (c *RestClient) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
}

func (c *RestClient) refreshLocked() {
	c.http.CloseIdleConnections()
	c.http = &http.Client{Timeout: restTimeout}
}

func (c *RestClient) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	now := c.clock.Now()
	if !c.lastCall.IsZero() && now.Sub(c.lastCall) > idleRefresh {
		c.refreshLocked()
	}
	c.lastCall = now
	client := c.http
	c.mu.Unlock()

	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		c.sign(req, path)
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// sign attaches the CB-ACCESS-* headers. Secrets are base64-encoded by the
// exchange; an undecodable secret is signed raw so unauthenticated sandbox
// endpoints still work.
func (c *RestClient) sign(req *http.Request, path string) {
	if c.creds.Key == "" {
		return
	}
	ts := strconv.FormatInt(c.clock.Now().Unix(), 10)
	msg := ts + http.MethodGet + path

	key, err := base64.StdEncoding.DecodeString(c.creds.Secret)
	if err != nil {
		key = []byte(c.creds.Secret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))

	req.Header.Set("CB-ACCESS-KEY", c.creds.Key)
	req.Header.Set("CB-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
	req.Header.Set("CB-ACCESS-PASSPHRASE", c.creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")
}
