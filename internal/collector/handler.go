// Package collector holds the stream event handler that keeps per-pair
// sequence continuity and the wall-clock snapshot poller.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tickvault/internal/exchange"
	"github.com/sawpanic/tickvault/internal/statedb"
	"github.com/sawpanic/tickvault/internal/storage"
	"github.com/sawpanic/tickvault/internal/telemetry"
)

// noValue marks a tracker field with no observation yet.
const noValue = int64(-1)

const resetRetries = 3

// Sink receives validated events. The rotator manager satisfies it.
type Sink interface {
	Insert(ctx context.Context, rec storage.Record) error
}

// pairState is the per-product tracker.
type pairState struct {
	lastSequence     int64
	lastMatchTradeID int64
	gapRecovering    bool
}

// Options configures a Handler.
type Options struct {
	Sink     Sink
	REST     exchange.RestAPI
	// NewREST replaces the REST client after a failed attempt. Optional.
	NewREST  func() exchange.RestAPI
	Products []string
	Clock    clockwork.Clock
	Log      zerolog.Logger
	Metrics  *telemetry.Metrics
}

// Handler validates the event stream per pair: it drops stale events,
// re-initializes the book on the first event and on sequence gaps, and
// back-fills trades missed during a gap.
type Handler struct {
	sink    Sink
	rest    exchange.RestAPI
	newREST func() exchange.RestAPI
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	pairs map[string]*pairState

	packetCount    int64
	packetPrevTime time.Time
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		sink:           opts.Sink,
		rest:           opts.REST,
		newREST:        opts.NewREST,
		clock:          opts.Clock,
		log:            opts.Log,
		metrics:        opts.Metrics,
		pairs:          make(map[string]*pairState, len(opts.Products)),
		packetPrevTime: opts.Clock.Now(),
	}
	for _, id := range opts.Products {
		h.pairs[id] = &pairState{lastSequence: noValue, lastMatchTradeID: noValue}
	}
	return h
}

// OnMessage processes one decoded stream frame.
func (h *Handler) OnMessage(ctx context.Context, rec storage.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.packetCount++
	if h.metrics != nil {
		h.metrics.EventsTotal.Inc()
	}

	productID, _ := rec["product_id"].(string)
	tr, ok := h.pairs[productID]
	if !ok {
		if h.metrics != nil {
			h.metrics.EventsDropped.WithLabelValues("unknown_product").Inc()
		}
		return nil
	}

	seq, ok := recInt64(rec, "sequence")
	if !ok {
		if h.metrics != nil {
			h.metrics.EventsDropped.WithLabelValues("no_sequence").Inc()
		}
		return nil
	}

	switch {
	case tr.lastSequence == noValue:
		return h.resetBook(ctx, productID, tr)
	case seq < tr.lastSequence:
		if h.metrics != nil {
			h.metrics.EventsDropped.WithLabelValues("stale").Inc()
		}
		return nil
	case seq > tr.lastSequence+1:
		if err := h.onGap(ctx, productID, tr, tr.lastSequence, seq); err != nil {
			return err
		}
		tr.gapRecovering = true
		return nil
	}

	if typ, _ := rec["type"].(string); typ == "match" {
		tradeID, hasID := recInt64(rec, "trade_id")
		if tr.gapRecovering && hasID {
			if tr.lastMatchTradeID != noValue && tradeID <= tr.lastMatchTradeID {
				// Already persisted by the trade back-fill.
				return nil
			}
			tr.gapRecovering = false
		}
		if hasID {
			tr.lastMatchTradeID = tradeID
		}
	}

	if err := h.sink.Insert(ctx, rec); err != nil {
		return err
	}
	tr.lastSequence = seq
	return nil
}

// resetBook discards the locally inferred book state for one pair by
// persisting a fresh REST snapshot and jumping the sequence to it.
func (h *Handler) resetBook(ctx context.Context, productID string, tr *pairState) error {
	book, err := h.fetchOrderBook(ctx, productID)
	if err != nil {
		return fmt.Errorf("reset book %s: %v: %w", productID, err, exchange.ErrRestart)
	}
	book["time"] = h.clock.Now().UTC().Format(time.RFC3339Nano)
	book["product_id"] = productID
	if err := h.sink.Insert(ctx, book); err != nil {
		return err
	}

	seq, ok := recInt64(book, "sequence")
	if !ok {
		return fmt.Errorf("reset book %s: snapshot has no sequence: %w", productID, exchange.ErrRestart)
	}
	tr.lastSequence = seq
	if h.metrics != nil {
		h.metrics.BookResets.WithLabelValues(productID).Inc()
	}
	h.log.Info().Str("product_id", productID).Int64("sequence", seq).Msg("book reset")
	return nil
}

func (h *Handler) onGap(ctx context.Context, productID string, tr *pairState, gapStart, gapEnd int64) error {
	if h.metrics != nil {
		h.metrics.SequenceGaps.WithLabelValues(productID).Inc()
	}
	if err := h.resetBook(ctx, productID, tr); err != nil {
		return err
	}
	if err := h.fetchMissingTrades(ctx, productID, tr); err != nil {
		return err
	}

	now := h.clock.Now()
	rate := float64(h.packetCount) / (now.Sub(h.packetPrevTime).Seconds() + 1)
	h.log.Error().
		Str("product_id", productID).
		Int64("gap_start", gapStart).
		Int64("gap_end", gapEnd).
		Int64("sequence", tr.lastSequence).
		Float64("packet_rate", rate).
		Msg("sequence gap, book re-initialized")
	h.packetCount = 0
	h.packetPrevTime = now
	return nil
}

// fetchMissingTrades persists the trades the gap swallowed: the newest-first
// prefix of the trades endpoint whose ids exceed the last seen match.
func (h *Handler) fetchMissingTrades(ctx context.Context, productID string, tr *pairState) error {
	if tr.lastMatchTradeID == noValue {
		return nil
	}
	trades, err := h.fetchTrades(ctx, productID)
	if err != nil {
		return fmt.Errorf("missing trades %s: %v: %w", productID, err, exchange.ErrRestart)
	}

	var kept []storage.Record
	for _, t := range trades {
		id, ok := recInt64(t, "trade_id")
		if !ok || id <= tr.lastMatchTradeID {
			break
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return nil
	}

	newest, _ := recInt64(kept[0], "trade_id")
	h.log.Info().
		Str("product_id", productID).
		Int64("from", tr.lastMatchTradeID).
		Int64("to", newest).
		Msg("back-filled missing trades")
	tr.lastMatchTradeID = newest

	return h.sink.Insert(ctx, storage.Record{
		"product_id": productID,
		"trades":     kept,
	})
}

func (h *Handler) fetchOrderBook(ctx context.Context, productID string) (storage.Record, error) {
	var lastErr error
	for i := 0; i < resetRetries; i++ {
		book, err := h.rest.OrderBook(ctx, productID)
		if err == nil {
			return book, nil
		}
		lastErr = err
		h.log.Warn().Err(err).Str("product_id", productID).Int("attempt", i+1).Msg("order book fetch failed")
		h.replaceREST()
	}
	return nil, lastErr
}

func (h *Handler) fetchTrades(ctx context.Context, productID string) ([]storage.Record, error) {
	var lastErr error
	for i := 0; i < resetRetries; i++ {
		trades, err := h.rest.Trades(ctx, productID)
		if err == nil {
			return trades, nil
		}
		lastErr = err
		h.log.Warn().Err(err).Str("product_id", productID).Int("attempt", i+1).Msg("trades fetch failed")
		h.replaceREST()
	}
	return nil, lastErr
}

func (h *Handler) replaceREST() {
	if h.newREST != nil {
		h.rest = h.newREST()
	}
}

// OrderBook exposes the retrying snapshot fetch for the poller.
func (h *Handler) OrderBook(ctx context.Context, productID string) (storage.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetchOrderBook(ctx, productID)
}

// Extend registers new pairs with empty trackers. The stream subscription
// is sent separately by the control plane.
func (h *Handler) Extend(productIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range productIDs {
		if _, ok := h.pairs[id]; !ok {
			h.pairs[id] = &pairState{lastSequence: noValue, lastMatchTradeID: noValue}
		}
	}
}

// Remove forgets pairs; subsequent events for them are dropped.
func (h *Handler) Remove(productIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range productIDs {
		delete(h.pairs, id)
	}
}

// Products returns the currently tracked pairs.
func (h *Handler) Products() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.pairs))
	for id := range h.pairs {
		out = append(out, id)
	}
	return out
}

// SeedFromCrashState pre-loads trackers from a fresh crash record so a
// quick bounce does not force a redundant book reset.
func (h *Handler) SeedFromCrashState(rec statedb.CrashRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, seq := range rec.Sequence {
		if tr, ok := h.pairs[id]; ok && seq != noValue {
			tr.lastSequence = seq
		}
	}
	for id, tid := range rec.LastMatchTradeID {
		if tr, ok := h.pairs[id]; ok && tid != noValue {
			tr.lastMatchTradeID = tid
		}
	}
}

// Sequences returns a copy of the per-pair sequence map for persistence.
func (h *Handler) Sequences() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.pairs))
	for id, tr := range h.pairs {
		out[id] = tr.lastSequence
	}
	return out
}

// LastMatchTradeIDs returns a copy of the per-pair trade id map.
func (h *Handler) LastMatchTradeIDs() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.pairs))
	for id, tr := range h.pairs {
		out[id] = tr.lastMatchTradeID
	}
	return out
}

// recInt64 reads a numeric field that json decoding may have produced as
// float64, json.Number or a native integer.
func recInt64(rec storage.Record, key string) (int64, bool) {
	switch v := rec[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
