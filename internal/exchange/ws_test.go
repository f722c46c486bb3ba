package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tickvault/internal/storage"
)

type recordingHandler struct {
	mu   sync.Mutex
	recs []storage.Record
}

func (h *recordingHandler) OnMessage(_ context.Context, rec storage.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

func (h *recordingHandler) records() []storage.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]storage.Record, len(h.recs))
	copy(out, h.recs)
	return out
}

// wsServer upgrades, captures the subscribe frame, pushes the given events
// and closes.
func wsServer(t *testing.T, events []string, gotSubscribe chan<- storage.Record) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var sub storage.Record
		require.NoError(t, json.Unmarshal(data, &sub))
		gotSubscribe <- sub

		for _, ev := range events {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ev)))
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversFramesAndRestarts(t *testing.T) {
	subCh := make(chan storage.Record, 1)
	srv := wsServer(t, []string{
		`{"type":"match","product_id":"BTC-USD","sequence":100}`,
		`{"type":"open","product_id":"BTC-USD","sequence":101}`,
	}, subCh)
	defer srv.Close()

	h := &recordingHandler{}
	s := NewStreamClient(wsURL(srv), WSHeader(Credentials{}), SubscribeMessage([]string{"BTC-USD"}), h, zerolog.Nop())

	err := s.Run(context.Background())
	// The server hangs up after the last event; that is a restart, not a
	// clean stop.
	require.ErrorIs(t, err, ErrRestart)

	sub := <-subCh
	assert.Equal(t, "subscribe", sub["type"])
	assert.Equal(t, []any{"BTC-USD"}, sub["product_ids"])
	assert.Equal(t, []any{"full"}, sub["channels"])

	recs := h.records()
	require.Len(t, recs, 2)
	assert.Equal(t, float64(100), recs[0]["sequence"])
	assert.Equal(t, float64(101), recs[1]["sequence"])
}

func TestStopEndsRunCleanly(t *testing.T) {
	up := websocket.Upgrader{}
	connected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_, _, _ = conn.ReadMessage() // subscribe frame
		close(connected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStreamClient(wsURL(srv), nil, SubscribeMessage([]string{"BTC-USD"}), &recordingHandler{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	<-connected
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestDialFailureIsRestart(t *testing.T) {
	s := NewStreamClient("ws://127.0.0.1:1", nil, SubscribeMessage(nil), &recordingHandler{}, zerolog.Nop())
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrRestart)
}

func TestSubscriptionFrames(t *testing.T) {
	sub := SubscribeMessage([]string{"ETH-USD"})
	assert.Equal(t, "subscribe", sub["type"])
	unsub := UnsubscribeMessage([]string{"ETH-USD"})
	assert.Equal(t, "unsubscribe", unsub["type"])
	assert.Equal(t, []string{"full"}, unsub["channels"])
}
