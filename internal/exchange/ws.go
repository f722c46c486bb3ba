package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tickvault/internal/storage"
)

// ErrRestart marks stream failures that should be answered by a reconnect
// rather than a crash.
var ErrRestart = errors.New("websocket restart")

// EventHandler receives every decoded frame from the stream. A returned
// error is fatal and aborts the stream without the restart classification.
type EventHandler interface {
	OnMessage(ctx context.Context, rec storage.Record) error
}

// SubscribeMessage builds the full-channel subscribe frame.
func SubscribeMessage(productIDs []string) map[string]any {
	return map[string]any{
		"type":        "subscribe",
		"product_ids": productIDs,
		"channels":    []string{"full"},
	}
}

// UnsubscribeMessage builds the full-channel unsubscribe frame.
func UnsubscribeMessage(productIDs []string) map[string]any {
	return map[string]any{
		"type":        "unsubscribe",
		"product_ids": productIDs,
		"channels":    []string{"full"},
	}
}

// StreamClient owns one websocket connection to the exchange feed. Run
// blocks until the connection dies (ErrRestart), the handler fails, or
// Stop is called.
type StreamClient struct {
	url     string
	header  http.Header
	initial map[string]any
	handler EventHandler
	log     zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool
}

func NewStreamClient(url string, header http.Header, initial map[string]any, handler EventHandler, log zerolog.Logger) *StreamClient {
	return &StreamClient{
		url:     url,
		header:  header,
		initial: initial,
		handler: handler,
		log:     log,
	}
}

// Run dials, sends the initial subscribe frame and pumps frames into the
// handler until the connection ends.
func (s *StreamClient) Run(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("dial %s: %v: %w", s.url, err, ErrRestart)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	if err := s.Send(s.initial); err != nil {
		return fmt.Errorf("initial subscribe: %v: %w", err, ErrRestart)
	}
	s.log.Info().Str("url", s.url).Msg("stream connected")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isStopped() {
				return nil
			}
			return fmt.Errorf("read: %v: %w", err, ErrRestart)
		}

		var rec storage.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Warn().Err(err).Msg("undecodable frame dropped")
			continue
		}
		if err := s.handler.OnMessage(ctx, rec); err != nil {
			return fmt.Errorf("handle frame: %w", err)
		}
	}
}

// Send writes one JSON frame; used for the initial subscribe and for
// mid-session subscription deltas.
func (s *StreamClient) Send(msg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop closes the connection; a Run blocked in ReadMessage returns nil.
func (s *StreamClient) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	}
}

func (s *StreamClient) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// WSHeader builds the headers sent with the websocket handshake.
func WSHeader(creds Credentials) http.Header {
	h := http.Header{}
	h.Set("User-Agent", "tickvault/1.0")
	if creds.Key != "" {
		h.Set("CB-ACCESS-KEY", creds.Key)
		h.Set("CB-ACCESS-PASSPHRASE", creds.Passphrase)
	}
	return h
}
