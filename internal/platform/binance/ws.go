package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the websocket dial.
	handshakeTimeout = 15 * time.Second
)

// wsCommand is the live subscription management message.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// WSClient is a websocket client for the Binance.US combined stream endpoint.
// It owns a single connection: dial, subscription commands, keep-alive pings,
// and blocking reads. Reconnection policy lives in the feed controller, not
// here; after a read error the client is dead and a new one is dialed.
type WSClient struct {
	wsURL string

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
	closed bool
	done   chan struct{}
}

// NewWSClient creates a client for the given combined-stream endpoint, e.g.
// "wss://stream.binance.us:9443/stream".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect dials the stream endpoint, installs the pong handler, and starts
// the keep-alive ping loop.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("binance/ws: %w", domain.ErrWSDisconnect)
	}
	if w.conn != nil {
		return fmt.Errorf("binance/ws: already connected")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}

	w.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.pingLoop(conn)

	return nil
}

// Subscribe sends a SUBSCRIBE command for the given stream names. The
// acknowledgement arrives in-band and is surfaced by Decode as an AckEvent.
func (w *WSClient) Subscribe(ctx context.Context, streams []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("binance/ws: not connected")
	}

	w.nextID++
	cmd := wsCommand{
		Method: "SUBSCRIBE",
		Params: streams,
		ID:     w.nextID,
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("binance/ws: marshal subscribe: %w", err)
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("binance/ws: subscribe: %w", err)
	}
	return nil
}

// Read blocks until the next raw message arrives or the connection fails.
func (w *WSClient) Read() ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("binance/ws: not connected")
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("binance/ws: read: %w", err)
	}
	return message, nil
}

// Close shuts down the connection and stops the ping loop. Safe to call more
// than once.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
