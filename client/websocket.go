package client

import (
	"context"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type WebSocketTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

func (t *WebSocketTransport) Connect(ctx context.Context, addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return errors.Wrap(err, "invalid WebSocket URL")
	}

	// host:port parses as scheme "host"; treat anything that is not ws(s) as a bare address
	if u.Scheme != "ws" && u.Scheme != "wss" {
		u = &url.URL{Scheme: "ws", Host: addr, Path: "/"}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to connect to WebSocket server")
	}
	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Send(data []byte) error {
	if t.conn == nil {
		return errors.New("transport is not connected")
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to send WebSocket message")
	}
	log.Debug().Int("size", len(data)).Msg("Sent WebSocket message")
	return nil
}

func (t *WebSocketTransport) Read() ([]byte, error) {
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			return nil, errors.Wrap(err, "WebSocket connection error")
		}
		return nil, errors.Wrap(err, "connection closed")
	}
	return data, nil
}

func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	t.wmu.Lock()
	err := t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.wmu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send close message")
	}
	return t.conn.Close()
}
