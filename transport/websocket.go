package transport

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSAdapter accepts network devices over WebSocket. Every text or binary
// message becomes one frame.
type WSAdapter struct {
	base
	Addr string

	mu        sync.RWMutex
	listener  net.Listener
	conns     map[string]*wsConn
	connected bool
	wg        sync.WaitGroup
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func NewWSAdapter(addr string, opts ...Option) *WSAdapter {
	return &WSAdapter{
		base:  newBase("ws", 16, opts),
		Addr:  addr,
		conns: make(map[string]*wsConn),
	}
}

func (t *WSAdapter) Kind() proto.TransportKind { return proto.TransportNetwork }

func (t *WSAdapter) ListenAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *WSAdapter) Start(ctx context.Context, inbound chan<- Frame) error {
	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen websocket %s", t.Addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.handleWebSocket(ctx, w, r, inbound)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	t.mu.Lock()
	t.listener = l
	t.connected = true
	t.mu.Unlock()
	t.log.Info().Str("addr", l.Addr().String()).Msg("Starting websocket adapter")

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	err = srv.Serve(l)
	t.mu.Lock()
	t.connected = false
	for _, c := range t.conns {
		c.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	t.log.Info().Msg("Websocket adapter stopped")
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "websocket serve")
}

func (t *WSAdapter) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, inbound chan<- Frame) {
	t.mu.RLock()
	count := len(t.conns)
	t.mu.RUnlock()
	if t.maxClients > 0 && count >= t.maxClients {
		t.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Max clients reached, rejecting connection")
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	addr := r.RemoteAddr
	c := &wsConn{conn: conn}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conns[addr] = c
	t.wg.Add(1)
	t.mu.Unlock()
	t.log.Info().Str("addr", addr).Msg("WebSocket device connected")

	defer func() {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		conn.Close()
		deliver(ctx, inbound, Frame{Adapter: t.name, Address: addr, Kind: t.Kind(), Closed: true})
		t.log.Info().Str("addr", addr).Msg("WebSocket device disconnected")
		t.wg.Done()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				t.log.Warn().Err(err).Str("addr", addr).Msg("WebSocket connection error")
			}
			return
		}
		if !deliver(ctx, inbound, Frame{Adapter: t.name, Address: addr, Kind: t.Kind(), Data: data}) {
			return
		}
	}
}

func (t *WSAdapter) Send(ctx context.Context, address string, data []byte) error {
	t.mu.RLock()
	c, ok := t.conns[address]
	t.mu.RUnlock()
	if !ok {
		return sendError(t.name, address, ErrUnknownAddress)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return sendError(t.name, address, err)
	}
	t.log.Debug().Str("addr", address).Int("size", len(data)).Msg("Sent websocket message")
	return nil
}

func (t *WSAdapter) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clients := make([]string, 0, len(t.conns))
	for addr := range t.conns {
		clients = append(clients, addr)
	}
	sort.Strings(clients)
	return Info{
		Name:        t.name,
		Protocol:    "websocket",
		Kind:        t.Kind(),
		Address:     t.Addr,
		Description: t.description,
		Clients:     clients,
		MaxClients:  t.maxClients,
		Connected:   t.connected,
	}
}
