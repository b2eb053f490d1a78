package transport

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
)

// TCPAdapter accepts network devices on a plain TCP listener. Each accepted
// connection is addressed by its remote address.
type TCPAdapter struct {
	base
	Addr string

	mu        sync.RWMutex
	listener  net.Listener
	conns     map[string]*tcpConn
	connected bool
}

type tcpConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func NewTCPAdapter(addr string, opts ...Option) *TCPAdapter {
	return &TCPAdapter{
		base:  newBase("tcp", 16, opts),
		Addr:  addr,
		conns: make(map[string]*tcpConn),
	}
}

func (t *TCPAdapter) Kind() proto.TransportKind { return proto.TransportNetwork }

// ListenAddr is the bound address once Start is listening, else "".
func (t *TCPAdapter) ListenAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *TCPAdapter) Start(ctx context.Context, inbound chan<- Frame) error {
	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen tcp %s", t.Addr)
	}
	t.mu.Lock()
	t.listener = l
	t.connected = true
	t.mu.Unlock()
	t.log.Info().Str("addr", l.Addr().String()).Msg("Starting tcp adapter")

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer func() {
		t.mu.Lock()
		t.connected = false
		for _, c := range t.conns {
			c.conn.Close()
		}
		t.mu.Unlock()
		wg.Wait()
		t.log.Info().Msg("Tcp adapter stopped")
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "tcp accept")
		}

		t.mu.RLock()
		count := len(t.conns)
		t.mu.RUnlock()
		if t.maxClients > 0 && count >= t.maxClients {
			t.log.Warn().Str("remote_addr", conn.RemoteAddr().String()).Msg("Max clients reached, rejecting connection")
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handleConnection(ctx, conn, inbound)
		}()
	}
}

func (t *TCPAdapter) handleConnection(ctx context.Context, conn net.Conn, inbound chan<- Frame) {
	addr := conn.RemoteAddr().String()
	c := &tcpConn{conn: conn}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conns[addr] = c
	t.mu.Unlock()
	t.log.Info().Str("addr", addr).Msg("Device connected")

	defer func() {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		conn.Close()
		deliver(ctx, inbound, Frame{Adapter: t.name, Address: addr, Kind: t.Kind(), Closed: true})
		t.log.Info().Str("addr", addr).Msg("Device disconnected")
	}()

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !deliver(ctx, inbound, Frame{Adapter: t.name, Address: addr, Kind: t.Kind(), Data: data}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Warn().Err(err).Str("addr", addr).Msg("Connection error")
			}
			return
		}
	}
}

// Send writes data followed by a newline.
func (t *TCPAdapter) Send(ctx context.Context, address string, data []byte) error {
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
	if _, err := c.conn.Write(withNewline(data)); err != nil {
		return sendError(t.name, address, err)
	}
	t.log.Debug().Str("addr", address).Int("size", len(data)).Msg("Sent message")
	return nil
}

func (t *TCPAdapter) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clients := make([]string, 0, len(t.conns))
	for addr := range t.conns {
		clients = append(clients, addr)
	}
	sort.Strings(clients)
	return Info{
		Name:        t.name,
		Protocol:    "tcp",
		Kind:        t.Kind(),
		Address:     t.Addr,
		Description: t.description,
		Clients:     clients,
		MaxClients:  t.maxClients,
		Connected:   t.connected,
	}
}

func withNewline(data []byte) []byte {
	out := make([]byte, len(data)+1)
	copy(out, data)
	out[len(data)] = '\n'
	return out
}
