package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/mbocsi/fieldhub/proto"
)

// OpenFunc opens the underlying byte stream of a StreamAdapter.
type OpenFunc func() (io.ReadWriteCloser, error)

// StreamAdapter serves one device on a point-to-point byte stream such as a
// USB serial port. A dropped stream is reopened after RetryDelay; messages
// sent while it is down fail with ErrClosed.
type StreamAdapter struct {
	base
	Port       string
	RetryDelay time.Duration

	open OpenFunc
	kind proto.TransportKind

	mu sync.Mutex
	rw io.ReadWriteCloser
}

func NewStreamAdapter(port string, kind proto.TransportKind, open OpenFunc, opts ...Option) *StreamAdapter {
	return &StreamAdapter{
		base:       newBase("stream", 1, opts),
		Port:       port,
		RetryDelay: 2 * time.Second,
		open:       open,
		kind:       kind,
	}
}

// NewSerialAdapter opens port at baud with 8N1 framing.
func NewSerialAdapter(port string, baud int, opts ...Option) *StreamAdapter {
	open := func() (io.ReadWriteCloser, error) {
		p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, errors.Wrapf(err, "open serial port %s", port)
		}
		return p, nil
	}
	opts = append([]Option{WithName("serial")}, opts...)
	return NewStreamAdapter(port, proto.TransportSerial, open, opts...)
}

func (s *StreamAdapter) Kind() proto.TransportKind { return s.kind }

func (s *StreamAdapter) Start(ctx context.Context, inbound chan<- Frame) error {
	s.log.Info().Str("port", s.Port).Msg("Starting stream adapter")
	for {
		rw, err := s.open()
		if err != nil {
			s.log.Warn().Err(err).Str("port", s.Port).Dur("retry_in", s.RetryDelay).Msg("Failed to open stream")
		} else {
			s.serve(ctx, rw, inbound)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.RetryDelay):
		}
	}
}

func (s *StreamAdapter) serve(ctx context.Context, rw io.ReadWriteCloser, inbound chan<- Frame) {
	s.mu.Lock()
	s.rw = rw
	s.mu.Unlock()
	s.log.Info().Str("port", s.Port).Msg("Stream opened")

	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer func() {
		stop()
		s.mu.Lock()
		s.rw = nil
		s.mu.Unlock()
		rw.Close()
		deliver(ctx, inbound, Frame{Adapter: s.name, Address: s.Port, Kind: s.kind, Closed: true})
		s.log.Info().Str("port", s.Port).Msg("Stream closed")
	}()

	buf := make([]byte, 256)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.log.Debug().Str("port", s.Port).Int("size", n).Msg("Read chunk")
			if !deliver(ctx, inbound, Frame{Adapter: s.name, Address: s.Port, Kind: s.kind, Data: data}) {
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.log.Warn().Err(err).Str("port", s.Port).Msg("Stream read failed")
			}
			return
		}
	}
}

// Send writes data followed by a newline. The address must be the port.
func (s *StreamAdapter) Send(ctx context.Context, address string, data []byte) error {
	if address != s.Port {
		return sendError(s.name, address, ErrUnknownAddress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rw == nil {
		return sendError(s.name, address, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return sendError(s.name, address, err)
	}
	if _, err := s.rw.Write(withNewline(data)); err != nil {
		return sendError(s.name, address, err)
	}
	return nil
}

func (s *StreamAdapter) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var clients []string
	if s.rw != nil {
		clients = []string{s.Port}
	}
	return Info{
		Name:        s.name,
		Protocol:    "stream",
		Kind:        s.kind,
		Address:     s.Port,
		Description: s.description,
		Clients:     clients,
		MaxClients:  1,
		Connected:   s.rw != nil,
	}
}
