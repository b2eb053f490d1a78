// Package transport holds the adapters that move raw bytes between the hub
// and field devices. Adapters know nothing about the wire protocol: they
// deliver inbound chunks as Frames and write already-encoded bytes out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mbocsi/fieldhub/proto"
)

var (
	ErrSendFailed     = errors.New("transport: send failed")
	ErrClosed         = errors.New("transport: closed")
	ErrUnknownAddress = errors.New("transport: unknown address")
)

// SendError reports a failed write. It matches ErrSendFailed with errors.Is
// and unwraps to the underlying cause.
type SendError struct {
	Adapter string
	Address string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: send via %s to %s: %v", e.Adapter, e.Address, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSendFailed }

// Frame is one inbound read from a device connection. Data may hold part of
// a message, exactly one, or several; the reassembler sorts that out.
type Frame struct {
	Adapter string
	Address string
	Kind    proto.TransportKind
	Data    []byte
	// Closed marks the end of the connection. Data is empty.
	Closed bool
}

// Endpoint is the connection identity used by the reassembler and stored as
// the routing address.
func (f Frame) Endpoint() string { return Endpoint(f.Adapter, f.Address) }

// Adapter is implemented by every transport.
type Adapter interface {
	Name() string
	Kind() proto.TransportKind
	// Start runs the adapter until ctx is cancelled or it fails, delivering
	// inbound frames on the channel. It does not close the channel.
	Start(ctx context.Context, inbound chan<- Frame) error
	// Send writes one encoded message to the device at address.
	Send(ctx context.Context, address string, data []byte) error
	Info() Info
}

// Info describes a running adapter for the API.
type Info struct {
	Name        string              `json:"name"`
	Protocol    string              `json:"protocol"`
	Kind        proto.TransportKind `json:"kind"`
	Address     string              `json:"address"`
	Description string              `json:"description,omitempty"`
	Clients     []string            `json:"clients"`
	MaxClients  int                 `json:"max_clients,omitempty"`
	Connected   bool                `json:"connected"`
}

type base struct {
	name        string
	description string
	maxClients  int
	log         zerolog.Logger
}

type Option func(*base)

func WithName(name string) Option { return func(b *base) { b.name = name } }

func WithDescription(d string) Option { return func(b *base) { b.description = d } }

// WithMaxClients caps concurrent connections on adapters that accept them.
func WithMaxClients(n int) Option { return func(b *base) { b.maxClients = n } }

func WithLogger(l zerolog.Logger) Option { return func(b *base) { b.log = l } }

func newBase(name string, maxClients int, opts []Option) base {
	b := base{name: name, maxClients: maxClients, log: log.Logger}
	for _, opt := range opts {
		opt(&b)
	}
	b.log = b.log.With().Str("adapter", b.name).Logger()
	return b
}

func (b *base) Name() string { return b.name }

// Endpoint joins an adapter name and an adapter-local address.
func Endpoint(adapter, address string) string {
	return adapter + "://" + address
}

// SplitEndpoint is the inverse of Endpoint.
func SplitEndpoint(endpoint string) (adapter, address string, ok bool) {
	adapter, address, ok = strings.Cut(endpoint, "://")
	if !ok || adapter == "" || address == "" {
		return "", "", false
	}
	return adapter, address, true
}

// deliver hands a frame to the pipeline unless ctx is done first.
func deliver(ctx context.Context, inbound chan<- Frame, f Frame) bool {
	select {
	case inbound <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendError(adapter, address string, err error) error {
	return &SendError{Adapter: adapter, Address: address, Err: err}
}
