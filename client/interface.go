package client

import "context"

// Transport carries encoded protocol messages between a device and the hub.
type Transport interface {
	Connect(ctx context.Context, addr string) error
	Send(data []byte) error
	Read() ([]byte, error) // one message at a time
	Close() error
}
