package client

import (
	"context"
	"encoding/json"
	"net"

	"github.com/pkg/errors"
)

type TCPTransport struct {
	conn net.Conn
	dec  *json.Decoder
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Connect(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	t.conn = conn
	t.dec = json.NewDecoder(conn)
	return nil
}

// Send writes one newline-terminated message.
func (t *TCPTransport) Send(data []byte) error {
	if t.conn == nil {
		return errors.New("transport is not connected")
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	_, err := t.conn.Write(buf)
	return errors.Wrap(err, "write")
}

// Read returns the next JSON object from the stream, however the hub split
// it across writes.
func (t *TCPTransport) Read() ([]byte, error) {
	if t.dec == nil {
		return nil, errors.New("transport is not connected")
	}
	var raw json.RawMessage
	if err := t.dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "read")
	}
	return raw, nil
}

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
