package proto

import "errors"

var (
	ErrUnsupportedVersion = errors.New("proto: unsupported protocol version")
	ErrUnknownMessageType = errors.New("proto: unknown message type")
	ErrMalformedPayload   = errors.New("proto: malformed payload")
)

// DecodeError keeps the offending bytes for diagnostics.
type DecodeError struct {
	Err error
	Raw []byte
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
