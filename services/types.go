package services

import (
	"time"

	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/scheduler"
)

// DeviceInfo merges what the routing table, the device store and the
// scheduler know about a device.
type DeviceInfo struct {
	ID           string                 `json:"id"`
	Transport    proto.TransportKind    `json:"transport,omitempty"`
	Address      string                 `json:"address,omitempty"`
	Routable     bool                   `json:"routable"`
	FirstSeen    *time.Time             `json:"first_seen,omitempty"`
	LastSeen     time.Time              `json:"last_seen"`
	Trusted      bool                   `json:"trusted"`
	RegisteredAt *time.Time             `json:"registered_at,omitempty"`
	Capabilities *proto.Capabilities    `json:"capabilities,omitempty"`
	Queue        *scheduler.QueueStatus `json:"queue,omitempty"`
}

// CommandRequest is a command submitted through the API or MCP.
type CommandRequest struct {
	DeviceID string      `json:"device_id"`
	Action   string      `json:"action"`
	Data     proto.Value `json:"data"`
	Priority string      `json:"priority,omitempty"`
	MaxAge   float64     `json:"max_age,omitempty"` // seconds
	Topic    string      `json:"topic,omitempty"`
}

// CommandReceipt acknowledges a command handed to the outbound pipeline.
type CommandReceipt struct {
	DeviceID string             `json:"device_id"`
	Action   string             `json:"action"`
	Priority scheduler.Priority `json:"priority"`
	Topic    string             `json:"topic"`
}

type TopicInfo struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

type TransportInfo struct {
	Index       int                 `json:"index"`
	Name        string              `json:"name"`
	Type        string              `json:"type"`
	Kind        proto.TransportKind `json:"kind"`
	Address     string              `json:"address,omitempty"`
	Status      string              `json:"status"`
	Connections int                 `json:"connections"`
	MaxClients  int                 `json:"max_clients,omitempty"`
}

// ServiceError represents structured service layer errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error { return e.Cause }

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeUnroutable   = "UNROUTABLE"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
