package proto

import (
	"fmt"
	"strings"
)

// Version is the only protocol version this hub speaks.
const Version = "ssp/1.0"

type Kind uint8

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindCommand
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	}
	return "unknown"
}

// Short is the compact wire form of the kind.
func (k Kind) Short() string {
	switch k {
	case KindTelemetry:
		return "tel"
	case KindCommand:
		return "cmd"
	case KindResponse:
		return "res"
	case KindEvent:
		return "evt"
	}
	return ""
}

func (k Kind) Valid() bool { return k >= KindTelemetry && k <= KindEvent }

// ParseKind accepts both compact and long names. "control" is an alias of command.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "tel", "telemetry":
		return KindTelemetry, nil
	case "cmd", "command", "control":
		return KindCommand, nil
	case "res", "response":
		return KindResponse, nil
	case "evt", "event":
		return KindEvent, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
}

type TransportKind string

const (
	TransportSerial   TransportKind = "serial"
	TransportBLE      TransportKind = "ble"
	TransportRadio    TransportKind = "radio"
	TransportNetwork  TransportKind = "network"
	TransportInternal TransportKind = "internal"
	TransportUnknown  TransportKind = "unknown"
)

func ParseTransportKind(s string) TransportKind {
	switch strings.ToLower(s) {
	case "serial", "usb":
		return TransportSerial
	case "ble":
		return TransportBLE
	case "radio", "lora":
		return TransportRadio
	case "network", "tcp", "websocket", "mqtt":
		return TransportNetwork
	case "internal":
		return TransportInternal
	}
	return TransportUnknown
}

// SourceInfo identifies where a message came from and how to reach it again.
type SourceInfo struct {
	ID        string        `json:"id"`
	Transport TransportKind `json:"transport"`
	Address   string        `json:"address"` // port path, hardware address, remote addr
}

type ScheduleMode string

const (
	ModeData ScheduleMode = "data"
	ModeCmd  ScheduleMode = "cmd"
)

// DefaultWindowSeconds applies when a device omits cmd_dur.
const DefaultWindowSeconds = 10

// Schedule is the window advertisement a device embeds in its telemetry.
type Schedule struct {
	Mode   ScheduleMode `json:"mode"`
	CmdIn  uint32       `json:"cmd_in"`  // seconds until the next Cmd window
	CmdDur uint32       `json:"cmd_dur"` // window length in seconds
}

// Message is the canonical, format independent protocol message.
type Message struct {
	Protocol  string
	Kind      Kind
	DeviceID  string // doubles as the bus topic
	Timestamp uint64 // seconds
	Schedule  *Schedule
	Payload   Payload
	ReplyTo   string
	InReplyTo string

	// Verbose shape only.
	Source *SourceInfo
	QoS    *uint8
	Retain *bool
}

// Action returns the "action" field of a command payload.
func (m Message) Action() string {
	a, _ := m.Payload.GetString("action")
	return a
}

const ActionRegister = "register"

// NewCommand builds a command in the {"action", "data"} payload convention.
// A null data value is omitted.
func NewCommand(deviceID, action string, data Value, ts uint64) Message {
	p := Payload{{Key: "action", Value: String(action)}}
	if !data.IsNull() {
		p = append(p, Field{Key: "data", Value: data})
	}
	return Message{
		Protocol:  Version,
		Kind:      KindCommand,
		DeviceID:  deviceID,
		Timestamp: ts,
		Payload:   p,
	}
}

// NewRegistrationRequest asks a device to report its capabilities, with
// replies correlated through replyTo.
func NewRegistrationRequest(deviceID, replyTo string, ts uint64) Message {
	m := NewCommand(deviceID, ActionRegister, Null(), ts)
	m.Payload.Set("request_capabilities", Bool(true))
	m.ReplyTo = replyTo
	return m
}
