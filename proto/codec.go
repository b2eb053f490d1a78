package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

type Format uint8

const (
	FormatCompact Format = iota
	FormatVerbose
)

func (f Format) String() string {
	if f == FormatVerbose {
		return "verbose"
	}
	return "compact"
}

var (
	compactKeys = []string{"p", "t", "i", "s", "d"}
	verboseKeys = []string{"protocol", "type", "topic", "timestamp", "source", "payload"}
)

// Decode parses either wire shape into a Message. Every error is a
// *DecodeError wrapping one of the protocol sentinels.
func Decode(data []byte) (Message, error) {
	m, _, err := DecodeFormat(data)
	return m, err
}

// DecodeFormat is Decode that also reports which shape was detected.
func DecodeFormat(data []byte) (Message, Format, error) {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, FormatCompact, decodeErr(data, fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}

	compact, verbose := countKeys(raw, compactKeys), countKeys(raw, verboseKeys)
	switch {
	case compact == 0 && verbose == 0:
		return Message{}, FormatCompact, decodeErr(data, fmt.Errorf("%w: no known key set", ErrMalformedPayload))
	case compact == verbose:
		return Message{}, FormatCompact, decodeErr(data, fmt.Errorf("%w: mixed compact and verbose keys", ErrMalformedPayload))
	case compact > verbose:
		m, err := decodeCompact(raw)
		if err != nil {
			return Message{}, FormatCompact, decodeErr(data, err)
		}
		return m, FormatCompact, nil
	default:
		m, err := decodeVerbose(raw)
		if err != nil {
			return Message{}, FormatVerbose, decodeErr(data, err)
		}
		return m, FormatVerbose, nil
	}
}

func decodeErr(data []byte, err error) error {
	raw := make([]byte, len(data))
	copy(raw, data)
	return &DecodeError{Err: err, Raw: raw}
}

func countKeys(raw map[string]json.RawMessage, keys []string) int {
	n := 0
	for _, k := range keys {
		if _, ok := raw[k]; ok {
			n++
		}
	}
	return n
}

func decodeCompact(raw map[string]json.RawMessage) (Message, error) {
	var m Message
	var err error

	if m.Protocol, err = header(raw, "p"); err != nil {
		return m, err
	}
	if m.Kind, err = kindField(raw, "t"); err != nil {
		return m, err
	}
	if m.DeviceID, err = stringField(raw, "i", true); err != nil {
		return m, err
	}
	if m.Timestamp, err = timestampField(raw, "s"); err != nil {
		return m, err
	}
	if m.Payload, err = payloadField(raw, "d"); err != nil {
		return m, err
	}
	if m.Schedule, err = scheduleField(raw, "m"); err != nil {
		return m, err
	}
	if m.ReplyTo, err = stringField(raw, "r", false); err != nil {
		return m, err
	}
	if m.InReplyTo, err = stringField(raw, "c", false); err != nil {
		return m, err
	}
	return m, nil
}

func decodeVerbose(raw map[string]json.RawMessage) (Message, error) {
	var m Message
	var err error

	if m.Protocol, err = header(raw, "protocol"); err != nil {
		return m, err
	}
	if m.Kind, err = kindField(raw, "type"); err != nil {
		return m, err
	}
	if m.DeviceID, err = stringField(raw, "topic", true); err != nil {
		return m, err
	}
	if m.Timestamp, err = timestampField(raw, "timestamp"); err != nil {
		return m, err
	}
	if m.Payload, err = payloadField(raw, "payload"); err != nil {
		return m, err
	}
	if m.Schedule, err = scheduleField(raw, "schedule"); err != nil {
		return m, err
	}
	if m.ReplyTo, err = stringField(raw, "reply_to", false); err != nil {
		return m, err
	}
	if m.InReplyTo, err = stringField(raw, "in_reply_to", false); err != nil {
		return m, err
	}
	if src, ok := raw["source"]; ok && !isNull(src) {
		var s struct {
			ID        string `json:"id"`
			Transport string `json:"transport"`
			Address   string `json:"address"`
		}
		if err := json.Unmarshal(src, &s); err != nil {
			return m, fmt.Errorf("%w: source: %v", ErrMalformedPayload, err)
		}
		m.Source = &SourceInfo{ID: s.ID, Transport: ParseTransportKind(s.Transport), Address: s.Address}
	}
	if q, ok := raw["qos"]; ok && !isNull(q) {
		var qos uint8
		if err := json.Unmarshal(q, &qos); err != nil || qos > 2 {
			return m, fmt.Errorf("%w: qos must be 0, 1 or 2", ErrMalformedPayload)
		}
		m.QoS = &qos
	}
	if r, ok := raw["retain"]; ok && !isNull(r) {
		var retain bool
		if err := json.Unmarshal(r, &retain); err != nil {
			return m, fmt.Errorf("%w: retain: %v", ErrMalformedPayload, err)
		}
		m.Retain = &retain
	}
	return m, nil
}

// header reads the protocol field and checks the version.
func header(raw map[string]json.RawMessage, key string) (string, error) {
	p, err := stringField(raw, key, true)
	if err != nil {
		return "", err
	}
	if p != Version {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, p)
	}
	return p, nil
}

func kindField(raw map[string]json.RawMessage, key string) (Kind, error) {
	s, err := stringField(raw, key, true)
	if err != nil {
		return KindUnknown, err
	}
	return ParseKind(s)
}

func stringField(raw map[string]json.RawMessage, key string, required bool) (string, error) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		if required {
			return "", fmt.Errorf("%w: missing %q", ErrMalformedPayload, key)
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: %q is not a string", ErrMalformedPayload, key)
	}
	if required && s == "" {
		return "", fmt.Errorf("%w: empty %q", ErrMalformedPayload, key)
	}
	return s, nil
}

func timestampField(raw map[string]json.RawMessage, key string) (uint64, error) {
	v, ok := raw[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformedPayload, key)
	}
	ts, ok := parseSeconds(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a non-negative number", ErrMalformedPayload, key)
	}
	return ts, nil
}

// parseSeconds accepts non-negative integers, truncating fractional seconds.
func parseSeconds(v json.RawMessage) (uint64, bool) {
	s := string(bytes.TrimSpace(v))
	if s == "" || s[0] == '"' || s[0] == '-' {
		return 0, false
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) || f > math.MaxUint64 {
		return 0, false
	}
	return uint64(f), true
}

func payloadField(raw map[string]json.RawMessage, key string) (Payload, error) {
	v, ok := raw[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedPayload, key)
	}
	var p Payload
	if err := p.UnmarshalJSON(v); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedPayload, key, err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// scheduleField returns nil when the metadata is absent or carries no mode.
func scheduleField(raw map[string]json.RawMessage, key string) (*Schedule, error) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return nil, nil
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(v, &meta); err != nil {
		return nil, fmt.Errorf("%w: %q is not an object", ErrMalformedPayload, key)
	}
	mode, err := stringField(meta, "mode", false)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		return nil, nil
	}
	s := &Schedule{Mode: ScheduleMode(mode), CmdDur: DefaultWindowSeconds}
	if in, ok := meta["cmd_in"]; ok && !isNull(in) {
		n, ok := parseSeconds(in)
		if !ok || n > math.MaxUint32 {
			return nil, fmt.Errorf("%w: invalid cmd_in", ErrMalformedPayload)
		}
		s.CmdIn = uint32(n)
	}
	if dur, ok := meta["cmd_dur"]; ok && !isNull(dur) {
		n, ok := parseSeconds(dur)
		if !ok || n > math.MaxUint32 {
			return nil, fmt.Errorf("%w: invalid cmd_dur", ErrMalformedPayload)
		}
		s.CmdDur = uint32(n)
	}
	return s, nil
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

// EncodeCompact renders the single-character-key shape sent to field devices.
func EncodeCompact(m Message) ([]byte, error) {
	if err := validate(&m); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"p":`)
	writeString(&buf, m.Protocol)
	buf.WriteString(`,"t":`)
	writeString(&buf, m.Kind.Short())
	buf.WriteString(`,"i":`)
	if err := writeString(&buf, m.DeviceID); err != nil {
		return nil, err
	}
	buf.WriteString(`,"s":`)
	buf.WriteString(strconv.FormatUint(m.Timestamp, 10))
	if m.Schedule != nil {
		buf.WriteString(`,"m":`)
		writeSchedule(&buf, m.Schedule)
	}
	buf.WriteString(`,"d":`)
	if err := m.Payload.writeJSON(&buf); err != nil {
		return nil, err
	}
	if m.ReplyTo != "" {
		buf.WriteString(`,"r":`)
		writeString(&buf, m.ReplyTo)
	}
	if m.InReplyTo != "" {
		buf.WriteString(`,"c":`)
		writeString(&buf, m.InReplyTo)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type verboseMessage struct {
	Protocol  string     `json:"protocol"`
	Type      string     `json:"type"`
	Topic     string     `json:"topic"`
	Timestamp uint64     `json:"timestamp"`
	Source    SourceInfo `json:"source"`
	Schedule  *Schedule  `json:"schedule,omitempty"`
	Payload   Payload    `json:"payload"`
	QoS       *uint8     `json:"qos,omitempty"`
	Retain    *bool      `json:"retain,omitempty"`
	ReplyTo   string     `json:"reply_to,omitempty"`
	InReplyTo string     `json:"in_reply_to,omitempty"`
}

// EncodeVerbose renders the descriptive shape. A missing source is reported
// as an internal one owned by the device identity.
func EncodeVerbose(m Message) ([]byte, error) {
	if err := validate(&m); err != nil {
		return nil, err
	}
	src := SourceInfo{ID: m.DeviceID, Transport: TransportInternal}
	if m.Source != nil {
		src = *m.Source
	}
	return json.Marshal(verboseMessage{
		Protocol:  m.Protocol,
		Type:      m.Kind.String(),
		Topic:     m.DeviceID,
		Timestamp: m.Timestamp,
		Source:    src,
		Schedule:  m.Schedule,
		Payload:   m.Payload,
		QoS:       m.QoS,
		Retain:    m.Retain,
		ReplyTo:   m.ReplyTo,
		InReplyTo: m.InReplyTo,
	})
}

func Encode(m Message, f Format) ([]byte, error) {
	if f == FormatVerbose {
		return EncodeVerbose(m)
	}
	return EncodeCompact(m)
}

func validate(m *Message) error {
	if m.Protocol == "" {
		m.Protocol = Version
	}
	if m.Protocol != Version {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, m.Protocol)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, m.Kind)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrMalformedPayload)
	}
	if m.Payload == nil {
		m.Payload = Payload{}
	}
	return nil
}

func writeSchedule(buf *bytes.Buffer, s *Schedule) {
	buf.WriteString(`{"mode":`)
	writeString(buf, string(s.Mode))
	buf.WriteString(`,"cmd_in":`)
	buf.WriteString(strconv.FormatUint(uint64(s.CmdIn), 10))
	buf.WriteString(`,"cmd_dur":`)
	buf.WriteString(strconv.FormatUint(uint64(s.CmdDur), 10))
	buf.WriteByte('}')
}
