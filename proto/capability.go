package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Sensor struct {
	Name string   `json:"name"` // payload key, e.g. "a"
	Unit string   `json:"unit,omitempty"`
	Min  *float64 `json:"min_value,omitempty"`
	Max  *float64 `json:"max_value,omitempty"`
}

// UnmarshalJSON also accepts a bare string naming the sensor key.
func (s *Sensor) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = Sensor{Name: name}
		return nil
	}
	type plain Sensor
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Sensor(p)
	return nil
}

type Actuator struct {
	Name string `json:"name"`
	Type string `json:"actuator_type,omitempty"`
}

func (a *Actuator) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*a = Actuator{Name: name}
		return nil
	}
	type plain Actuator
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Actuator(p)
	return nil
}

// Capabilities is what a device reports in reply to a registration request.
type Capabilities struct {
	DeviceID        string     `json:"device_id,omitempty"`
	DeviceType      string     `json:"device_type"`
	FirmwareVersion string     `json:"firmware_version"`
	Sensors         []Sensor   `json:"sensors"`
	Actuators       []Actuator `json:"actuators"`
	Commands        []string   `json:"commands,omitempty"`
}

func (c *Capabilities) Validate() error {
	if strings.TrimSpace(c.DeviceType) == "" {
		return errors.New("device_type is required")
	}
	for i, s := range c.Sensors {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("sensor %d has no name", i)
		}
		if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
			return fmt.Errorf("sensor %q has min above max", s.Name)
		}
	}
	for i, a := range c.Actuators {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("actuator %d has no name", i)
		}
	}
	return nil
}

func (c Capabilities) SensorKeys() []string {
	keys := make([]string, len(c.Sensors))
	for i, s := range c.Sensors {
		keys[i] = s.Name
	}
	return keys
}

// Actions lists the actuator names followed by any extra commands.
func (c Capabilities) Actions() []string {
	out := make([]string, 0, len(c.Actuators)+len(c.Commands))
	for _, a := range c.Actuators {
		out = append(out, a.Name)
	}
	return append(out, c.Commands...)
}

// ParseCapabilities reads a registration response payload.
func ParseCapabilities(p Payload) (Capabilities, error) {
	var c Capabilities
	data, err := p.MarshalJSON()
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: capabilities: %v", ErrMalformedPayload, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%w: capabilities: %v", ErrMalformedPayload, err)
	}
	return c, nil
}

// Payload renders the capabilities as a response payload.
func (c Capabilities) Payload() (Payload, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := p.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return p, nil
}
