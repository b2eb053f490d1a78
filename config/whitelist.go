package config

import (
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Whitelist says which outbound topics may carry commands for which device.
//
//	default = ["com_input", "control"]
//
//	[devices.a01]
//	topics = ["control"]
//
// A device without an entry accepts the defaults. An entry with an empty
// list accepts nothing.
type Whitelist struct {
	defaults []string
	devices  map[string][]string
}

type whitelistFile struct {
	Default []string `toml:"default"`
	Devices map[string]struct {
		Topics []string `toml:"topics"`
	} `toml:"devices"`
}

// NewWhitelist allows topics for every device.
func NewWhitelist(topics []string) *Whitelist {
	return &Whitelist{defaults: clean(topics), devices: map[string][]string{}}
}

// LoadWhitelist reads a whitelist file. When the file leaves "default"
// unset, fallback is used instead.
func LoadWhitelist(path string, fallback []string) (*Whitelist, error) {
	var raw whitelistFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, errors.Wrapf(err, "load whitelist %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("whitelist %s: unknown key %s", path, undecoded[0])
	}

	w := NewWhitelist(fallback)
	if meta.IsDefined("default") {
		w.defaults = clean(raw.Default)
	}
	for id, entry := range raw.Devices {
		if !meta.IsDefined("devices", id, "topics") {
			continue
		}
		w.devices[id] = clean(entry.Topics)
	}
	return w, nil
}

func (w *Whitelist) Allowed(deviceID, topic string) bool {
	return slices.Contains(w.Topics(deviceID), topic)
}

func (w *Whitelist) Topics(deviceID string) []string {
	if topics, ok := w.devices[deviceID]; ok {
		return topics
	}
	return w.defaults
}

func clean(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
