package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
)

// LoRaConfig contains basic LoRa radio configuration.
type LoRaConfig struct {
	Frequency       uint32 // Hz (e.g., 915000000 for 915MHz)
	Bandwidth       uint32 // Hz (e.g., 125000 for 125kHz)
	SpreadingFactor uint8  // 7-12
	CodingRate      uint8  // 5-8
	TxPower         uint8  // dBm
	// MaxPayload bounds each transmitted packet; longer messages are split
	// and reassembled by the receiver.
	MaxPayload int
}

// LoRaPacket is one received radio packet with link quality.
type LoRaPacket struct {
	Address []byte
	Data    []byte
	RSSI    int
	SNR     float64
}

// LoRaRadio is the radio hardware seen by the adapter. Receive blocks until
// a packet arrives and fails once the radio is stopped.
type LoRaRadio interface {
	Start() error
	Stop() error
	Send(address []byte, data []byte) error
	Receive() (LoRaPacket, error)
}

// Signal is the last link quality heard from a radio peer.
type Signal struct {
	RSSI     int       `json:"rssi"`
	SNR      float64   `json:"snr"`
	LastSeen time.Time `json:"last_seen"`
}

// LoRaAdapter serves battery powered radio devices. Peers are addressed by
// the hex form of their radio address.
type LoRaAdapter struct {
	base
	config LoRaConfig
	radio  LoRaRadio

	mu        sync.RWMutex
	peers     map[string]Signal
	connected bool
}

func NewLoRaAdapter(config LoRaConfig, radio LoRaRadio, opts ...Option) *LoRaAdapter {
	if config.MaxPayload <= 0 {
		config.MaxPayload = 200
	}
	return &LoRaAdapter{
		base:   newBase("lora", 50, opts),
		config: config,
		radio:  radio,
		peers:  make(map[string]Signal),
	}
}

func (t *LoRaAdapter) Kind() proto.TransportKind { return proto.TransportRadio }

func (t *LoRaAdapter) Start(ctx context.Context, inbound chan<- Frame) error {
	if err := t.radio.Start(); err != nil {
		return errors.Wrap(err, "start lora radio")
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.log.Info().Uint32("frequency", t.config.Frequency).Msg("Starting lora adapter")

	stop := context.AfterFunc(ctx, func() {
		if err := t.radio.Stop(); err != nil {
			t.log.Warn().Err(err).Msg("Failed to stop lora radio")
		}
	})
	defer stop()
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}()

	for {
		pkt, err := t.radio.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "lora receive")
		}
		addr := hex.EncodeToString(pkt.Address)

		t.mu.Lock()
		_, known := t.peers[addr]
		if !known && t.maxClients > 0 && len(t.peers) >= t.maxClients {
			t.mu.Unlock()
			t.log.Warn().Str("address", addr).Msg("Max radio peers reached, dropping packet")
			continue
		}
		t.peers[addr] = Signal{RSSI: pkt.RSSI, SNR: pkt.SNR, LastSeen: time.Now()}
		t.mu.Unlock()

		if !known {
			t.log.Info().Str("address", addr).Int("rssi", pkt.RSSI).Msg("New lora peer")
		}
		t.log.Debug().Str("address", addr).Int("size", len(pkt.Data)).Int("rssi", pkt.RSSI).Float64("snr", pkt.SNR).Msg("Lora packet received")
		if !deliver(ctx, inbound, Frame{Adapter: t.name, Address: addr, Kind: t.Kind(), Data: pkt.Data}) {
			return nil
		}
	}
}

// Send transmits data to a peer, split into packets of at most MaxPayload
// bytes.
func (t *LoRaAdapter) Send(ctx context.Context, address string, data []byte) error {
	raw, err := hex.DecodeString(address)
	if err != nil || len(raw) == 0 {
		return sendError(t.name, address, ErrUnknownAddress)
	}
	for off := 0; off < len(data); off += t.config.MaxPayload {
		if err := ctx.Err(); err != nil {
			return sendError(t.name, address, err)
		}
		end := min(off+t.config.MaxPayload, len(data))
		if err := t.radio.Send(raw, data[off:end]); err != nil {
			return sendError(t.name, address, err)
		}
	}
	return nil
}

// Signal returns the last link quality heard from address.
func (t *LoRaAdapter) Signal(address string) (Signal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peers[address]
	return s, ok
}

func (t *LoRaAdapter) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clients := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		clients = append(clients, addr)
	}
	sort.Strings(clients)
	return Info{
		Name:        t.name,
		Protocol:    "lora",
		Kind:        t.Kind(),
		Address:     fmt.Sprintf("%.1fMHz", float64(t.config.Frequency)/1000000),
		Description: t.description,
		Clients:     clients,
		MaxClients:  t.maxClients,
		Connected:   t.connected,
	}
}
