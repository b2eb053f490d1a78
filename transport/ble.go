package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/mbocsi/fieldhub/proto"
)

// BLEPacket is one notification from a peripheral, or a disconnect event.
type BLEPacket struct {
	Address      string
	Data         []byte
	Disconnected bool
}

// BLELink is the central-role radio stack. Packets is closed when the link
// shuts down.
type BLELink interface {
	Packets() <-chan BLEPacket
	Write(address string, data []byte) error
	MTU() int
	Close() error
}

// BLEAdapter serves short-range wireless peripherals. Notifications arrive
// MTU sized, so nearly every message spans several frames.
type BLEAdapter struct {
	base
	link BLELink

	mu        sync.RWMutex
	peers     map[string]struct{}
	connected bool
}

func NewBLEAdapter(link BLELink, opts ...Option) *BLEAdapter {
	return &BLEAdapter{
		base:  newBase("ble", 8, opts),
		link:  link,
		peers: make(map[string]struct{}),
	}
}

func (t *BLEAdapter) Kind() proto.TransportKind { return proto.TransportBLE }

func (t *BLEAdapter) Start(ctx context.Context, inbound chan<- Frame) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.log.Info().Int("mtu", t.link.MTU()).Msg("Starting ble adapter")
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		if err := t.link.Close(); err != nil {
			t.log.Warn().Err(err).Msg("Failed to close ble link")
		}
	}()

	packets := t.link.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			if !t.handle(ctx, pkt, inbound) {
				return nil
			}
		}
	}
}

func (t *BLEAdapter) handle(ctx context.Context, pkt BLEPacket, inbound chan<- Frame) bool {
	t.mu.Lock()
	_, known := t.peers[pkt.Address]
	if pkt.Disconnected {
		delete(t.peers, pkt.Address)
		t.mu.Unlock()
		if !known {
			return true
		}
		t.log.Info().Str("address", pkt.Address).Msg("Peripheral disconnected")
		return deliver(ctx, inbound, Frame{Adapter: t.name, Address: pkt.Address, Kind: t.Kind(), Closed: true})
	}
	if !known && t.maxClients > 0 && len(t.peers) >= t.maxClients {
		t.mu.Unlock()
		t.log.Warn().Str("address", pkt.Address).Msg("Max peripherals reached, ignoring notification")
		return true
	}
	t.peers[pkt.Address] = struct{}{}
	t.mu.Unlock()

	if !known {
		t.log.Info().Str("address", pkt.Address).Msg("Peripheral connected")
	}
	return deliver(ctx, inbound, Frame{Adapter: t.name, Address: pkt.Address, Kind: t.Kind(), Data: pkt.Data})
}

// Send writes data to a connected peripheral in MTU sized pieces.
func (t *BLEAdapter) Send(ctx context.Context, address string, data []byte) error {
	t.mu.RLock()
	_, ok := t.peers[address]
	t.mu.RUnlock()
	if !ok {
		return sendError(t.name, address, ErrUnknownAddress)
	}

	mtu := t.link.MTU()
	if mtu <= 0 {
		mtu = 20
	}
	for off := 0; off < len(data); off += mtu {
		if err := ctx.Err(); err != nil {
			return sendError(t.name, address, err)
		}
		end := min(off+mtu, len(data))
		if err := t.link.Write(address, data[off:end]); err != nil {
			return sendError(t.name, address, err)
		}
	}
	return nil
}

func (t *BLEAdapter) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clients := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		clients = append(clients, addr)
	}
	sort.Strings(clients)
	return Info{
		Name:        t.name,
		Protocol:    "ble",
		Kind:        t.Kind(),
		Description: t.description,
		Clients:     clients,
		MaxClients:  t.maxClients,
		Connected:   t.connected,
	}
}
