package transport

import (
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HardwareInterface abstracts the bus the SX1276 sits on (SPI, UART bridge)
// so drivers can be plugged in.
type HardwareInterface interface {
	Initialize() error
	Transmit(data []byte) error
	SetReceiveCallback(callback func(data []byte, rssi int, snr float64))
	Close() error
	SetFrequency(freq uint32) error
	SetPower(power uint8) error
}

// SX1276Config contains hardware-specific configuration for SX1276 LoRa radio.
type SX1276Config struct {
	SPIDevice string // e.g., "/dev/spidev0.0"
	SPISpeed  uint32 // Hz
	ResetGPIO int
	IRQPin    int
	CS0Pin    int

	Frequency       uint32 // Hz
	Power           uint8  // dBm (2-20)
	SyncByte        uint8
	Bandwidth       uint32 // Hz (125000, 250000, 500000)
	SpreadingFactor uint8  // 6-12
	CodingRate      uint8  // 5-8
	QueueSize       int
}

// DefaultSX1276Config returns a standard configuration for 915MHz operation.
func DefaultSX1276Config() SX1276Config {
	return SX1276Config{
		SPIDevice:       "/dev/spidev0.0",
		SPISpeed:        1000000,
		ResetGPIO:       4,
		IRQPin:          17,
		CS0Pin:          8,
		Frequency:       915000000,
		Power:           14,
		SyncByte:        0x12,
		Bandwidth:       125000,
		SpreadingFactor: 7,
		CodingRate:      5,
		QueueSize:       100,
	}
}

// EU868Config returns the default configuration on the 868MHz band.
func EU868Config() SX1276Config {
	c := DefaultSX1276Config()
	c.Frequency = 868000000
	return c
}

var (
	errRadioRunning = errors.New("sx1276: radio already running")
	errRadioStopped = errors.New("sx1276: radio not running")
)

// SX1276Radio implements LoRaRadio on an SX1276/SX1278 transceiver.
// Packets on air are framed as [address length][address][payload].
type SX1276Radio struct {
	config SX1276Config
	hw     HardwareInterface
	log    zerolog.Logger

	mu      sync.RWMutex
	running bool
	queue   chan LoRaPacket
}

func NewSX1276Radio(config SX1276Config, hw HardwareInterface) *SX1276Radio {
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	return &SX1276Radio{
		config: config,
		hw:     hw,
		log:    log.Logger.With().Str("component", "sx1276").Logger(),
	}
}

func (r *SX1276Radio) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errRadioRunning
	}
	if err := r.hw.Initialize(); err != nil {
		return errors.Wrap(err, "initialize radio hardware")
	}
	if err := r.hw.SetFrequency(r.config.Frequency); err != nil {
		r.hw.Close()
		return errors.Wrap(err, "set frequency")
	}
	if err := r.hw.SetPower(r.config.Power); err != nil {
		r.hw.Close()
		return errors.Wrap(err, "set power")
	}

	r.queue = make(chan LoRaPacket, r.config.QueueSize)
	r.hw.SetReceiveCallback(r.onReceive)
	r.running = true
	r.log.Info().Uint32("frequency", r.config.Frequency).Uint8("power", r.config.Power).
		Str("spi_device", r.config.SPIDevice).Msg("SX1276 radio started")
	return nil
}

func (r *SX1276Radio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	close(r.queue)
	err := r.hw.Close()
	r.log.Info().Msg("SX1276 radio stopped")
	return err
}

func (r *SX1276Radio) Send(address []byte, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return errRadioStopped
	}
	if len(address) > 255 {
		return errors.Errorf("sx1276: address too long (%d bytes)", len(address))
	}

	packet := make([]byte, 1+len(address)+len(data))
	packet[0] = uint8(len(address))
	copy(packet[1:], address)
	copy(packet[1+len(address):], data)
	if err := r.hw.Transmit(packet); err != nil {
		return errors.Wrap(err, "transmit")
	}
	r.log.Debug().Str("address", hex.EncodeToString(address)).Int("size", len(packet)).Msg("SX1276 packet transmitted")
	return nil
}

// Receive blocks until a packet is queued or the radio stops.
func (r *SX1276Radio) Receive() (LoRaPacket, error) {
	r.mu.RLock()
	q := r.queue
	r.mu.RUnlock()
	if q == nil {
		return LoRaPacket{}, errRadioStopped
	}
	pkt, ok := <-q
	if !ok {
		return LoRaPacket{}, errRadioStopped
	}
	return pkt, nil
}

func (r *SX1276Radio) onReceive(data []byte, rssi int, snr float64) {
	if len(data) < 2 {
		r.log.Warn().Int("size", len(data)).Msg("SX1276 packet too short")
		return
	}
	addrLen := int(data[0])
	if len(data) < 1+addrLen {
		r.log.Warn().Int("declared_addr_len", addrLen).Int("size", len(data)).Msg("SX1276 packet with invalid address length")
		return
	}
	pkt := LoRaPacket{
		Address: append([]byte(nil), data[1:1+addrLen]...),
		Data:    append([]byte(nil), data[1+addrLen:]...),
		RSSI:    rssi,
		SNR:     snr,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return
	}
	select {
	case r.queue <- pkt:
	default:
		r.log.Warn().Msg("SX1276 receive queue full, dropping packet")
	}
}
