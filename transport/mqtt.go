package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
)

type MQTTConfig struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
	// Prefix roots the device topics: devices publish on <prefix>/<addr>/up
	// and receive on <prefix>/<addr>/down.
	Prefix string
	QoS    byte
}

// mqttClient is the part of mqtt.Client the adapter uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTAdapter bridges Wi-Fi devices that talk to the hub through an MQTT
// broker. The broker connection is shared; each device is addressed by the
// middle segment of its topics.
type MQTTAdapter struct {
	base
	cfg    MQTTConfig
	client mqttClient

	mu        sync.RWMutex
	peers     map[string]struct{}
	connected bool
}

func NewMQTTAdapter(cfg MQTTConfig, opts ...Option) *MQTTAdapter {
	a := newMQTTAdapter(cfg, nil, opts...)

	o := mqtt.NewClientOptions()
	o.AddBroker(cfg.Broker)
	o.SetClientID(a.cfg.ClientID)
	if cfg.Username != "" {
		o.SetUsername(cfg.Username)
		o.SetPassword(cfg.Password)
	}
	o.SetKeepAlive(60 * time.Second)
	o.SetPingTimeout(10 * time.Second)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(5 * time.Second)
	o.SetCleanSession(false)
	o.SetResumeSubs(true)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.log.Error().Err(err).Msg("MQTT connection lost")
		a.setConnected(false)
	})
	o.SetOnConnectHandler(func(mqtt.Client) {
		a.log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		a.setConnected(true)
	})
	a.client = mqtt.NewClient(o)
	return a
}

func newMQTTAdapter(cfg MQTTConfig, client mqttClient, opts ...Option) *MQTTAdapter {
	if cfg.Prefix == "" {
		cfg.Prefix = "fieldhub"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fieldhub-hub"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &MQTTAdapter{
		base:   newBase("mqtt", 0, opts),
		cfg:    cfg,
		client: client,
		peers:  make(map[string]struct{}),
	}
}

func (t *MQTTAdapter) Kind() proto.TransportKind { return proto.TransportNetwork }

func (t *MQTTAdapter) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *MQTTAdapter) upTopic() string { return t.cfg.Prefix + "/+/up" }

func (t *MQTTAdapter) downTopic(addr string) string {
	return fmt.Sprintf("%s/%s/down", t.cfg.Prefix, addr)
}

// address extracts the device segment from <prefix>/<addr>/up.
func (t *MQTTAdapter) address(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.cfg.Prefix+"/")
	if !ok {
		return "", false
	}
	addr, ok := strings.CutSuffix(rest, "/up")
	if !ok || addr == "" || strings.Contains(addr, "/") {
		return "", false
	}
	return addr, true
}

func (t *MQTTAdapter) Start(ctx context.Context, inbound chan<- Frame) error {
	t.log.Info().Str("broker", t.cfg.Broker).Str("prefix", t.cfg.Prefix).Msg("Starting mqtt adapter")
	if tok := t.client.Connect(); tok.Wait() && tok.Error() != nil {
		return errors.Wrapf(tok.Error(), "mqtt connect %s", t.cfg.Broker)
	}
	t.setConnected(true)
	defer func() {
		t.client.Disconnect(250)
		t.setConnected(false)
		t.log.Info().Msg("Mqtt adapter stopped")
	}()

	handler := func(_ mqtt.Client, m mqtt.Message) {
		addr, ok := t.address(m.Topic())
		if !ok {
			t.log.Warn().Str("topic", m.Topic()).Msg("Ignoring message on unexpected topic")
			return
		}
		t.mu.Lock()
		_, known := t.peers[addr]
		t.peers[addr] = struct{}{}
		t.mu.Unlock()
		if !known {
			t.log.Info().Str("address", addr).Msg("New mqtt device")
		}
		data := append([]byte(nil), m.Payload()...)
		deliver(ctx, inbound, Frame{Adapter: t.name, Address: addr, Kind: t.Kind(), Data: data})
	}
	if tok := t.client.Subscribe(t.upTopic(), t.cfg.QoS, handler); tok.Wait() && tok.Error() != nil {
		return errors.Wrapf(tok.Error(), "mqtt subscribe %s", t.upTopic())
	}

	<-ctx.Done()
	return nil
}

// Send publishes data on the device's down topic. Devices need not have
// been heard from first: MQTT devices may only listen.
func (t *MQTTAdapter) Send(ctx context.Context, address string, data []byte) error {
	if address == "" || strings.ContainsAny(address, "/+#") {
		return sendError(t.name, address, ErrUnknownAddress)
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	tok := t.client.Publish(t.downTopic(address), t.cfg.QoS, false, data)
	if !tok.WaitTimeout(timeout) {
		return sendError(t.name, address, context.DeadlineExceeded)
	}
	if err := tok.Error(); err != nil {
		return sendError(t.name, address, err)
	}
	return nil
}

func (t *MQTTAdapter) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clients := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		clients = append(clients, addr)
	}
	sort.Strings(clients)
	return Info{
		Name:        t.name,
		Protocol:    "mqtt",
		Kind:        t.Kind(),
		Address:     t.cfg.Broker,
		Description: t.description,
		Clients:     clients,
		Connected:   t.connected,
	}
}
