// Package config loads hub settings with viper from a config file, FIELDHUB_*
// environment variables and built-in defaults.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/mbocsi/fieldhub/reassembly"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/server"
	"github.com/mbocsi/fieldhub/transport"
)

type Config struct {
	Hub        HubConfig
	Reassembly ReassemblyConfig
	Scheduler  SchedulerConfig
	Bus        BusConfig
	Transports TransportsConfig
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	MDNS       MDNSConfig
}

type HubConfig struct {
	Name                string
	OutboundTopics      []string
	WhitelistFile       string
	RegistrationTimeout time.Duration
	SendQueue           int
	Workers             int
}

type ReassemblyConfig struct {
	Timeout       time.Duration
	MaxBuffer     int
	SweepInterval time.Duration
}

type SchedulerConfig struct {
	MaxAttempts    int
	MaxQueueDepth  int
	SendInterval   time.Duration
	SendTimeout    time.Duration
	StaleAfter     time.Duration
	PruneInterval  time.Duration
	ImminentWithin time.Duration
}

type BusConfig struct {
	QueueDepth int
}

type TransportsConfig struct {
	TCP    ListenerConfig
	WS     ListenerConfig
	Serial SerialConfig
	MQTT   MQTTConfig
}

// ListenerConfig is disabled when Addr is empty.
type ListenerConfig struct {
	Addr       string
	MaxClients int
}

type SerialConfig struct {
	Ports []string
	Baud  int
}

// MQTTConfig is disabled when Broker is empty.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      int
}

type HTTPConfig struct {
	Addr string
}

type DatabaseConfig struct {
	Path string
}

// RedisConfig is disabled when Addr is empty.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type MDNSConfig struct {
	Enabled bool
}

// InitConfig reads cfgFile, or config.* from the usual locations when it is
// empty. A missing config file is not an error.
func InitConfig(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/fieldhub")
		viper.SetConfigName("config")
	}

	// FIELDHUB_HUB_NAME overrides hub.name
	viper.SetEnvPrefix("FIELDHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "read config file")
		}
		log.Info().Msg("No config file found, using defaults and environment variables")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Using config file")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("hub.name", "fieldhub")
	viper.SetDefault("hub.outbound_topics", []string{"com_input", "control"})
	viper.SetDefault("hub.whitelist_file", "")
	viper.SetDefault("hub.registration_timeout", "5s")
	viper.SetDefault("hub.send_queue", 32)
	viper.SetDefault("hub.workers", 4)

	viper.SetDefault("reassembly.timeout", "5s")
	viper.SetDefault("reassembly.max_buffer", reassembly.DefaultMaxBufferSize)
	viper.SetDefault("reassembly.sweep_interval", "1s")

	viper.SetDefault("scheduler.max_attempts", 3)
	viper.SetDefault("scheduler.max_queue_depth", 64)
	viper.SetDefault("scheduler.send_interval", "100ms")
	viper.SetDefault("scheduler.send_timeout", "2s")
	viper.SetDefault("scheduler.stale_after", "5m")
	viper.SetDefault("scheduler.prune_interval", "30s")
	viper.SetDefault("scheduler.imminent_within", "5s")

	viper.SetDefault("bus.queue_depth", 64)

	viper.SetDefault("transports.tcp.addr", ":8888")
	viper.SetDefault("transports.tcp.max_clients", 16)
	viper.SetDefault("transports.ws.addr", ":8889")
	viper.SetDefault("transports.ws.max_clients", 16)
	viper.SetDefault("transports.serial.ports", []string{})
	viper.SetDefault("transports.serial.baud", 115200)
	viper.SetDefault("transports.mqtt.broker", "")
	viper.SetDefault("transports.mqtt.client_id", "fieldhub-hub")
	viper.SetDefault("transports.mqtt.prefix", "fieldhub")
	viper.SetDefault("transports.mqtt.qos", 1)

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("database.path", "fieldhub.db")

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "fieldhub:route:")
	viper.SetDefault("redis.ttl", "24h")

	viper.SetDefault("mdns.enabled", true)
}

// Load builds the typed configuration from viper.
func Load() (*Config, error) {
	cfg := &Config{
		Hub: HubConfig{
			Name:                viper.GetString("hub.name"),
			OutboundTopics:      viper.GetStringSlice("hub.outbound_topics"),
			WhitelistFile:       viper.GetString("hub.whitelist_file"),
			RegistrationTimeout: viper.GetDuration("hub.registration_timeout"),
			SendQueue:           viper.GetInt("hub.send_queue"),
			Workers:             viper.GetInt("hub.workers"),
		},
		Reassembly: ReassemblyConfig{
			Timeout:       viper.GetDuration("reassembly.timeout"),
			MaxBuffer:     viper.GetInt("reassembly.max_buffer"),
			SweepInterval: viper.GetDuration("reassembly.sweep_interval"),
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:    viper.GetInt("scheduler.max_attempts"),
			MaxQueueDepth:  viper.GetInt("scheduler.max_queue_depth"),
			SendInterval:   viper.GetDuration("scheduler.send_interval"),
			SendTimeout:    viper.GetDuration("scheduler.send_timeout"),
			StaleAfter:     viper.GetDuration("scheduler.stale_after"),
			PruneInterval:  viper.GetDuration("scheduler.prune_interval"),
			ImminentWithin: viper.GetDuration("scheduler.imminent_within"),
		},
		Bus: BusConfig{
			QueueDepth: viper.GetInt("bus.queue_depth"),
		},
		Transports: TransportsConfig{
			TCP: ListenerConfig{
				Addr:       viper.GetString("transports.tcp.addr"),
				MaxClients: viper.GetInt("transports.tcp.max_clients"),
			},
			WS: ListenerConfig{
				Addr:       viper.GetString("transports.ws.addr"),
				MaxClients: viper.GetInt("transports.ws.max_clients"),
			},
			Serial: SerialConfig{
				Ports: viper.GetStringSlice("transports.serial.ports"),
				Baud:  viper.GetInt("transports.serial.baud"),
			},
			MQTT: MQTTConfig{
				Broker:   viper.GetString("transports.mqtt.broker"),
				ClientID: viper.GetString("transports.mqtt.client_id"),
				Username: viper.GetString("transports.mqtt.username"),
				Password: viper.GetString("transports.mqtt.password"),
				Prefix:   viper.GetString("transports.mqtt.prefix"),
				QoS:      viper.GetInt("transports.mqtt.qos"),
			},
		},
		HTTP:     HTTPConfig{Addr: viper.GetString("http.addr")},
		Database: DatabaseConfig{Path: viper.GetString("database.path")},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Prefix:   viper.GetString("redis.prefix"),
			TTL:      viper.GetDuration("redis.ttl"),
		},
		MDNS: MDNSConfig{Enabled: viper.GetBool("mdns.enabled")},
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.Hub.Name == "":
		return errors.New("config: hub.name is empty")
	case len(c.Hub.OutboundTopics) == 0:
		return errors.New("config: hub.outbound_topics is empty")
	case c.Scheduler.MaxAttempts < 1:
		return errors.New("config: scheduler.max_attempts must be at least 1")
	case c.Scheduler.MaxQueueDepth < 1:
		return errors.New("config: scheduler.max_queue_depth must be at least 1")
	case c.Reassembly.MaxBuffer < 64:
		return errors.New("config: reassembly.max_buffer must be at least 64 bytes")
	case c.Transports.MQTT.QoS < 0 || c.Transports.MQTT.QoS > 2:
		return errors.New("config: transports.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// Manager maps the settings onto the transport manager configuration.
func (c *Config) Manager() server.Config {
	return server.Config{
		Name:                c.Hub.Name,
		OutboundTopics:      c.Hub.OutboundTopics,
		RegistrationTimeout: c.Hub.RegistrationTimeout,
		SendQueue:           c.Hub.SendQueue,
		Workers:             c.Hub.Workers,
		Reassembly: reassembly.Config{
			Timeout:       c.Reassembly.Timeout,
			MaxBufferSize: c.Reassembly.MaxBuffer,
		},
		SweepInterval: c.Reassembly.SweepInterval,
		Scheduler: scheduler.Config{
			MaxAttempts:    c.Scheduler.MaxAttempts,
			MaxQueueDepth:  c.Scheduler.MaxQueueDepth,
			SendInterval:   c.Scheduler.SendInterval,
			SendTimeout:    c.Scheduler.SendTimeout,
			StaleAfter:     c.Scheduler.StaleAfter,
			ImminentWithin: c.Scheduler.ImminentWithin,
		},
		PruneInterval: c.Scheduler.PruneInterval,
		Advertise:     c.MDNS.Enabled,
	}
}

func (c *Config) RoutingMirror() routing.RedisConfig {
	return routing.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Prefix:   c.Redis.Prefix,
		TTL:      c.Redis.TTL,
	}
}

func (c *Config) MQTT() transport.MQTTConfig {
	m := c.Transports.MQTT
	return transport.MQTTConfig{
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Username: m.Username,
		Password: m.Password,
		Prefix:   m.Prefix,
		QoS:      byte(m.QoS),
	}
}
