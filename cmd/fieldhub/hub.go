package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/fieldhub/broker"
	"github.com/mbocsi/fieldhub/config"
	"github.com/mbocsi/fieldhub/metrics"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/server"
	"github.com/mbocsi/fieldhub/services"
	"github.com/mbocsi/fieldhub/store"
	"github.com/mbocsi/fieldhub/transport"
)

// hub is everything serve and mcp share: the manager, its adapters and the
// service layer on top.
type hub struct {
	manager  *server.Manager
	services *services.ServiceContainer
	metrics  *metrics.Metrics
	store    *store.SQLiteStore
	mirror   *routing.RedisMirror
	recorder *services.ActivityRecorder
	subs     []*broker.Subscription
}

func buildHub(cfg *config.Config) (*hub, error) {
	h := &hub{metrics: metrics.New()}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	h.store = st

	bus := broker.New(
		broker.WithQueueDepth(cfg.Bus.QueueDepth),
		broker.WithDropHook(h.metrics.BusDropped),
	)

	var routeOpts []routing.Option
	if cfg.Redis.Addr != "" {
		client, err := routing.NewRedisClient(cfg.RoutingMirror())
		if err != nil {
			st.Close()
			return nil, err
		}
		h.mirror = routing.NewRedisMirror(client, cfg.RoutingMirror())
		routeOpts = append(routeOpts, routing.WithMirror(h.mirror))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Mirroring routing table to Redis")
	}
	routes := routing.NewTable(routeOpts...)

	var whitelist *config.Whitelist
	if cfg.Hub.WhitelistFile != "" {
		whitelist, err = config.LoadWhitelist(cfg.Hub.WhitelistFile, cfg.Hub.OutboundTopics)
		if err != nil {
			h.close()
			return nil, err
		}
	} else {
		whitelist = config.NewWhitelist(cfg.Hub.OutboundTopics)
	}

	h.manager = server.New(cfg.Manager(),
		server.WithBus(bus),
		server.WithRoutes(routes),
		server.WithStore(st),
		server.WithWhitelist(whitelist),
		server.WithMetrics(h.metrics),
		server.WithAdapters(adapters(cfg)...),
	)
	h.services = services.NewServiceContainer(h.manager, cfg.Hub.OutboundTopics, services.Options{
		Store:     st,
		Whitelist: whitelist,
	})

	// Subscribe before the manager runs so startup events are recorded.
	h.recorder = services.NewActivityRecorder(bus, st)
	h.subs = h.recorder.Subscribe()
	return h, nil
}

func adapters(cfg *config.Config) []transport.Adapter {
	t := cfg.Transports
	var out []transport.Adapter
	if t.TCP.Addr != "" {
		out = append(out, transport.NewTCPAdapter(t.TCP.Addr, transport.WithMaxClients(t.TCP.MaxClients)))
	}
	if t.WS.Addr != "" {
		out = append(out, transport.NewWSAdapter(t.WS.Addr, transport.WithMaxClients(t.WS.MaxClients)))
	}
	for i, port := range t.Serial.Ports {
		name := "serial"
		if i > 0 {
			name = fmt.Sprintf("serial-%d", i)
		}
		out = append(out, transport.NewSerialAdapter(port, t.Serial.Baud, transport.WithName(name)))
	}
	if t.MQTT.Broker != "" {
		out = append(out, transport.NewMQTTAdapter(cfg.MQTT()))
	}
	for _, a := range out {
		log.Info().Str("adapter", a.Name()).Str("kind", string(a.Kind())).Msg("Configured adapter")
	}
	return out
}

// run starts the manager and its background collaborators on g.
func (h *hub) run(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return errors.Wrap(h.manager.Run(ctx), "transport manager")
	})
	g.Go(func() error {
		h.recorder.Run(ctx, h.subs)
		return nil
	})
	if h.mirror != nil {
		g.Go(func() error { return h.mirror.Run(ctx) })
	}
}

func (h *hub) close() {
	if h.mirror != nil {
		if err := h.mirror.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis mirror")
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
