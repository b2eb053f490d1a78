package services

import (
	"github.com/mbocsi/fieldhub/server"
)

// Options carries the optional collaborators of the service layer.
type Options struct {
	Store     DeviceStore
	Whitelist Whitelist
	// SourceID identifies commands submitted through the services on the bus.
	SourceID string
}

// NewServiceContainer wires every service around a running manager.
func NewServiceContainer(m *server.Manager, topics []string, opts Options) *ServiceContainer {
	if opts.SourceID == "" {
		opts.SourceID = "api"
	}
	return &ServiceContainer{
		Device:    NewDeviceService(m.Routes(), opts.Store, m.Scheduler(), m),
		Command:   NewCommandService(m.Bus(), m.Scheduler(), m.Routes(), opts.Whitelist, topics, opts.SourceID),
		Topic:     NewTopicService(m.Bus()),
		Transport: NewTransportService(m),
	}
}
