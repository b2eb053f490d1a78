package services

import (
	"context"

	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/store"
	"github.com/mbocsi/fieldhub/transport"
)

// DeviceService handles device-related operations
type DeviceService interface {
	ListDevices(ctx context.Context) ([]DeviceInfo, error)
	GetDevice(ctx context.Context, id string) (*DeviceInfo, error)
	GetDeviceEvents(ctx context.Context, id string, limit int) ([]store.Event, error)

	// Trust marks a device trusted and runs the registration handshake.
	Trust(ctx context.Context, id string) (*proto.Capabilities, error)
}

// CommandService handles outbound commands and their queues
type CommandService interface {
	SendCommand(ctx context.Context, req CommandRequest) (*CommandReceipt, error)
	GetQueueStatus(id string) (*scheduler.QueueStatus, error)
	ListQueues() ([]scheduler.QueueStatus, error)
}

// TopicService exposes the message bus
type TopicService interface {
	ListTopics() ([]TopicInfo, error)
}

// TransportService handles transport information
type TransportService interface {
	ListTransports() ([]TransportInfo, error)
	GetTransport(index int) (*TransportInfo, error)
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Device    DeviceService
	Command   CommandService
	Topic     TopicService
	Transport TransportService
}

// What the services need from the hub. *routing.Table, *scheduler.Scheduler,
// *store.SQLiteStore, *broker.Broker and *server.Manager satisfy these.
type (
	Routes interface {
		Entry(id string) (routing.Entry, bool)
		Snapshot() []routing.Entry
	}

	Queues interface {
		Enqueue(ctx context.Context, cmd scheduler.Command) error
		Status(id string) (scheduler.QueueStatus, bool)
		Statuses() []scheduler.QueueStatus
	}

	DeviceStore interface {
		Get(ctx context.Context, id string) (store.Device, error)
		List(ctx context.Context) ([]store.Device, error)
		Events(ctx context.Context, id string, limit int) ([]store.Event, error)
	}

	Bus interface {
		Publish(topic string, payload proto.Payload, src proto.SourceInfo) int
		Topics() map[string]int
	}

	Hub interface {
		Trust(ctx context.Context, id string) (proto.Capabilities, error)
		Adapters() []transport.Info
	}

	Whitelist interface {
		Allowed(deviceID, topic string) bool
	}
)
