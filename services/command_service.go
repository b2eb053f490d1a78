package services

import (
	"context"
	"strings"

	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/server"
)

// CommandServiceImpl implements CommandService. Queued commands are
// published on an outbound topic so they take the same path as commands from
// any other bus participant. Critical commands are sent directly so the
// caller learns whether the device got them.
type CommandServiceImpl struct {
	bus       Bus
	queues    Queues
	routes    Routes
	whitelist Whitelist // optional
	topics    []string
	sourceID  string
}

// NewCommandService creates a command service publishing on topics[0]
// unless a request names another outbound topic.
func NewCommandService(bus Bus, queues Queues, routes Routes, whitelist Whitelist, topics []string, sourceID string) CommandService {
	return &CommandServiceImpl{
		bus:       bus,
		queues:    queues,
		routes:    routes,
		whitelist: whitelist,
		topics:    topics,
		sourceID:  sourceID,
	}
}

func (cs *CommandServiceImpl) SendCommand(ctx context.Context, req CommandRequest) (*CommandReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, serviceError(err, "Command cancelled")
	}
	topic, err := cs.topic(req.Topic)
	if err != nil {
		return nil, err
	}

	payload := commandPayload(req)
	cmd, err := server.ParseCommand(payload)
	if err != nil {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "Invalid command", Cause: err}
	}
	if cs.whitelist != nil && !cs.whitelist.Allowed(cmd.DeviceID, topic) {
		return nil, ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "Topic " + topic + " is not whitelisted for " + cmd.DeviceID,
			Cause:   server.ErrNotWhitelisted,
		}
	}

	receipt := &CommandReceipt{
		DeviceID: cmd.DeviceID,
		Action:   cmd.Action,
		Priority: cmd.Priority,
		Topic:    topic,
	}

	if cmd.Priority == scheduler.Critical {
		if _, ok := cs.routes.Entry(cmd.DeviceID); !ok {
			return nil, serviceError(routing.ErrDeviceUnroutable, "Device "+cmd.DeviceID+" is unroutable")
		}
		if err := cs.queues.Enqueue(ctx, cmd); err != nil {
			return nil, serviceError(err, "Critical command to "+cmd.DeviceID+" failed")
		}
		return receipt, nil
	}

	src := proto.SourceInfo{ID: cs.sourceID, Transport: proto.TransportInternal}
	if cs.bus.Publish(topic, payload, src) == 0 {
		return nil, ServiceError{Code: ErrCodeInternal, Message: "No command dispatcher is listening on " + topic}
	}
	return receipt, nil
}

// GetQueueStatus reports a device's queue. A routable device the scheduler
// has not seen yet has an empty queue in unknown mode.
func (cs *CommandServiceImpl) GetQueueStatus(id string) (*scheduler.QueueStatus, error) {
	if st, ok := cs.queues.Status(id); ok {
		return &st, nil
	}
	if _, ok := cs.routes.Entry(id); ok {
		return &scheduler.QueueStatus{DeviceID: id, Mode: scheduler.ModeUnknown}, nil
	}
	return nil, notFound("Device", id)
}

func (cs *CommandServiceImpl) ListQueues() ([]scheduler.QueueStatus, error) {
	return cs.queues.Statuses(), nil
}

func (cs *CommandServiceImpl) topic(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		if len(cs.topics) == 0 {
			return "", ServiceError{Code: ErrCodeInternal, Message: "No outbound topics configured"}
		}
		return cs.topics[0], nil
	}
	for _, t := range cs.topics {
		if t == requested {
			return t, nil
		}
	}
	return "", invalid("Unknown outbound topic: " + requested)
}

func commandPayload(req CommandRequest) proto.Payload {
	p := proto.Payload{
		{Key: "device_id", Value: proto.String(strings.TrimSpace(req.DeviceID))},
		{Key: "action", Value: proto.String(strings.TrimSpace(req.Action))},
	}
	if req.Priority != "" {
		p = append(p, proto.Field{Key: "priority", Value: proto.String(req.Priority)})
	}
	if req.MaxAge > 0 {
		p = append(p, proto.Field{Key: "max_age", Value: proto.Number(req.MaxAge)})
	}
	p = append(p, proto.Field{Key: "data", Value: req.Data})
	return p
}
