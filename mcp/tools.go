package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/services"
)

// registerDeviceTools registers MCP tools for device management
func (s *MCPServer) registerDeviceTools() {
	listDevicesTool := mcp.NewTool("list_devices",
		mcp.WithDescription("List field devices known to the hub, with their route, trust state and queue"),
		mcp.WithBoolean("routable_only",
			mcp.Description("Only include devices with a live route"),
		),
	)
	s.Server.AddTool(listDevicesTool, s.handleListDevices)

	getDeviceTool := mcp.NewTool("get_device",
		mcp.WithDescription("Get one device, including its registered capabilities"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device identity, e.g. a01"),
		),
	)
	s.Server.AddTool(getDeviceTool, s.handleGetDevice)

	eventsTool := mcp.NewTool("get_device_events",
		mcp.WithDescription("Recent activity recorded for a device, newest first"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device identity"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of events (default 50)"),
		),
	)
	s.Server.AddTool(eventsTool, s.handleGetDeviceEvents)

	trustTool := mcp.NewTool("trust_device",
		mcp.WithDescription("Mark a device trusted and request its capabilities. The device must be reachable."),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device identity"),
		),
	)
	s.Server.AddTool(trustTool, s.handleTrustDevice)
}

// registerCommandTools registers MCP tools for outbound commands
func (s *MCPServer) registerCommandTools() {
	sendCommandTool := mcp.NewTool("send_command",
		mcp.WithDescription("Queue a command for a device. It is delivered in the device's next command window; critical commands are sent immediately."),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Target device"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Command name, e.g. open_valve"),
		),
		mcp.WithObject("data",
			mcp.Description("Command arguments"),
		),
		mcp.WithString("priority",
			mcp.Description("Delivery priority"),
			mcp.Enum("critical", "high", "normal", "low"),
		),
		mcp.WithNumber("max_age",
			mcp.Description("Drop the command if still queued after this many seconds"),
		),
	)
	s.Server.AddTool(sendCommandTool, s.handleSendCommand)

	queueTool := mcp.NewTool("get_queue_status",
		mcp.WithDescription("Queued commands per priority and the device's schedule mode"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device identity"),
		),
	)
	s.Server.AddTool(queueTool, s.handleGetQueueStatus)
}

// registerSystemTools registers MCP tools for system management
func (s *MCPServer) registerSystemTools() {
	statusTool := mcp.NewTool("get_system_status",
		mcp.WithDescription("Transports, bus topics and device counts"),
	)
	s.Server.AddTool(statusTool, s.handleGetSystemStatus)
}

func (s *MCPServer) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	routableOnly := request.GetBool("routable_only", false)
	devices, err := s.services.Device.ListDevices(ctx)
	if err != nil {
		return s.toolError("Error listing devices", err), nil
	}
	if routableOnly {
		kept := devices[:0]
		for _, d := range devices {
			if d.Routable {
				kept = append(kept, d)
			}
		}
		devices = kept
	}
	return jsonResult(map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *MCPServer) handleGetDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required and must be a string"), nil
	}
	device, err := s.services.Device.GetDevice(ctx, id)
	if err != nil {
		return s.toolError("Error getting device", err), nil
	}
	return jsonResult(device)
}

func (s *MCPServer) handleGetDeviceEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required and must be a string"), nil
	}
	limit := int(request.GetFloat("limit", 0))
	events, err := s.services.Device.GetDeviceEvents(ctx, id, limit)
	if err != nil {
		return s.toolError("Error getting events", err), nil
	}
	return jsonResult(events)
}

func (s *MCPServer) handleTrustDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required and must be a string"), nil
	}
	caps, err := s.services.Device.Trust(ctx, id)
	if err != nil {
		return s.toolError("Error trusting device", err), nil
	}
	return jsonResult(map[string]any{
		"device_id":    id,
		"trusted":      true,
		"capabilities": caps,
	})
}

func (s *MCPServer) handleSendCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required and must be a string"), nil
	}
	action, err := request.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required and must be a string"), nil
	}

	data := proto.Null()
	if args, ok := request.GetRawArguments().(map[string]any); ok {
		if raw, exists := args["data"]; exists {
			if data, err = toValue(raw); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Invalid data: %v", err)), nil
			}
		}
	}

	receipt, err := s.services.Command.SendCommand(ctx, services.CommandRequest{
		DeviceID: id,
		Action:   action,
		Data:     data,
		Priority: request.GetString("priority", ""),
		MaxAge:   request.GetFloat("max_age", 0),
	})
	if err != nil {
		return s.toolError("Failed to send command", err), nil
	}
	return jsonResult(receipt)
}

func (s *MCPServer) handleGetQueueStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required and must be a string"), nil
	}
	st, err := s.services.Command.GetQueueStatus(id)
	if err != nil {
		return s.toolError("Error getting queue", err), nil
	}
	return jsonResult(st)
}

func (s *MCPServer) handleGetSystemStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := map[string]any{}
	if devices, err := s.services.Device.ListDevices(ctx); err == nil {
		routable := 0
		for _, d := range devices {
			if d.Routable {
				routable++
			}
		}
		status["devices"] = map[string]any{"count": len(devices), "routable": routable}
	}
	if transports, err := s.services.Transport.ListTransports(); err == nil {
		status["transports"] = transports
	}
	if topics, err := s.services.Topic.ListTopics(); err == nil {
		status["topics"] = topics
	}
	return jsonResult(status)
}

func (s *MCPServer) toolError(prefix string, err error) *mcp.CallToolResult {
	s.log.Debug().Err(err).Msg(prefix)
	var se services.ServiceError
	if errors.As(err, &se) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s (%s)", prefix, se.Error(), se.Code))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal tool result")
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toValue(raw any) (proto.Value, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return proto.Value{}, err
	}
	var v proto.Value
	if err := v.UnmarshalJSON(b); err != nil {
		return proto.Value{}, err
	}
	return v, nil
}
