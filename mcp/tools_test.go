package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/fieldhub/broker"
	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/server"
	"github.com/mbocsi/fieldhub/services"
	"github.com/mbocsi/fieldhub/transport"
)

type nopSender struct{}

func (nopSender) Send(context.Context, proto.Message) error { return nil }

type fakeHub struct{}

func (fakeHub) Trust(_ context.Context, id string) (proto.Capabilities, error) {
	if id == "gone" {
		return proto.Capabilities{}, routing.ErrDeviceUnroutable
	}
	return proto.Capabilities{DeviceID: id, DeviceType: "soil_sensor"}, nil
}

func (fakeHub) Adapters() []transport.Info { return nil }

type fixture struct {
	srv    *MCPServer
	bus    *broker.Broker
	routes *routing.Table
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := broker.New(broker.WithLogger(zerolog.Nop()))
	routes := routing.NewTable(routing.WithLogger(zerolog.Nop()))
	sched := scheduler.New(nopSender{}, scheduler.DefaultConfig(), scheduler.WithLogger(zerolog.Nop()))
	t.Cleanup(func() {
		sched.Close()
		bus.Close()
	})
	svc := &services.ServiceContainer{
		Device:    services.NewDeviceService(routes, nil, sched, fakeHub{}),
		Command:   services.NewCommandService(bus, sched, routes, nil, []string{"com_input"}, "mcp"),
		Topic:     services.NewTopicService(bus),
		Transport: services.NewTransportService(fakeHub{}),
	}
	return &fixture{
		srv:    NewMCPServer(svc, "test").WithLogger(zerolog.Nop()),
		bus:    bus,
		routes: routes,
		sched:  sched,
	}
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestListAndGetDevice(t *testing.T) {
	f := newFixture(t)
	f.routes.Update("a01", proto.SourceInfo{Transport: proto.TransportRadio, Address: "lora://0x12"})
	ctx := context.Background()

	res, err := f.srv.handleListDevices(ctx, call(map[string]any{"routable_only": true}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	var listed struct {
		Count   int                   `json:"count"`
		Devices []services.DeviceInfo `json:"devices"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &listed))
	assert.Equal(t, 1, listed.Count)
	assert.Equal(t, "a01", listed.Devices[0].ID)

	res, err = f.srv.handleGetDevice(ctx, call(map[string]any{"device_id": "a01"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"address":"lora://0x12"`)

	res, err = f.srv.handleGetDevice(ctx, call(map[string]any{"device_id": "zz9"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), services.ErrCodeNotFound)

	res, err = f.srv.handleGetDevice(ctx, call(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSendCommandTool(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe("com_input")

	res, err := f.srv.handleSendCommand(context.Background(), call(map[string]any{
		"device_id": "a01",
		"action":    "set_interval",
		"data":      map[string]any{"seconds": 30},
		"priority":  "low",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	assert.JSONEq(t, `{"device_id":"a01","action":"set_interval","priority":"low","topic":"com_input"}`, text(t, res))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	cmd, err := server.ParseCommand(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Low, cmd.Priority)
	data, ok := cmd.Payload.AsMap()
	require.True(t, ok)
	seconds, _ := data.GetFloat("seconds")
	assert.Equal(t, 30.0, seconds)

	res, err = f.srv.handleSendCommand(context.Background(), call(map[string]any{"device_id": "a01"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestQueueAndTrustTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Enqueue(ctx, scheduler.Command{DeviceID: "a01", Action: "ping", Priority: scheduler.High}))

	res, err := f.srv.handleGetQueueStatus(ctx, call(map[string]any{"device_id": "a01"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"high":1`)

	res, err = f.srv.handleTrustDevice(ctx, call(map[string]any{"device_id": "a01"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"device_type":"soil_sensor"`)

	res, err = f.srv.handleTrustDevice(ctx, call(map[string]any{"device_id": "gone"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), services.ErrCodeUnroutable)
}

func TestSystemStatusTool(t *testing.T) {
	f := newFixture(t)
	f.bus.Subscribe("a01")
	f.routes.Update("a01", proto.SourceInfo{Transport: proto.TransportSerial, Address: "serial://ttyUSB0"})

	res, err := f.srv.handleGetSystemStatus(context.Background(), call(nil))
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &status))
	assert.Equal(t, map[string]any{"count": 1.0, "routable": 1.0}, status["devices"])
	assert.Len(t, status["topics"], 1)
}
