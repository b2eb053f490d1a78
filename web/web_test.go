package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
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

type fakeHub struct{ trustErr error }

func (h *fakeHub) Trust(_ context.Context, id string) (proto.Capabilities, error) {
	if h.trustErr != nil {
		return proto.Capabilities{}, h.trustErr
	}
	return proto.Capabilities{DeviceID: id, DeviceType: "valve", FirmwareVersion: "2.0"}, nil
}

func (h *fakeHub) Adapters() []transport.Info {
	return []transport.Info{{Name: "tcp", Protocol: "tcp", Kind: proto.TransportNetwork, Address: ":8888", Connected: true}}
}

type testAPI struct {
	srv    *httptest.Server
	bus    *broker.Broker
	routes *routing.Table
	hub    *fakeHub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	bus := broker.New(broker.WithLogger(zerolog.Nop()))
	routes := routing.NewTable(routing.WithLogger(zerolog.Nop()))
	sched := scheduler.New(nopSender{}, scheduler.DefaultConfig(), scheduler.WithLogger(zerolog.Nop()))
	hub := &fakeHub{}
	svc := &services.ServiceContainer{
		Device:    services.NewDeviceService(routes, nil, sched, hub),
		Command:   services.NewCommandService(bus, sched, routes, nil, []string{"control"}, "api"),
		Topic:     services.NewTopicService(bus),
		Transport: services.NewTransportService(hub),
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fieldhub_up 1\n")
	})
	s := New(svc, bus, WithLogger(zerolog.Nop()), WithMetrics(metrics))
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		srv.Close()
		sched.Close()
		bus.Close()
	})
	return &testAPI{srv: srv, bus: bus, routes: routes, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = api.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fieldhub_up 1")
}

func TestDevices(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	api.routes.Update("a01", proto.SourceInfo{Transport: proto.TransportNetwork, Address: "tcp://10.0.0.7:41000"})

	resp, body = api.do(t, http.MethodGet, "/api/devices/a01", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var device services.DeviceInfo
	require.NoError(t, json.Unmarshal(body, &device))
	assert.Equal(t, "a01", device.ID)
	assert.True(t, device.Routable)
	assert.Equal(t, "tcp://10.0.0.7:41000", device.Address)

	resp, body = api.do(t, http.MethodGet, "/api/devices/zz9", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), services.ErrCodeNotFound)

	resp, body = api.do(t, http.MethodGet, "/api/devices/a01/queue", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"mode":"unknown"`)

	resp, _ = api.do(t, http.MethodGet, "/api/devices/a01/events?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendCommand(t *testing.T) {
	api := newTestAPI(t)
	sub := api.bus.Subscribe("control")

	resp, body := api.do(t, http.MethodPost, "/api/devices/a01/commands",
		`{"action":"open_valve","priority":"high","data":{"pct":50},"max_age":120}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"device_id":"a01","action":"open_valve","priority":"high","topic":"control"}`, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	target, _ := msg.Payload.GetString("device_id")
	assert.Equal(t, "a01", target)

	resp, _ = api.do(t, http.MethodPost, "/api/devices/a01/commands", `{"action":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/api/devices/a01/commands", `{"data":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), services.ErrCodeInvalidInput)
}

func TestTrust(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/api/devices/a01/trust", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"device_type":"valve"`)

	api.hub.trustErr = errors.Wrap(server.ErrTimeout, "register a01")
	resp, _ = api.do(t, http.MethodPost, "/api/devices/a01/trust", "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	api.hub.trustErr = routing.ErrDeviceUnroutable
	resp, _ = api.do(t, http.MethodPost, "/api/devices/a01/trust", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTopicsAndTransports(t *testing.T) {
	api := newTestAPI(t)
	api.bus.Subscribe("a01")

	resp, body := api.do(t, http.MethodGet, "/api/topics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"topic":"a01","subscribers":1}]`, string(body))

	resp, body = api.do(t, http.MethodGet, "/api/transports/0", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"connected"`)

	resp, _ = api.do(t, http.MethodGet, "/api/transports/7", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/api/transports/x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamForwardsTopic(t *testing.T) {
	api := newTestAPI(t)

	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/api/stream/a01"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return api.bus.Topics()["a01"] == 1 }, time.Second, 5*time.Millisecond)
	api.bus.Publish("a01", proto.Payload{{Key: "a", Value: proto.Number(21.5)}},
		proto.SourceInfo{ID: "a01", Transport: proto.TransportSerial})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "a01", got.Topic)
	assert.Equal(t, 21.5, got.Payload["a"])

	conn.Close()
	assert.Eventually(t, func() bool { return api.bus.Topics()["a01"] == 0 }, 2*time.Second, 10*time.Millisecond)
}
