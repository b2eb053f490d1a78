package services

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/store"
)

const defaultEventLimit = 50

// DeviceServiceImpl implements DeviceService
type DeviceServiceImpl struct {
	routes Routes
	store  DeviceStore // optional
	queues Queues
	hub    Hub
}

// NewDeviceService creates a new device service. The store may be nil, in
// which case only routable devices are listed.
func NewDeviceService(routes Routes, st DeviceStore, queues Queues, hub Hub) DeviceService {
	return &DeviceServiceImpl{routes: routes, store: st, queues: queues, hub: hub}
}

// ListDevices returns every device that is routable or known to the store.
func (ds *DeviceServiceImpl) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	byID := make(map[string]*DeviceInfo)
	if ds.store != nil {
		known, err := ds.store.List(ctx)
		if err != nil {
			return nil, serviceError(err, "Failed to list devices")
		}
		for _, d := range known {
			info := fromStored(d)
			byID[d.ID] = &info
		}
	}
	for _, e := range ds.routes.Snapshot() {
		info, ok := byID[e.DeviceID]
		if !ok {
			info = &DeviceInfo{ID: e.DeviceID}
			byID[e.DeviceID] = info
		}
		applyRoute(info, e)
	}

	result := make([]DeviceInfo, 0, len(byID))
	for _, info := range byID {
		ds.attachQueue(info)
		result = append(result, *info)
	}
	sortDevices(result)
	return result, nil
}

// GetDevice returns a specific device by ID
func (ds *DeviceServiceImpl) GetDevice(ctx context.Context, id string) (*DeviceInfo, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid("Device id cannot be empty")
	}

	var info *DeviceInfo
	if ds.store != nil {
		d, err := ds.store.Get(ctx, id)
		switch {
		case err == nil:
			stored := fromStored(d)
			info = &stored
		case !errors.Is(err, store.ErrNotFound):
			return nil, serviceError(err, "Failed to load device "+id)
		}
	}
	if e, ok := ds.routes.Entry(id); ok {
		if info == nil {
			info = &DeviceInfo{ID: id}
		}
		applyRoute(info, e)
	}
	if info == nil {
		return nil, notFound("Device", id)
	}
	ds.attachQueue(info)
	return info, nil
}

// GetDeviceEvents returns the most recent recorded activity of a device.
func (ds *DeviceServiceImpl) GetDeviceEvents(ctx context.Context, id string, limit int) ([]store.Event, error) {
	if _, err := ds.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	if ds.store == nil {
		return []store.Event{}, nil
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	events, err := ds.store.Events(ctx, id, limit)
	if err != nil {
		return nil, serviceError(err, "Failed to load events of "+id)
	}
	return events, nil
}

func (ds *DeviceServiceImpl) Trust(ctx context.Context, id string) (*proto.Capabilities, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid("Device id cannot be empty")
	}
	caps, err := ds.hub.Trust(ctx, id)
	if err != nil {
		return nil, serviceError(err, "Failed to trust device "+id)
	}
	return &caps, nil
}

func (ds *DeviceServiceImpl) attachQueue(info *DeviceInfo) {
	if ds.queues == nil {
		return
	}
	if st, ok := ds.queues.Status(info.ID); ok {
		info.Queue = &st
	}
}

func fromStored(d store.Device) DeviceInfo {
	first := d.FirstSeen
	return DeviceInfo{
		ID:           d.ID,
		Transport:    d.Transport,
		Address:      d.Address,
		FirstSeen:    &first,
		LastSeen:     d.LastSeen,
		Trusted:      d.Trusted,
		RegisteredAt: d.RegisteredAt,
		Capabilities: d.Capabilities,
	}
}

// applyRoute overlays the live routing entry, which is always at least as
// fresh as the store's throttled last_seen.
func applyRoute(info *DeviceInfo, e routing.Entry) {
	info.Routable = true
	info.Transport = e.Source.Transport
	info.Address = e.Source.Address
	if e.LastSeen.After(info.LastSeen) {
		info.LastSeen = e.LastSeen
	}
}
