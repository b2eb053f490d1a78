package services

import (
	"github.com/mbocsi/fieldhub/transport"
)

// TransportServiceImpl implements TransportService
type TransportServiceImpl struct {
	hub Hub
}

// NewTransportService creates a new transport service
func NewTransportService(hub Hub) TransportService {
	return &TransportServiceImpl{hub: hub}
}

// ListTransports returns all transport information
func (ts *TransportServiceImpl) ListTransports() ([]TransportInfo, error) {
	adapters := ts.hub.Adapters()
	result := make([]TransportInfo, 0, len(adapters))
	for i, info := range adapters {
		result = append(result, convertTransportInfo(i, info))
	}
	return result, nil
}

// GetTransport returns a specific transport by index
func (ts *TransportServiceImpl) GetTransport(index int) (*TransportInfo, error) {
	adapters := ts.hub.Adapters()
	if index < 0 || index >= len(adapters) {
		return nil, ServiceError{
			Code:    ErrCodeNotFound,
			Message: "Transport index out of range",
		}
	}
	info := convertTransportInfo(index, adapters[index])
	return &info, nil
}

func convertTransportInfo(index int, info transport.Info) TransportInfo {
	status := "disconnected"
	if info.Connected {
		status = "connected"
	}
	return TransportInfo{
		Index:       index,
		Name:        info.Name,
		Type:        info.Protocol,
		Kind:        info.Kind,
		Address:     info.Address,
		Status:      status,
		Connections: len(info.Clients),
		MaxClients:  info.MaxClients,
	}
}
