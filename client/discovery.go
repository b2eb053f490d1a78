package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// mDNS service types the hub advertises.
const (
	TCPService = "_fieldhub-tcp._tcp"
	WSService  = "_fieldhub-ws._tcp"
)

// DiscoveredService represents a discovered hub
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Transport   string // "tcp" or "websocket"
	TXTRecords  []string
}

// HostPort joins the address and port for dialing.
func (s *DiscoveredService) HostPort() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// discoverService discovers a specific hub service type using mDNS
func discoverService(serviceType string, timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(serviceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() {
		defer close(entriesCh)
		errCh <- mdns.Query(params)
	}()

	deadline := time.After(timeout)
	for {
		select {
		case entry, ok := <-entriesCh:
			if !ok {
				if err := <-errCh; err != nil {
					return nil, errors.Wrapf(err, "mDNS lookup %s", serviceType)
				}
				return nil, errors.Errorf("no %s service found", serviceType)
			}
			service, err := fromEntry(serviceType, entry)
			if err != nil {
				log.Debug().Err(err).Str("name", entry.Name).Msg("Skipping mDNS entry")
				continue
			}
			log.Info().
				Str("service_name", service.ServiceName).
				Str("address", service.Address).
				Int("port", service.Port).
				Str("transport", service.Transport).
				Msg("Discovered hub")
			return service, nil

		case <-deadline:
			return nil, errors.Errorf("mDNS discovery timeout for %s", serviceType)
		}
	}
}

func fromEntry(serviceType string, entry *mdns.ServiceEntry) (*DiscoveredService, error) {
	if entry == nil {
		return nil, errors.New("empty entry")
	}
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, fmt.Errorf("no valid address found for service")
	}

	transport := "tcp"
	if serviceType == WSService {
		transport = "websocket"
	}
	return &DiscoveredService{
		ServiceName: entry.Name,
		Address:     address,
		Port:        entry.Port,
		Transport:   transport,
		TXTRecords:  entry.InfoFields,
	}, nil
}

// DiscoverTCPService discovers the first available TCP hub
func DiscoverTCPService(timeout time.Duration) (*DiscoveredService, error) {
	return discoverService(TCPService, timeout)
}

// DiscoverWebSocketService discovers the first available WebSocket hub
func DiscoverWebSocketService(timeout time.Duration) (*DiscoveredService, error) {
	return discoverService(WSService, timeout)
}
