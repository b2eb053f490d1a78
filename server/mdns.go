package server

import (
	"net"
	"os"
	"strconv"

	"github.com/hashicorp/mdns"
	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/transport"
)

const (
	ServiceTCP = "_fieldhub-tcp._tcp"
	ServiceWS  = "_fieldhub-ws._tcp"
)

// ServiceType maps an adapter protocol to the mDNS service it is announced as.
func ServiceType(protocol string) (string, bool) {
	switch protocol {
	case "tcp":
		return ServiceTCP, true
	case "websocket":
		return ServiceWS, true
	}
	return "", false
}

type advertiser struct {
	servers []*mdns.Server
}

func (a *advertiser) Shutdown() {
	for _, s := range a.servers {
		s.Shutdown()
	}
}

// advertise announces every network listener so field devices can find the
// hub without configuration.
func (m *Manager) advertise(adapters []transport.Adapter) (*advertiser, error) {
	host, _ := os.Hostname()
	adv := &advertiser{}
	for _, a := range adapters {
		info := a.Info()
		service, ok := ServiceType(info.Protocol)
		if !ok {
			continue
		}
		port, err := listenPort(info.Address)
		if err != nil || port == 0 {
			m.log.Debug().Str("adapter", info.Name).Str("address", info.Address).Msg("Not advertising adapter without a fixed port")
			continue
		}
		txt := []string{"name=" + m.cfg.Name, "adapter=" + info.Name, "protocol=ssp/1.0"}
		zone, err := mdns.NewMDNSService(m.cfg.Name, service, "", "", port, nil, txt)
		if err != nil {
			adv.Shutdown()
			return nil, errors.Wrapf(err, "mdns service %s", service)
		}
		srv, err := mdns.NewServer(&mdns.Config{Zone: zone})
		if err != nil {
			adv.Shutdown()
			return nil, errors.Wrapf(err, "mdns server %s", service)
		}
		adv.servers = append(adv.servers, srv)
		m.log.Info().Str("service", service).Int("port", port).Str("host", host).Msg("Advertising over mDNS")
	}
	return adv, nil
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
