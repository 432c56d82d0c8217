package server

import (
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is advertised so dashboards can find the bridge.
	ServiceType   = "_somfy-rts._tcp"
	ServiceDomain = "local."
)

// advertise registers the HTTP listener over mDNS. The returned function
// withdraws the record.
func advertise(instance string, addr net.Addr, log *zap.Logger) (func(), error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("mdns: unsupported listener address %v", addr)
	}
	if instance == "" {
		instance = "somfy-rts"
	}
	txt := []string{"path=/api", "ws=/ws"}
	srv, err := zeroconf.Register(instance, ServiceType, ServiceDomain, tcp.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns: register: %w", err)
	}
	log.Info("mdns advertised", zap.String("instance", instance), zap.String("service", ServiceType), zap.Int("port", tcp.Port))
	return srv.Shutdown, nil
}
