package snapctrl

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Snapserver advertises its streaming port via mDNS; the JSON-RPC control
// interface listens one port above it.
const (
	mdnsService       = "_snapcast._tcp"
	mdnsDomain        = "local."
	controlPortOffset = 1
)

// DiscoveredServer describes one snapserver found on the local network.
type DiscoveredServer struct {
	// Name is the human-readable server name, from the TXT name record,
	// the mDNS instance name, or the hostname, in that order.
	Name string
	// Host is the first resolved address, preferred for dialing.
	Host string
	// Port is the control port (advertised streaming port + 1).
	Port int
	// Addresses holds every resolved IP, v4 before v6.
	Addresses []string
	// Hostname is the advertised FQDN without the trailing dot.
	Hostname string
}

// DisplayName returns the best human-readable label for the server.
func (s DiscoveredServer) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Hostname != "" {
		return s.Hostname
	}
	return s.Host
}

// Address returns the dialable host:port of the control interface.
func (s DiscoveredServer) Address() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// entryToServer maps one mDNS answer to a DiscoveredServer. Returns false
// when the entry carries no usable address.
func entryToServer(entry *zeroconf.ServiceEntry) (DiscoveredServer, bool) {
	if entry == nil {
		return DiscoveredServer{}, false
	}

	var addrs []string
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 {
		return DiscoveredServer{}, false
	}

	hostname := strings.TrimSuffix(entry.HostName, ".")

	name := ""
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "name="); ok && v != "" {
			name = v
			break
		}
	}
	if name == "" {
		name = entry.Instance
	}
	if name == "" {
		name = hostname
	}

	return DiscoveredServer{
		Name:      name,
		Host:      addrs[0],
		Port:      entry.Port + controlPortOffset,
		Addresses: addrs,
		Hostname:  hostname,
	}, true
}

// DiscoverAll browses the local network for snapservers until the timeout
// elapses or ctx is canceled, and returns every server that answered.
func DiscoverAll(ctx context.Context, timeout time.Duration) ([]DiscoveredServer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, mdnsService, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	var found []DiscoveredServer
	for entry := range entries {
		if srv, ok := entryToServer(entry); ok {
			found = append(found, srv)
		}
	}
	return found, nil
}

// DiscoverFirst returns the first snapserver that answers, or (nil, nil)
// when none does within the timeout.
func DiscoverFirst(ctx context.Context, timeout time.Duration) (*DiscoveredServer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, mdnsService, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	for entry := range entries {
		if srv, ok := entryToServer(entry); ok {
			cancel()
			// Drain so the resolver goroutine can finish.
			go func() {
				for range entries {
				}
			}()
			return &srv, nil
		}
	}
	return nil, nil
}
