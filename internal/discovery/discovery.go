// Package discovery advertises and finds ccTalk-over-TCP bridge
// adapters (serial-to-Ethernet gateways) on the LAN via mDNS/DNS-SD.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_cctalk._tcp"

// Bridge represents a discovered ccTalk-over-TCP bridge adapter.
type Bridge struct {
	Instance  string // advertised name: "cctalk-bridge on till3"
	Hostname  string // DNS hostname: "till3.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Discover performs a blocking mDNS browse for _cctalk._tcp.local
// services, returning deduplicated entries.
func Discover(ctx context.Context, timeout time.Duration) ([]Bridge, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	results := make(map[string]Bridge)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				results[key] = Bridge{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-browseCtx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(browseCtx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	<-done

	out := make([]Bridge, 0, len(results))
	for _, b := range results {
		out = append(out, b)
	}
	return out, nil
}

// Advertiser publishes this host's ccTalk-over-TCP bridge service until
// Shutdown is called.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a _cctalk._tcp service at port, with the given
// instance name (e.g. "till3-bridge") and optional TXT metadata (e.g.
// "checksum=crc16", "devices=2").
func Advertise(instance string, port int, txt []string) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, serviceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
