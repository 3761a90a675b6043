// Package discovery announces relays on the local network over mDNS and
// finds them again.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const domain = "local."

// ErrNoPeers is returned by Find when nothing answered before the deadline.
var ErrNoPeers = errors.New("no relay found")

// Peer is a relay seen on the network.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     []string
}

// URL returns the websocket base URL of the peer, preferring IPv4.
func (p Peer) URL() string {
	host := strings.TrimSuffix(p.Host, ".")
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// InstanceName is the default instance name for this host.
func InstanceName(prefix string) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s", prefix, host)
}

// Announce registers service on port until the returned func is called.
func Announce(instance, service string, port int, txt []string) (func(), error) {
	server, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	glog.Infof("mDNS Service registered: %s (%s) on port %d", instance, service, port)
	return server.Shutdown, nil
}

// Browse collects the peers that answer until ctx is done.
func Browse(ctx context.Context, service string) ([]Peer, error) {
	var peers []Peer
	err := browse(ctx, service, func(p Peer) bool {
		peers = append(peers, p)
		return true
	})
	return peers, err
}

// Find returns the first peer that answers before ctx is done.
func Find(ctx context.Context, service string) (Peer, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var found *Peer
	err := browse(ctx, service, func(p Peer) bool {
		found = &p
		return false
	})
	if err != nil {
		return Peer{}, err
	}
	if found == nil {
		return Peer{}, ErrNoPeers
	}
	return *found, nil
}

func browse(ctx context.Context, service string, fn func(Peer) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		cancel()
		return fmt.Errorf("browsing for mDNS services: %w", err)
	}
	defer func() {
		// The resolver closes entries once it sees the cancellation; keep
		// reading so it is never stuck on a send.
		cancel()
		go func() {
			for range entries {
			}
		}()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			p := Peer{
				Instance: entry.Instance,
				Host:     entry.HostName,
				Port:     entry.Port,
				Addrs:    append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...),
				Text:     entry.Text,
			}
			glog.Infof("mDNS Discovered peer: %s at %s", p.Instance, p.URL())
			if !fn(p) {
				return nil
			}
		}
	}
}
