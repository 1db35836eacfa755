// Package discovery advertises and finds relays on the local network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const ServiceType = "_canvassync._tcp"

const DefaultBrowseTimeout = 2 * time.Second

// Advertise publishes a relay listening on port. An empty instance uses the hostname. The caller shuts the returned
// server down.
func Advertise(instance string, port int) (*mdns.Server, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}
	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, []string{"canvas-sync"})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mdns server: %w", err)
	}
	return server, nil
}

// Browse looks for advertised relays for up to timeout and returns their host:port addresses, sorted and
// deduplicated. Cancelling ctx stops the query early and returns the context error.
func Browse(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(map[string]bool)
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			if addr, ok := addrOf(e); ok {
				found[addr] = true
			}
		}
	}()

	err := mdns.QueryContext(ctx, &mdns.QueryParam{
		Service:     ServiceType,
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	wg.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("mdns query failed: %w", err)
	}

	out := make([]string, 0, len(found))
	for addr := range found {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func addrOf(e *mdns.ServiceEntry) (string, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return "", false
	}
	return net.JoinHostPort(e.AddrV4.String(), strconv.Itoa(e.Port)), true
}
