package netmode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Prober answers the two connectivity questions asked on every evaluation.
type Prober interface {
	// InternetReachable reports whether the public internet can be reached.
	InternetReachable(ctx context.Context) (bool, error)
	// LocalReachable reports whether the node is attached to any network.
	LocalReachable(ctx context.Context) (bool, error)
}

// TCPProber probes the internet by opening TCP connections to well-known
// resolvers and the local network by inspecting interfaces.
type TCPProber struct {
	// Targets are host:port pairs; reaching any one of them counts.
	Targets []string
	// Dial defaults to net.Dialer.DialContext.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// Interfaces defaults to net.Interfaces.
	Interfaces func() ([]net.Interface, error)
}

// errReached stops the remaining dials once one target answered.
var errReached = errors.New("target reached")

// InternetReachable dials every target at once and reports true as soon as
// one of them accepts.
func (p TCPProber) InternetReachable(ctx context.Context) (bool, error) {
	if len(p.Targets) == 0 {
		return false, errors.New("no probe targets configured")
	}
	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range p.Targets {
		g.Go(func() error {
			conn, err := dial(gctx, "tcp", target)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("probe %s: %w", target, err))
				mu.Unlock()
				return nil
			}
			_ = conn.Close()
			return errReached
		})
	}
	if errors.Is(g.Wait(), errReached) {
		return true, nil
	}
	return false, errors.Join(errs...)
}

// LocalReachable reports whether an up, non-loopback interface carries an address.
func (p TCPProber) LocalReachable(_ context.Context) (bool, error) {
	list := p.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return false, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}
