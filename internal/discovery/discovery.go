// Package discovery finds nearby nodes over mDNS/DNS-SD. Every running node
// advertises one service instance; the elected LAN server advertises the
// same instance with role=server.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// TXT record keys.
const (
	txtNode = "node"
	txtRole = "role"
	txtLAN  = "lan"

	roleServer = "server"
	roleClient = "client"
)

// Browser streams service entries until ctx ends. *zeroconf.Resolver satisfies it.
// A resolver closes its sockets when its first browse ends, so every round
// uses a new one.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// BrowserFactory creates the Browser for one browse round.
type BrowserFactory func() (Browser, error)

// Registration is an active advertisement. *zeroconf.Server satisfies it.
type Registration interface {
	Shutdown()
}

// RegisterFunc publishes a service instance.
type RegisterFunc func(instance, service, domain string, port int, text []string) (Registration, error)

// PeerListener is told about every peer that appears (added) or expires.
type PeerListener func(p models.PeerInfo, added bool)

// Options configures discovery.
type Options struct {
	Service string
	Domain  string
	// NodeID is advertised in TXT and used as the instance name.
	NodeID string
	// MeshPort is the advertised service port.
	MeshPort int
	// LANPort is advertised as lan= once this node is the LAN server.
	LANPort int
	// BrowseInterval is the length of one browse round.
	BrowseInterval time.Duration
	// PeerTTL removes peers not seen for this long.
	PeerTTL time.Duration
}

// Option customises a Discovery.
type Option func(*Discovery)

// WithBrowser replaces the mDNS resolver factory.
func WithBrowser(fn BrowserFactory) Option {
	return func(d *Discovery) {
		d.newBrowser = fn
	}
}

// WithRegister replaces the mDNS responder.
func WithRegister(fn RegisterFunc) Option {
	return func(d *Discovery) {
		d.register = fn
	}
}

// WithClock replaces time.Now for peer expiry.
func WithClock(now func() time.Time) Option {
	return func(d *Discovery) {
		d.now = now
	}
}

type entry struct {
	info     models.PeerInfo
	lastSeen time.Time
}

// Discovery tracks the peers visible on the local network.
type Discovery struct {
	opts       Options
	log        *zap.Logger
	newBrowser BrowserFactory
	register   RegisterFunc
	now        func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	reg      Registration
	isServer bool

	peersMu sync.RWMutex
	peers   map[string]*entry

	listenersMu sync.RWMutex
	listeners   []PeerListener
}

func zeroconfResolver() (Browser, error) {
	r, err := zeroconf.NewResolver()
	if err != nil {
		return nil, err
	}
	return r, nil
}

func zeroconfRegister(instance, service, domain string, port int, text []string) (Registration, error) {
	return zeroconf.Register(instance, service, domain, port, text, nil)
}

// New creates a stopped Discovery.
func New(opts Options, log *zap.Logger, options ...Option) *Discovery {
	if opts.Service == "" {
		opts.Service = "_reliefnet._tcp"
	}
	if opts.Domain == "" {
		opts.Domain = "local."
	}
	if opts.BrowseInterval <= 0 {
		opts.BrowseInterval = 10 * time.Second
	}
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = 45 * time.Second
	}
	d := &Discovery{
		opts:       opts,
		log:        log,
		newBrowser: zeroconfResolver,
		register:   zeroconfRegister,
		now:        time.Now,
		peers:      make(map[string]*entry),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// StartDiscovery advertises this node and starts browsing. A failed
// advertisement is logged and browsing still starts. Starting twice is a no-op.
func (d *Discovery) StartDiscovery(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	if d.opts.NodeID == "" {
		return errors.New("discovery requires a node id")
	}

	if err := d.advertiseLocked(); err != nil {
		d.log.Warn("mdns advertisement failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		d.browseLoop(runCtx)
	}()

	d.log.Info("discovery started",
		zap.String("service", d.opts.Service), zap.String("node", d.opts.NodeID))
	return nil
}

// StopDiscovery withdraws the advertisement, stops browsing and forgets
// every peer.
func (d *Discovery) StopDiscovery() {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.cancel()
	done := d.done
	d.cancel, d.done = nil, nil
	if d.reg != nil {
		d.reg.Shutdown()
		d.reg = nil
	}
	d.mu.Unlock()

	<-done

	d.peersMu.Lock()
	d.peers = make(map[string]*entry)
	d.peersMu.Unlock()
	d.log.Info("discovery stopped")
}

// AdvertiseAsServer marks this node as the LAN server and republishes its
// record. Before StartDiscovery it only records the role.
func (d *Discovery) AdvertiseAsServer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isServer = true
	if d.cancel == nil {
		return nil
	}
	return d.advertiseLocked()
}

func (d *Discovery) advertiseLocked() error {
	if d.reg != nil {
		d.reg.Shutdown()
		d.reg = nil
	}
	role := roleClient
	if d.isServer {
		role = roleServer
	}
	text := []string{txtNode + "=" + d.opts.NodeID, txtRole + "=" + role}
	if d.isServer {
		text = append(text, txtLAN+"="+strconv.Itoa(d.opts.LANPort))
	}
	reg, err := d.register(d.opts.NodeID, d.opts.Service, d.opts.Domain, d.opts.MeshPort, text)
	if err != nil {
		return fmt.Errorf("register %s: %w", d.opts.NodeID, err)
	}
	d.reg = reg
	return nil
}

func (d *Discovery) browseLoop(ctx context.Context) {
	for ctx.Err() == nil {
		d.browseRound(ctx)
		d.expire()
	}
}

// browseRound collects entries for one BrowseInterval.
func (d *Discovery) browseRound(ctx context.Context) {
	roundCtx, cancel := context.WithTimeout(ctx, d.opts.BrowseInterval)
	defer cancel()

	browser, err := d.newBrowser()
	if err != nil {
		d.log.Warn("failed to create mdns resolver", zap.Error(err))
		<-roundCtx.Done()
		return
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := browser.Browse(roundCtx, d.opts.Service, d.opts.Domain, entries); err != nil {
		d.log.Warn("mdns browse failed", zap.Error(err))
		<-roundCtx.Done()
		return
	}
	for {
		select {
		case <-roundCtx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				<-roundCtx.Done()
				return
			}
			d.observe(e)
		}
	}
}

func (d *Discovery) observe(e *zeroconf.ServiceEntry) {
	if e == nil || e.Instance == d.opts.NodeID {
		return
	}
	info, ok := peerFromEntry(e)
	if !ok {
		d.log.Debug("unresolved mdns entry", zap.String("instance", e.Instance))
		return
	}
	if info.NodeID == d.opts.NodeID {
		return
	}
	now := d.now()

	d.peersMu.Lock()
	cur, known := d.peers[info.Name]
	if known {
		info.DiscoveredAt = cur.info.DiscoveredAt
		cur.info = info
		cur.lastSeen = now
	} else {
		info.DiscoveredAt = now
		d.peers[info.Name] = &entry{info: info, lastSeen: now}
	}
	d.peersMu.Unlock()

	if !known {
		d.log.Info("peer discovered",
			zap.String("name", info.Name), zap.String("address", info.Address),
			zap.Int("port", info.Port), zap.Bool("server", info.IsServer))
		d.notify(info, true)
	}
}

func peerFromEntry(e *zeroconf.ServiceEntry) (models.PeerInfo, bool) {
	var addr string
	switch {
	case len(e.AddrIPv4) > 0:
		addr = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		addr = e.AddrIPv6[0].String()
	case e.HostName != "":
		addr = strings.TrimSuffix(e.HostName, ".")
	default:
		return models.PeerInfo{}, false
	}
	info := models.PeerInfo{
		Name:    e.Instance,
		Address: addr,
		Port:    e.Port,
	}
	for _, kv := range e.Text {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case txtNode:
			info.NodeID = v
		case txtRole:
			info.IsServer = v == roleServer
		case txtLAN:
			info.LANPort, _ = strconv.Atoi(v)
		}
	}
	return info, true
}

func (d *Discovery) expire() {
	cutoff := d.now().Add(-d.opts.PeerTTL)
	var gone []models.PeerInfo

	d.peersMu.Lock()
	for name, e := range d.peers {
		if e.lastSeen.Before(cutoff) {
			delete(d.peers, name)
			gone = append(gone, e.info)
		}
	}
	d.peersMu.Unlock()

	for _, p := range gone {
		d.log.Info("peer lost", zap.String("name", p.Name))
		d.notify(p, false)
	}
}

// AddPeerListener registers l for peer add/expire events.
func (d *Discovery) AddPeerListener(l PeerListener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Discovery) notify(p models.PeerInfo, added bool) {
	d.listenersMu.RLock()
	ls := make([]PeerListener, len(d.listeners))
	copy(ls, d.listeners)
	d.listenersMu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("peer listener panicked", zap.Any("panic", r))
				}
			}()
			l(p, added)
		}()
	}
}

// FindLocalServer returns this node when it is the LAN server, otherwise the
// earliest discovered peer advertising role=server.
func (d *Discovery) FindLocalServer() (models.PeerInfo, bool) {
	d.mu.Lock()
	self := d.isServer
	d.mu.Unlock()
	if self {
		return models.PeerInfo{
			Name:     d.opts.NodeID,
			Address:  "127.0.0.1",
			Port:     d.opts.MeshPort,
			LANPort:  d.opts.LANPort,
			NodeID:   d.opts.NodeID,
			IsServer: true,
		}, true
	}
	for _, p := range d.DiscoveredPeers() {
		if p.IsServer {
			return p, true
		}
	}
	return models.PeerInfo{}, false
}

// HasNearbyPeers reports whether any peer is currently known.
func (d *Discovery) HasNearbyPeers() bool {
	return d.PeerCount() > 0
}

// PeerCount returns the number of known peers.
func (d *Discovery) PeerCount() int {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	return len(d.peers)
}

// DiscoveredPeers returns the known peers, oldest first.
func (d *Discovery) DiscoveredPeers() []models.PeerInfo {
	d.peersMu.RLock()
	out := make([]models.PeerInfo, 0, len(d.peers))
	for _, e := range d.peers {
		out = append(out, e.info)
	}
	d.peersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}
