// Package netmode decides which connectivity tier a node operates in, keeps
// the matching transports enabled and routes sends and syncs to them.
package netmode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/ReliefNet/internal/discovery"
	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/atinyakov/ReliefNet/internal/transport"
	"go.uber.org/zap"
)

// ErrNoTransport is returned when the current mode has no transport to send on.
var ErrNoTransport = errors.New("no active transport")

// CloudTransport is the REST document store client.
type CloudTransport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Close() error
	PerformSync(ctx context.Context) error
	SendMessage(ctx context.Context, m models.Message) error
	SendEmergency(ctx context.Context, e models.EmergencyRequest) error
	SyncMessageImmediately(id string) bool
	SyncEmergencyImmediately(id string) bool
}

// LANTransport is the WebSocket star served by the LAN server node.
type LANTransport interface {
	StartLocalServer(ctx context.Context) error
	ConnectToLocalServer(ctx context.Context, address string) error
	Disconnect() error
	IsConnected() bool
	IsServer() bool
	ClientCount() int
	PerformSync(ctx context.Context) error
	SendMessage(ctx context.Context, m models.Message) error
	SendEmergency(ctx context.Context, e models.EmergencyRequest) error
}

// MeshTransport is the TCP flooding overlay.
type MeshTransport interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	ShouldDial(remoteNodeID string) bool
	ConnectToPeer(ctx context.Context, address string, port int) error
	ConnectedPeerCount() int
	PerformSync(ctx context.Context) error
	SendMessage(ctx context.Context, m models.Message) error
	SendEmergency(ctx context.Context, e models.EmergencyRequest) error
}

// PeerDiscovery reports the nodes visible on the local network.
type PeerDiscovery interface {
	StartDiscovery(ctx context.Context) error
	StopDiscovery()
	AdvertiseAsServer() error
	FindLocalServer() (models.PeerInfo, bool)
	PeerCount() int
	DiscoveredPeers() []models.PeerInfo
	AddPeerListener(l discovery.PeerListener)
}

// Repository stores records that no transport could take.
type Repository interface {
	SaveMessage(ctx context.Context, m models.Message) (bool, error)
	SaveEmergency(ctx context.Context, e models.EmergencyRequest) (bool, error)
}

// MessageSource notifies about inbound chat messages.
type MessageSource interface {
	AddMessageListener(l transport.MessageListener)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Repo      Repository
	Inbox     MessageSource
	Cloud     CloudTransport
	LAN       LANTransport
	Mesh      MeshTransport
	Discovery PeerDiscovery
	Prober    Prober
}

// Options configures the schedulers and the mode decision.
type Options struct {
	// Interval between connectivity evaluations.
	Interval time.Duration
	// SyncInterval between periodic syncs of the active transport.
	SyncInterval time.Duration
	ProbeTimeout time.Duration
	// PreferLAN yields ONLINE_LOCAL when there is no internet but a LAN server is known.
	PreferLAN bool
}

// Status is the state reported to status listeners.
type Status struct {
	Mode     models.NetworkMode
	Internet bool
	Online   bool
	Peers    int
}

// ListenerID identifies a registered status listener.
type ListenerID uint64

// Controller owns the mode state machine.
type Controller struct {
	deps Deps
	opts Options
	log  *zap.Logger

	evalMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	role     models.NetworkRole
	userID   string
	started  bool
	cancel   context.CancelFunc
	runCtx   context.Context
	tickers  sync.WaitGroup
	stopOnce sync.Once

	listenersMu sync.Mutex
	nextID      ListenerID
	listeners   map[ListenerID]func(Status)
}

// New creates a controller in OFFLINE_STANDALONE with every transport disabled.
func New(deps Deps, opts Options, log *zap.Logger) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	return &Controller{
		deps:      deps,
		opts:      opts,
		log:       log,
		runCtx:    context.Background(),
		listeners: make(map[ListenerID]func(Status)),
	}
}

// Initialize records the user's role, starts discovery, evaluates the mode
// once and starts both schedulers. Later calls are no-ops.
func (c *Controller) Initialize(ctx context.Context, user models.User) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.role = models.RoleFor(user.Type)
	c.userID = user.ID
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx, c.cancel = runCtx, cancel
	role := c.role
	c.mu.Unlock()

	c.log.Info("network controller initializing",
		zap.String("user", user.ID), zap.Stringer("role", role))

	c.deps.Discovery.AddPeerListener(c.onPeer)
	if err := c.deps.Discovery.StartDiscovery(runCtx); err != nil {
		c.log.Warn("peer discovery unavailable", zap.Error(err))
	}
	if role == models.AuthorityServer {
		if err := c.deps.Discovery.AdvertiseAsServer(); err != nil {
			c.log.Warn("failed to advertise as LAN server", zap.Error(err))
		}
	}

	c.Evaluate(runCtx)

	c.tickers.Add(2)
	go c.every(runCtx, c.opts.Interval, c.Evaluate)
	go c.every(runCtx, c.opts.SyncInterval, func(ctx context.Context) {
		if err := c.TriggerSync(ctx); err != nil {
			c.log.Warn("periodic sync failed", zap.Error(err))
		}
	})
}

func (c *Controller) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	defer c.tickers.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// CurrentMode returns the last evaluated mode.
func (c *Controller) CurrentMode() models.NetworkMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Mode
}

// IsOnline returns the last local network probe result.
func (c *Controller) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Online
}

// HasInternetAccess returns the last internet probe result.
func (c *Controller) HasInternetAccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Internet
}

// Status returns the last evaluated state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Evaluate probes connectivity, decides the mode and, when it changed,
// switches transports before notifying listeners. Transport failures are
// logged; the new mode is committed regardless.
func (c *Controller) Evaluate(ctx context.Context) {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	internet := c.probe(ctx, "internet", c.deps.Prober.InternetReachable)
	online := c.probe(ctx, "local", c.deps.Prober.LocalReachable)
	peers := c.deps.Discovery.PeerCount()
	lanServer := false
	if c.opts.PreferLAN && !internet {
		_, lanServer = c.deps.Discovery.FindLocalServer()
	}
	next := Status{
		Mode:     DecideMode(internet, peers, c.opts.PreferLAN, lanServer),
		Internet: internet,
		Online:   online,
		Peers:    peers,
	}

	c.mu.Lock()
	prev := c.status
	c.status = next
	c.mu.Unlock()

	if next.Mode != prev.Mode {
		c.log.Info("network mode changed",
			zap.Stringer("from", prev.Mode), zap.Stringer("to", next.Mode),
			zap.Bool("internet", internet), zap.Int("peers", peers))
		c.switchTransports(ctx, prev.Mode, next.Mode)
	}
	if next != prev {
		c.notify(next)
	}
}

func (c *Controller) probe(ctx context.Context, name string, fn func(context.Context) (bool, error)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("connectivity probe panicked", zap.String("probe", name), zap.Any("panic", r))
			ok = false
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	ok, err := fn(pctx)
	if err != nil {
		c.log.Debug("connectivity probe failed", zap.String("probe", name), zap.Error(err))
		return false
	}
	return ok
}

// switchTransports disables what the old mode used and the new one does
// not, then enables what the new mode needs.
func (c *Controller) switchTransports(ctx context.Context, from, to models.NetworkMode) {
	old, want := transportsFor(from), transportsFor(to)

	if old.mesh && !want.mesh {
		c.try("stop mesh", c.deps.Mesh.Stop)
	}
	if old.lan && !want.lan {
		c.try("disconnect lan", c.deps.LAN.Disconnect)
	}
	if old.cloud && !want.cloud {
		c.try("disconnect cloud", c.deps.Cloud.Disconnect)
	}

	if want.cloud && !c.deps.Cloud.IsConnected() {
		c.try("connect cloud", func() error { return c.deps.Cloud.Connect(ctx) })
	}
	if want.lan && !c.deps.LAN.IsConnected() {
		c.try("enable lan", func() error { return c.enableLAN(ctx) })
	}
	if want.mesh && !c.deps.Mesh.IsRunning() {
		c.try("start mesh", func() error { return c.deps.Mesh.Start(c.context()) })
		c.dialPeers(ctx, c.deps.Discovery.DiscoveredPeers())
	}
}

func (c *Controller) try(action string, fn func() error) {
	if err := fn(); err != nil {
		c.log.Warn("transport switch step failed", zap.String("action", action), zap.Error(err))
	}
}

func (c *Controller) enableLAN(ctx context.Context) error {
	c.mu.RLock()
	role := c.role
	c.mu.RUnlock()
	if role == models.AuthorityServer {
		return c.deps.LAN.StartLocalServer(ctx)
	}
	server, ok := c.deps.Discovery.FindLocalServer()
	if !ok {
		return errors.New("no LAN server discovered")
	}
	return c.deps.LAN.ConnectToLocalServer(ctx, net.JoinHostPort(server.Address, strconv.Itoa(server.LANPort)))
}

func (c *Controller) context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runCtx
}

// onPeer links newly discovered peers while the mesh is active.
func (c *Controller) onPeer(p models.PeerInfo, added bool) {
	if !added || c.CurrentMode() != models.OfflineMesh || !c.deps.Mesh.IsRunning() {
		return
	}
	go c.dialPeers(c.context(), []models.PeerInfo{p})
}

func (c *Controller) dialPeers(ctx context.Context, peers []models.PeerInfo) {
	for _, p := range peers {
		if !c.deps.Mesh.ShouldDial(p.NodeID) {
			continue
		}
		if err := c.deps.Mesh.ConnectToPeer(ctx, p.Address, p.Port); err != nil {
			c.log.Warn("failed to link discovered peer",
				zap.String("peer", p.Name), zap.String("address", p.Address), zap.Error(err))
		}
	}
}

// AddNetworkStatusListener registers l for every mode or connectivity change.
func (c *Controller) AddNetworkStatusListener(l func(Status)) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextID++
	c.listeners[c.nextID] = l
	return c.nextID
}

// RemoveNetworkStatusListener unregisters a listener. Unknown ids are ignored.
func (c *Controller) RemoveNetworkStatusListener(id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, id)
}

func (c *Controller) notify(s Status) {
	c.listenersMu.Lock()
	ls := make([]func(Status), 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("network status listener panicked", zap.Any("panic", r))
				}
			}()
			l(s)
		}()
	}
}

// AddMessageListener registers l for inbound chat messages on any transport.
func (c *Controller) AddMessageListener(l transport.MessageListener) {
	c.deps.Inbox.AddMessageListener(l)
}

// TriggerSync runs the active transport's sync once. OFFLINE_STANDALONE has
// nothing to sync with.
func (c *Controller) TriggerSync(ctx context.Context) error {
	switch mode := c.CurrentMode(); mode {
	case models.OnlineCloud:
		return c.deps.Cloud.PerformSync(ctx)
	case models.OnlineLocal:
		return c.deps.LAN.PerformSync(ctx)
	case models.OfflineMesh:
		return c.deps.Mesh.PerformSync(ctx)
	default:
		c.log.Debug("no transport to sync", zap.Stringer("mode", mode))
		return nil
	}
}

type sender interface {
	SendMessage(ctx context.Context, m models.Message) error
	SendEmergency(ctx context.Context, e models.EmergencyRequest) error
}

func (c *Controller) active(mode models.NetworkMode) sender {
	switch mode {
	case models.OnlineCloud:
		return c.deps.Cloud
	case models.OnlineLocal:
		return c.deps.LAN
	case models.OfflineMesh:
		return c.deps.Mesh
	}
	return nil
}

// SendMessage sends as the initialized user.
func (c *Controller) SendMessage(ctx context.Context, id, content, channelID string) bool {
	c.mu.RLock()
	from := c.userID
	c.mu.RUnlock()
	return c.SendMessageFrom(ctx, id, from, content, channelID)
}

// SendMessageFrom routes a message to the active transport. When that fails
// or no transport is active the message is kept PENDING in the local store.
// It returns false only when the message could not even be stored.
func (c *Controller) SendMessageFrom(ctx context.Context, id, senderID, content, channelID string) bool {
	m := models.Message{
		ID:        id,
		SenderID:  senderID,
		ChannelID: channelID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	mode := c.CurrentMode()
	err := ErrNoTransport
	if s := c.active(mode); s != nil {
		err = s.SendMessage(ctx, m)
	}
	if err == nil {
		return true
	}
	c.log.Warn("message send failed, keeping it pending",
		zap.String("id", id), zap.Stringer("mode", mode), zap.Error(err))

	if _, err := c.deps.Repo.SaveMessage(ctx, m); err != nil {
		c.log.Error("failed to store message", zap.String("id", id), zap.Error(err))
		return false
	}
	if mode == models.OnlineCloud {
		c.deps.Cloud.SyncMessageImmediately(id)
	}
	return true
}

// SendEmergency routes an emergency request like SendMessageFrom.
func (c *Controller) SendEmergency(ctx context.Context, e models.EmergencyRequest) bool {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	mode := c.CurrentMode()
	err := ErrNoTransport
	if s := c.active(mode); s != nil {
		err = s.SendEmergency(ctx, e)
	}
	if err == nil {
		return true
	}
	c.log.Warn("emergency send failed, keeping it pending",
		zap.String("id", e.ID), zap.Stringer("mode", mode), zap.Error(err))

	if _, err := c.deps.Repo.SaveEmergency(ctx, e); err != nil {
		c.log.Error("failed to store emergency", zap.String("id", e.ID), zap.Error(err))
		return false
	}
	if mode == models.OnlineCloud {
		c.deps.Cloud.SyncEmergencyImmediately(e.ID)
	}
	return true
}

// NetworkStatusSummary describes the current state for display.
func (c *Controller) NetworkStatusSummary() string {
	c.mu.RLock()
	s, role := c.status, c.role
	c.mu.RUnlock()

	var b strings.Builder
	switch role {
	case models.AuthorityServer:
		b.WriteString("Authority server")
	case models.VolunteerClient:
		b.WriteString("Volunteer")
	default:
		b.WriteString("Survivor")
	}
	fmt.Fprintf(&b, " | %s | internet: %s | nearby peers: %d", s.Mode, yesNo(s.Internet), s.Peers)

	switch s.Mode {
	case models.OfflineMesh:
		fmt.Fprintf(&b, " | mesh links: %d", c.deps.Mesh.ConnectedPeerCount())
	case models.OnlineLocal:
		if c.deps.LAN.IsServer() {
			fmt.Fprintf(&b, " | LAN clients: %d", c.deps.LAN.ClientCount())
		} else {
			fmt.Fprintf(&b, " | LAN server: %s", connectedLabel(c.deps.LAN.IsConnected()))
		}
	case models.OfflineStandalone:
		b.WriteString(" | messages are stored until a network is available")
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func connectedLabel(v bool) string {
	if v {
		return "connected"
	}
	return "disconnected"
}

// Shutdown stops both schedulers, disables every transport and stops discovery.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.tickers.Wait()

		c.evalMu.Lock()
		defer c.evalMu.Unlock()
		c.try("stop mesh", c.deps.Mesh.Stop)
		c.try("disconnect lan", c.deps.LAN.Disconnect)
		c.try("disconnect cloud", c.deps.Cloud.Disconnect)
		c.try("close cloud", c.deps.Cloud.Close)
		c.deps.Discovery.StopDiscovery()

		c.mu.Lock()
		c.status.Mode = models.OfflineStandalone
		c.mu.Unlock()
		c.log.Info("network controller stopped")
	})
}
