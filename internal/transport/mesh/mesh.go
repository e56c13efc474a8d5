// Package mesh implements the offline peer overlay: long-lived TCP links
// between nearby nodes carrying newline-delimited JSON envelopes, flooded to
// every neighbour except the one they arrived from.
package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/atinyakov/ReliefNet/internal/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrPeerLimit is returned when a new link would exceed the configured peer count.
var ErrPeerLimit = errors.New("mesh peer limit reached")

const (
	maxLineSize  = 1 << 20
	dialTimeout  = 3 * time.Second
	writeTimeout = 5 * time.Second
)

// Options configures the transport.
type Options struct {
	// Port is the TCP listen port; 0 picks a free port.
	Port int
	// DiscoveryPort is the UDP bootstrap port; 0 disables the bootstrap.
	DiscoveryPort int
	// BroadcastAddrs receive the periodic announcement.
	BroadcastAddrs    []string
	Tag               string
	BroadcastInterval time.Duration
	// MaxPeers bounds concurrent links and their workers.
	MaxPeers int
	// SeenCacheSize and SeenCacheTTL bound the duplicate-envelope cache.
	SeenCacheSize int
	SeenCacheTTL  time.Duration
	// HistoryWindow and HistoryLimit bound the reply to a SYNC_REQUEST.
	HistoryWindow time.Duration
	HistoryLimit  int
	// PeerRate limits inbound envelopes per second per peer; 0 means unlimited.
	PeerRate  float64
	PeerBurst int
	// NodeID overrides the generated node id.
	NodeID string
}

type seenKey struct {
	kind   transport.Kind
	id     string
	source string
}

type peer struct {
	key     string
	target  string
	conn    net.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func (p *peer) write(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := p.conn.Write(line)
	return err
}

// Transport is one node of the mesh overlay.
type Transport struct {
	inbox *transport.Inbox
	opts  Options
	log   *zap.Logger

	mu       sync.Mutex
	nodeID   string
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	udp      *net.UDPConn
	workers  *errgroup.Group
	bg       sync.WaitGroup

	peersMu sync.RWMutex
	peers   map[string]*peer

	seenMu sync.Mutex
	seen   *expirable.LRU[seenKey, struct{}]
}

// New creates a stopped transport.
func New(inbox *transport.Inbox, opts Options, log *zap.Logger) *Transport {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 32
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = 4096
	}
	if opts.SeenCacheTTL <= 0 {
		opts.SeenCacheTTL = 10 * time.Minute
	}
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = 30 * time.Second
	}
	return &Transport{
		inbox: inbox,
		opts:  opts,
		log:   log,
		peers: make(map[string]*peer),
		seen:  expirable.NewLRU[seenKey, struct{}](opts.SeenCacheSize, nil, opts.SeenCacheTTL),
	}
}

// NewNodeID returns the hostname with a time-derived suffix.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// Start binds the TCP listener, accepts peers and starts the UDP bootstrap.
// Starting a running transport is a no-op.
func (t *Transport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.opts.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", t.opts.Port, err)
	}

	var udp *net.UDPConn
	if t.opts.DiscoveryPort > 0 {
		udp, err = net.ListenUDP("udp4", &net.UDPAddr{Port: t.opts.DiscoveryPort})
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to listen on udp port %d: %w", t.opts.DiscoveryPort, err)
		}
	}

	t.nodeID = t.opts.NodeID
	if t.nodeID == "" {
		t.nodeID = NewNodeID()
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.listener = ln
	t.udp = udp
	t.workers = &errgroup.Group{}
	t.workers.SetLimit(t.opts.MaxPeers)

	ctx := t.ctx
	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		t.acceptLoop(ctx, ln)
	}()
	if udp != nil {
		t.bg.Add(2)
		go func() {
			defer t.bg.Done()
			t.announceLoop(ctx, udp)
		}()
		go func() {
			defer t.bg.Done()
			t.listenLoop(ctx, udp)
		}()
	}

	t.log.Info("mesh started",
		zap.String("node", t.nodeID),
		zap.String("addr", ln.Addr().String()),
		zap.Int("discoveryPort", t.opts.DiscoveryPort))
	return nil
}

// Stop closes every socket and waits for the workers to finish.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.listener == nil {
		t.mu.Unlock()
		return nil
	}
	t.cancel()
	err := t.listener.Close()
	if t.udp != nil {
		_ = t.udp.Close()
	}
	workers := t.workers
	t.listener, t.udp = nil, nil
	t.mu.Unlock()

	t.peersMu.Lock()
	for _, p := range t.peers {
		_ = p.conn.Close()
	}
	t.peersMu.Unlock()

	t.bg.Wait()
	_ = workers.Wait()
	t.log.Info("mesh stopped", zap.String("node", t.nodeID))
	return err
}

func (t *Transport) running() (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx, t.listener != nil
}

// IsRunning reports whether Start succeeded and Stop was not called since.
func (t *Transport) IsRunning() bool {
	_, ok := t.running()
	return ok
}

// NodeID returns the id of the current run, or "" before the first Start.
func (t *Transport) NodeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodeID
}

// Addr returns the TCP listen address, or "" when stopped.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// ConnectedPeerCount returns the number of open peer links.
func (t *Transport) ConnectedPeerCount() int {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return len(t.peers)
}

// ShouldDial reports whether this node initiates the link to the node with
// the given id. Only the node with the smaller id dials, so two nodes that
// discover each other end up with a single link.
func (t *Transport) ShouldDial(remoteNodeID string) bool {
	self := t.NodeID()
	return remoteNodeID == "" || self < remoteNodeID
}

// ConnectToPeer opens a link to address:port. Connecting to an already
// linked target is a no-op.
func (t *Transport) ConnectToPeer(ctx context.Context, address string, port int) error {
	runCtx, ok := t.running()
	if !ok {
		return transport.ErrNotRunning
	}
	target := net.JoinHostPort(address, strconv.Itoa(port))

	t.peersMu.RLock()
	for _, p := range t.peers {
		if p.target == target {
			t.peersMu.RUnlock()
			return nil
		}
	}
	t.peersMu.RUnlock()

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", target, err)
	}
	return t.addPeer(runCtx, conn, target)
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.log.Warn("mesh accept failed", zap.Error(err))
			continue
		}
		if err := t.addPeer(ctx, conn, ""); err != nil {
			t.log.Warn("mesh peer rejected", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		}
	}
}

// addPeer registers conn and hands it to a worker. It closes conn on failure.
func (t *Transport) addPeer(ctx context.Context, conn net.Conn, target string) error {
	t.mu.Lock()
	workers := t.workers
	t.mu.Unlock()

	limit := rate.Inf
	if t.opts.PeerRate > 0 {
		limit = rate.Limit(t.opts.PeerRate)
	}
	burst := t.opts.PeerBurst
	if burst <= 0 {
		burst = 1
	}
	p := &peer{
		key:     conn.RemoteAddr().String(),
		target:  target,
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
	}

	t.peersMu.Lock()
	t.peers[p.key] = p
	count := len(t.peers)
	t.peersMu.Unlock()

	if !workers.TryGo(func() error {
		t.readPeer(ctx, p)
		return nil
	}) {
		t.removePeer(p)
		return ErrPeerLimit
	}

	t.log.Info("mesh peer connected", zap.String("peer", p.key), zap.Int("peers", count))
	return nil
}

func (t *Transport) removePeer(p *peer) {
	t.peersMu.Lock()
	cur, ok := t.peers[p.key]
	ok = ok && cur == p
	if ok {
		delete(t.peers, p.key)
	}
	count := len(t.peers)
	t.peersMu.Unlock()
	_ = p.conn.Close()
	if ok {
		t.log.Info("mesh peer disconnected", zap.String("peer", p.key), zap.Int("peers", count))
	}
}

func (t *Transport) readPeer(ctx context.Context, p *peer) {
	defer t.removePeer(p)

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := transport.Decode(line)
		if err != nil {
			t.log.Warn("dropping malformed envelope", zap.String("peer", p.key), zap.Error(err))
			continue
		}
		raw := make([]byte, len(line)+1)
		copy(raw, line)
		raw[len(line)] = '\n'
		t.handle(ctx, p, env, raw)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		t.log.Warn("mesh peer read failed", zap.String("peer", p.key), zap.Error(err))
	}
}

// handle applies the flooding rule: drop own envelopes, drop envelopes seen
// before, dispatch by kind, then forward the raw line to every other peer.
func (t *Transport) handle(ctx context.Context, from *peer, env transport.Envelope, raw []byte) {
	if env.SourceNodeID == t.NodeID() {
		t.log.Debug("dropping own envelope", zap.String("id", env.MessageID))
		return
	}
	if !t.markSeen(env) {
		t.log.Debug("dropping duplicate envelope",
			zap.Stringer("kind", env.Kind), zap.String("id", env.MessageID), zap.String("source", env.SourceNodeID))
		return
	}

	switch env.Kind {
	case transport.KindSyncRequest:
		t.replyHistory(ctx, from)
	default:
		if _, err := t.inbox.Persist(ctx, env); err != nil {
			t.log.Warn("failed to persist envelope", zap.String("id", env.MessageID), zap.Error(err))
		}
	}

	t.forward(raw, from)
}

// markSeen records env and reports whether it was new.
func (t *Transport) markSeen(env transport.Envelope) bool {
	key := seenKey{kind: env.Kind, id: env.MessageID, source: env.SourceNodeID}
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	if t.seen.Contains(key) {
		return false
	}
	t.seen.Add(key, struct{}{})
	return true
}

func (t *Transport) replyHistory(ctx context.Context, to *peer) {
	msgs, err := t.inbox.History(ctx, t.opts.HistoryWindow, t.opts.HistoryLimit)
	if err != nil {
		t.log.Warn("failed to load history for sync request", zap.Error(err))
		return
	}
	self := t.NodeID()
	for _, m := range msgs {
		env := transport.FromMessage(transport.KindSyncResponse, m)
		env.SourceNodeID = self
		line, err := encodeLine(env)
		if err != nil {
			t.log.Error("failed to encode sync response", zap.Error(err))
			return
		}
		if err := to.write(line); err != nil {
			t.log.Warn("sync response write failed", zap.String("peer", to.key), zap.Error(err))
			_ = to.conn.Close()
			return
		}
	}
	t.log.Debug("answered sync request", zap.String("peer", to.key), zap.Int("messages", len(msgs)))
}

func (t *Transport) forward(line []byte, except *peer) {
	t.peersMu.RLock()
	targets := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p != except {
			targets = append(targets, p)
		}
	}
	t.peersMu.RUnlock()

	for _, p := range targets {
		if err := p.write(line); err != nil {
			t.log.Warn("mesh write failed", zap.String("peer", p.key), zap.Error(err))
			_ = p.conn.Close()
		}
	}
}

func encodeLine(env transport.Envelope) ([]byte, error) {
	b, err := transport.Encode(env)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (t *Transport) originate(env transport.Envelope) error {
	if !t.IsRunning() {
		return transport.ErrNotRunning
	}
	env.SourceNodeID = t.NodeID()
	line, err := encodeLine(env)
	if err != nil {
		return err
	}
	t.forward(line, nil)
	return nil
}

// SendMessage stores m locally and floods it to every connected peer.
func (t *Transport) SendMessage(ctx context.Context, m models.Message) error {
	if !t.IsRunning() {
		return transport.ErrNotRunning
	}
	env := transport.FromMessage(transport.KindMessage, m)
	if err := t.inbox.StoreOutgoing(ctx, env); err != nil {
		return err
	}
	return t.originate(env)
}

// SendEmergency stores e locally and floods it to every connected peer.
func (t *Transport) SendEmergency(ctx context.Context, e models.EmergencyRequest) error {
	if !t.IsRunning() {
		return transport.ErrNotRunning
	}
	env := transport.FromEmergency(e)
	if err := t.inbox.StoreOutgoing(ctx, env); err != nil {
		return err
	}
	return t.originate(env)
}

// PerformSync asks every connected peer for its recent history.
func (t *Transport) PerformSync(_ context.Context) error {
	return t.originate(transport.Envelope{
		Kind:      transport.KindSyncRequest,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	})
}
