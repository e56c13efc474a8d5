// Package local implements the LAN channel: one node serves WebSocket
// connections, the others connect to it. The server pushes recent history to
// every client; clients ask for it with a SYNC_REQUEST.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/atinyakov/ReliefNet/internal/transport"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 5 * time.Second
)

// Options configures the transport.
type Options struct {
	// Port is the server listen port; 0 picks a free port.
	Port int
	// Path is the WebSocket endpoint path.
	Path string
	// RemoteURL is the ws:// or wss:// endpoint used by Connect.
	RemoteURL string
	// HistoryWindow and HistoryLimit bound the messages pushed on sync.
	HistoryWindow time.Duration
	HistoryLimit  int
}

// Transport is either the LAN server or a LAN client, never both at once.
type Transport struct {
	inbox *transport.Inbox
	opts  Options
	log   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	upstream *websocket.Conn

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]struct{}

	wg sync.WaitGroup
}

// New creates an idle transport.
func New(inbox *transport.Inbox, opts Options, log *zap.Logger) *Transport {
	if opts.Path == "" {
		opts.Path = "/sync"
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	return &Transport{
		inbox:   inbox,
		opts:    opts,
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// StartLocalServer binds the WebSocket listener and serves clients until
// Disconnect. Starting an already running server is a no-op.
func (t *Transport) StartLocalServer(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil
	}
	if t.upstream != nil {
		return errors.New("local transport is connected as a client")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.opts.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", t.opts.Port, err)
	}

	r := chi.NewRouter()
	r.Get(t.opts.Path, t.handleWebSocket)
	r.Get("/health", t.handleHealth)

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.listener = ln
	t.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	srv := t.server
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("local server stopped", zap.Error(err))
		}
	}()

	t.log.Info("local server listening", zap.String("addr", ln.Addr().String()), zap.String("path", t.opts.Path))
	return nil
}

// ConnectToLocalServer dials the LAN server at address (host:port).
func (t *Transport) ConnectToLocalServer(ctx context.Context, address string) error {
	return t.dial(ctx, "ws://"+address+t.opts.Path)
}

// Connect dials the configured remote endpoint.
func (t *Transport) Connect(ctx context.Context) error {
	if t.opts.RemoteURL == "" {
		return errors.New("no remote LAN url configured")
	}
	return t.dial(ctx, t.opts.RemoteURL)
}

var errServing = errors.New("local transport is running as the server")

// dial connects without holding t.mu and re-checks the state afterwards;
// a connection that lost the race is closed.
func (t *Transport) dial(ctx context.Context, url string) error {
	t.mu.Lock()
	serving, connected := t.listener != nil, t.upstream != nil
	t.mu.Unlock()
	if serving {
		return errServing
	}
	if connected {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil || t.upstream != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if t.listener != nil {
			return errServing
		}
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.upstream = conn

	readCtx := t.ctx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readUpstream(readCtx, conn)
	}()

	t.log.Info("connected to local server", zap.String("url", url))
	return nil
}

// Disconnect stops the server or closes the client connection. A dropped
// client connection is not re-established until the caller connects again.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	cancel := t.cancel
	srv := t.server
	upstream := t.upstream
	t.server, t.listener, t.upstream, t.cancel = nil, nil, nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	t.clientsMu.Lock()
	for conn := range t.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(t.clients, conn)
	}
	t.clientsMu.Unlock()

	var err error
	if srv != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(ctx)
		done()
	}
	if upstream != nil {
		_ = upstream.Close(websocket.StatusNormalClosure, "")
	}
	t.wg.Wait()
	t.log.Info("local transport disconnected")
	return err
}

// IsServer reports whether this node currently serves the LAN.
func (t *Transport) IsServer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener != nil
}

// IsConnected reports whether the transport is serving or has an open client link.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener != nil || t.upstream != nil
}

// Addr returns the server listen address, or "" when not serving.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// ClientCount returns the number of connected clients.
func (t *Transport) ClientCount() int {
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	return len(t.clients)
}

// SendMessage stores m locally and sends it over the LAN. The server sends
// to every client; a client sends to the server.
func (t *Transport) SendMessage(ctx context.Context, m models.Message) error {
	return t.sendOutgoing(ctx, transport.FromMessage(transport.KindMessage, m))
}

// SendEmergency stores e locally and sends it over the LAN.
func (t *Transport) SendEmergency(ctx context.Context, e models.EmergencyRequest) error {
	return t.sendOutgoing(ctx, transport.FromEmergency(e))
}

func (t *Transport) sendOutgoing(ctx context.Context, env transport.Envelope) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	if err := t.inbox.StoreOutgoing(ctx, env); err != nil {
		return err
	}
	if t.IsServer() {
		t.broadcast(ctx, env, nil)
		return nil
	}
	return t.writeUpstream(ctx, env)
}

// PerformSync pushes recent history to every client when serving, or asks
// the server for it when connected as a client.
func (t *Transport) PerformSync(ctx context.Context) error {
	switch {
	case t.IsServer():
		return t.pushHistory(ctx)
	case t.IsConnected():
		return t.writeUpstream(ctx, transport.Envelope{
			Kind:      transport.KindSyncRequest,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	return transport.ErrNotConnected
}

func (t *Transport) pushHistory(ctx context.Context) error {
	msgs, err := t.inbox.History(ctx, t.opts.HistoryWindow, t.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, m := range msgs {
		t.broadcast(ctx, transport.FromMessage(transport.KindSyncMessage, m), nil)
	}
	t.log.Debug("history pushed to clients", zap.Int("messages", len(msgs)), zap.Int("clients", t.ClientCount()))
	return nil
}

func (t *Transport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		t.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	// Registration happens under t.mu so Disconnect either sees the client
	// and waits for it, or this handler sees the server stopped.
	t.mu.Lock()
	ctx := t.ctx
	if t.listener == nil || ctx == nil || ctx.Err() != nil {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	t.clientsMu.Lock()
	t.clients[conn] = struct{}{}
	count := len(t.clients)
	t.clientsMu.Unlock()
	t.wg.Add(1)
	t.mu.Unlock()

	t.log.Info("local client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", count))
	go func() {
		defer t.wg.Done()
		t.readClient(ctx, conn)
	}()
}

func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": t.ClientCount(),
	})
}

func (t *Transport) readClient(ctx context.Context, conn *websocket.Conn) {
	defer t.removeClient(conn)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := transport.Decode(data)
		if err != nil {
			t.log.Warn("dropping malformed envelope from client", zap.Error(err))
			continue
		}
		t.handleFromClient(ctx, conn, env)
	}
}

func (t *Transport) handleFromClient(ctx context.Context, from *websocket.Conn, env transport.Envelope) {
	if env.Kind == transport.KindSyncRequest {
		if err := t.pushHistory(ctx); err != nil {
			t.log.Warn("history push failed", zap.Error(err))
		}
		return
	}
	if _, err := t.inbox.Persist(ctx, env); err != nil {
		t.log.Warn("failed to persist envelope", zap.String("id", env.MessageID), zap.Error(err))
	}
	if env.Kind == transport.KindSyncMessage || env.Kind == transport.KindSyncResponse {
		t.broadcast(ctx, env, from)
	}
}

func (t *Transport) removeClient(conn *websocket.Conn) {
	t.clientsMu.Lock()
	_, ok := t.clients[conn]
	delete(t.clients, conn)
	count := len(t.clients)
	t.clientsMu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		t.log.Info("local client disconnected", zap.Int("clients", count))
	}
}

func (t *Transport) broadcast(ctx context.Context, env transport.Envelope, except *websocket.Conn) {
	data, err := transport.Encode(env)
	if err != nil {
		t.log.Error("failed to encode envelope", zap.Error(err))
		return
	}

	t.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(t.clients))
	for c := range t.clients {
		if c != except {
			conns = append(conns, c)
		}
	}
	t.clientsMu.RUnlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := c.Write(wctx, websocket.MessageText, data); err != nil {
			t.log.Warn("write to local client failed", zap.Error(err))
		}
		cancel()
	}
}

func (t *Transport) writeUpstream(ctx context.Context, env transport.Envelope) error {
	t.mu.Lock()
	conn := t.upstream
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	data, err := transport.Encode(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write to local server: %w", err)
	}
	return nil
}

func (t *Transport) readUpstream(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		if t.upstream == conn {
			t.upstream = nil
			t.log.Warn("lost connection to local server")
		}
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := transport.Decode(data)
		if err != nil {
			t.log.Warn("dropping malformed envelope from server", zap.Error(err))
			continue
		}
		if _, err := t.inbox.Persist(ctx, env); err != nil {
			t.log.Warn("failed to persist envelope", zap.String("id", env.MessageID), zap.Error(err))
		}
	}
}
