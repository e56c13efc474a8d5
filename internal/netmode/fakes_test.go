package netmode

import (
	"context"
	"sync"

	"github.com/atinyakov/ReliefNet/internal/discovery"
	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/atinyakov/ReliefNet/internal/transport"
)

// journal records transport calls in order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = nil
}

type fakeProber struct {
	mu       sync.Mutex
	internet bool
	local    bool
	// InternetFunc overrides the stored answer when set.
	InternetFunc func(ctx context.Context) (bool, error)
}

func (p *fakeProber) setInternet(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.internet = v
}

func (p *fakeProber) InternetReachable(ctx context.Context) (bool, error) {
	p.mu.Lock()
	fn, v := p.InternetFunc, p.internet
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return v, nil
}

func (p *fakeProber) LocalReachable(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local, nil
}

type fakeCloud struct {
	j         *journal
	mu        sync.Mutex
	connected bool

	ConnectFunc     func(ctx context.Context) error
	SendMessageFunc func(ctx context.Context, m models.Message) error
	PerformSyncFunc func(ctx context.Context) error
}

func (f *fakeCloud) Connect(ctx context.Context) error {
	f.j.add("cloud.connect")
	if f.ConnectFunc != nil {
		if err := f.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeCloud) Disconnect() error {
	f.j.add("cloud.disconnect")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeCloud) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCloud) Close() error {
	f.j.add("cloud.close")
	return nil
}

func (f *fakeCloud) PerformSync(ctx context.Context) error {
	f.j.add("cloud.sync")
	if f.PerformSyncFunc != nil {
		return f.PerformSyncFunc(ctx)
	}
	return nil
}

func (f *fakeCloud) SendMessage(ctx context.Context, m models.Message) error {
	f.j.add("cloud.send:" + m.ID)
	if f.SendMessageFunc != nil {
		return f.SendMessageFunc(ctx, m)
	}
	return nil
}

func (f *fakeCloud) SendEmergency(_ context.Context, e models.EmergencyRequest) error {
	f.j.add("cloud.emergency:" + e.ID)
	return nil
}

func (f *fakeCloud) SyncMessageImmediately(id string) bool {
	f.j.add("cloud.immediate:" + id)
	return true
}

func (f *fakeCloud) SyncEmergencyImmediately(id string) bool {
	f.j.add("cloud.immediate:" + id)
	return true
}

type fakeLAN struct {
	j       *journal
	mu      sync.Mutex
	server  bool
	client  string
	clients int
}

func (f *fakeLAN) StartLocalServer(context.Context) error {
	f.j.add("lan.serve")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server = true
	return nil
}

func (f *fakeLAN) ConnectToLocalServer(_ context.Context, address string) error {
	f.j.add("lan.connect:" + address)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.client = address
	return nil
}

func (f *fakeLAN) Disconnect() error {
	f.j.add("lan.disconnect")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server, f.client = false, ""
	return nil
}

func (f *fakeLAN) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.server || f.client != ""
}

func (f *fakeLAN) IsServer() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.server
}

func (f *fakeLAN) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients
}

func (f *fakeLAN) PerformSync(context.Context) error {
	f.j.add("lan.sync")
	return nil
}

func (f *fakeLAN) SendMessage(_ context.Context, m models.Message) error {
	f.j.add("lan.send:" + m.ID)
	return nil
}

func (f *fakeLAN) SendEmergency(_ context.Context, e models.EmergencyRequest) error {
	f.j.add("lan.emergency:" + e.ID)
	return nil
}

type fakeMesh struct {
	j       *journal
	mu      sync.Mutex
	running bool
	self    string
	links   int

	StartFunc func(ctx context.Context) error
}

func (f *fakeMesh) Start(ctx context.Context) error {
	f.j.add("mesh.start")
	if f.StartFunc != nil {
		if err := f.StartFunc(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeMesh) Stop() error {
	f.j.add("mesh.stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeMesh) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeMesh) ShouldDial(remote string) bool {
	return remote == "" || f.self < remote
}

func (f *fakeMesh) ConnectToPeer(_ context.Context, address string, _ int) error {
	f.j.add("mesh.dial:" + address)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links++
	return nil
}

func (f *fakeMesh) ConnectedPeerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links
}

func (f *fakeMesh) PerformSync(context.Context) error {
	f.j.add("mesh.sync")
	return nil
}

func (f *fakeMesh) SendMessage(_ context.Context, m models.Message) error {
	f.j.add("mesh.send:" + m.ID)
	return nil
}

func (f *fakeMesh) SendEmergency(_ context.Context, e models.EmergencyRequest) error {
	f.j.add("mesh.emergency:" + e.ID)
	return nil
}

type fakeDiscovery struct {
	mu        sync.Mutex
	peers     []models.PeerInfo
	server    *models.PeerInfo
	listeners []discovery.PeerListener
	started   bool
	advertise bool
}

func (f *fakeDiscovery) StartDiscovery(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeDiscovery) StopDiscovery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *fakeDiscovery) AdvertiseAsServer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertise = true
	return nil
}

func (f *fakeDiscovery) FindLocalServer() (models.PeerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server == nil {
		return models.PeerInfo{}, false
	}
	return *f.server, true
}

func (f *fakeDiscovery) PeerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeDiscovery) DiscoveredPeers() []models.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PeerInfo(nil), f.peers...)
}

func (f *fakeDiscovery) AddPeerListener(l discovery.PeerListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeDiscovery) addPeer(p models.PeerInfo) {
	f.mu.Lock()
	f.peers = append(f.peers, p)
	ls := append([]discovery.PeerListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(p, true)
	}
}

type fakeRepo struct {
	mu          sync.Mutex
	messages    []models.Message
	emergencies []models.EmergencyRequest
	err         error
}

func (r *fakeRepo) SaveMessage(_ context.Context, m models.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.messages = append(r.messages, m)
	return true, nil
}

func (r *fakeRepo) SaveEmergency(_ context.Context, e models.EmergencyRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.emergencies = append(r.emergencies, e)
	return true, nil
}

type fakeInbox struct {
	listeners []transport.MessageListener
}

func (f *fakeInbox) AddMessageListener(l transport.MessageListener) {
	f.listeners = append(f.listeners, l)
}
