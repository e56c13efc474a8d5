package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBrowser is the multicast network: every resolver it hands out replays
// the currently visible entries once. Like a zeroconf resolver, a second
// browse on the same resolver yields nothing.
type fakeBrowser struct {
	mu      sync.Mutex
	visible []*zeroconf.ServiceEntry
	rounds  int
	reused  int
	err     error
}

type singleUseResolver struct {
	net  *fakeBrowser
	used bool
}

func (f *fakeBrowser) resolver() (Browser, error) {
	return &singleUseResolver{net: f}, nil
}

func (r *singleUseResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	if r.used {
		r.net.mu.Lock()
		r.net.reused++
		r.net.mu.Unlock()
		return nil
	}
	r.used = true
	return r.net.Browse(ctx, service, domain, entries)
}

func (f *fakeBrowser) set(entries ...*zeroconf.ServiceEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = entries
}

func (f *fakeBrowser) Browse(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	f.mu.Lock()
	f.rounds++
	err := f.err
	visible := append([]*zeroconf.ServiceEntry(nil), f.visible...)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	go func() {
		defer close(entries)
		for _, e := range visible {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

type fakeRegistration struct {
	text []string
	down bool
}

func (r *fakeRegistration) Shutdown() { r.down = true }

type registrar struct {
	mu   sync.Mutex
	regs []*fakeRegistration
	err  error
}

func (r *registrar) register(instance, _, _ string, _ int, text []string) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	reg := &fakeRegistration{text: text}
	r.regs = append(r.regs, reg)
	return reg, nil
}

func (r *registrar) last() *fakeRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.regs) == 0 {
		return nil
	}
	return r.regs[len(r.regs)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func serviceEntry(instance, ip string, port int, text ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, "_reliefnet._tcp", "local.")
	e.Port = port
	e.Text = text
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

func newDiscovery(t *testing.T, b *fakeBrowser, r *registrar, c *clock) *Discovery {
	t.Helper()
	d := New(Options{
		NodeID:         "node-self",
		MeshPort:       8888,
		LANPort:        8887,
		BrowseInterval: 20 * time.Millisecond,
		PeerTTL:        time.Minute,
	}, zap.NewNop(), WithBrowser(b.resolver), WithRegister(r.register), WithClock(c.Now))
	t.Cleanup(d.StopDiscovery)
	return d
}

func TestDiscoversPeersAndIgnoresSelf(t *testing.T) {
	b, r, c := &fakeBrowser{}, &registrar{}, &clock{now: time.Unix(1000, 0)}
	b.set(
		serviceEntry("node-self", "10.0.0.1", 8888, "node=node-self", "role=client"),
		serviceEntry("node-b", "10.0.0.2", 8888, "node=node-b", "role=client"),
		serviceEntry("node-c", "10.0.0.3", 9999, "node=node-c", "role=server", "lan=8887"),
	)
	d := newDiscovery(t, b, r, c)
	require.NoError(t, d.StartDiscovery(context.Background()))

	require.Eventually(t, func() bool { return d.PeerCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, d.HasNearbyPeers())

	peers := d.DiscoveredPeers()
	require.Len(t, peers, 2)
	assert.Equal(t, models.PeerInfo{
		Name: "node-b", Address: "10.0.0.2", Port: 8888, NodeID: "node-b", DiscoveredAt: time.Unix(1000, 0),
	}, peers[0])
	assert.True(t, peers[1].IsServer)
	assert.Equal(t, 8887, peers[1].LANPort)

	assert.Equal(t, []string{"node=node-self", "role=client"}, r.last().text)
}

func TestFindLocalServer(t *testing.T) {
	b, r, c := &fakeBrowser{}, &registrar{}, &clock{now: time.Unix(1000, 0)}
	d := newDiscovery(t, b, r, c)

	_, ok := d.FindLocalServer()
	assert.False(t, ok)

	b.set(serviceEntry("node-c", "10.0.0.3", 8888, "node=node-c", "role=server", "lan=8887"))
	require.NoError(t, d.StartDiscovery(context.Background()))
	require.Eventually(t, d.HasNearbyPeers, 2*time.Second, 5*time.Millisecond)

	p, ok := d.FindLocalServer()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3", p.Address)

	require.NoError(t, d.AdvertiseAsServer())
	p, ok = d.FindLocalServer()
	require.True(t, ok)
	assert.Equal(t, "node-self", p.NodeID)
	assert.Equal(t, 8887, p.LANPort)

	require.Len(t, r.regs, 2)
	assert.True(t, r.regs[0].down)
	assert.Equal(t, []string{"node=node-self", "role=server", "lan=8887"}, r.last().text)
}

func TestAdvertiseBeforeStartOnlyRecordsRole(t *testing.T) {
	b, r, c := &fakeBrowser{}, &registrar{}, &clock{now: time.Unix(1000, 0)}
	d := newDiscovery(t, b, r, c)

	require.NoError(t, d.AdvertiseAsServer())
	assert.Nil(t, r.last())

	require.NoError(t, d.StartDiscovery(context.Background()))
	assert.Equal(t, []string{"node=node-self", "role=server", "lan=8887"}, r.last().text)
}

func TestPeersExpireAndListenersHearBothEvents(t *testing.T) {
	b, r, c := &fakeBrowser{}, &registrar{}, &clock{now: time.Unix(1000, 0)}
	b.set(serviceEntry("node-b", "10.0.0.2", 8888, "node=node-b"))
	d := newDiscovery(t, b, r, c)

	events := make(chan bool, 4)
	d.AddPeerListener(func(models.PeerInfo, bool) { panic("listener bug") })
	d.AddPeerListener(func(p models.PeerInfo, added bool) {
		if p.Name == "node-b" {
			events <- added
		}
	})

	require.NoError(t, d.StartDiscovery(context.Background()))
	select {
	case added := <-events:
		assert.True(t, added)
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not reported")
	}

	b.set()
	require.Eventually(t, func() bool {
		c.advance(2 * time.Minute)
		return d.PeerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case added := <-events:
		assert.False(t, added)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry was not reported")
	}
}

func TestPeersStayVisibleAcrossRounds(t *testing.T) {
	b, r, c := &fakeBrowser{}, &registrar{}, &clock{now: time.Unix(1000, 0)}
	b.set(serviceEntry("node-b", "10.0.0.2", 8888, "node=node-b"))
	d := newDiscovery(t, b, r, c)

	require.NoError(t, d.StartDiscovery(context.Background()))
	require.Eventually(t, d.HasNearbyPeers, 2*time.Second, 5*time.Millisecond)

	rounds := func() int {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.rounds
	}
	// Two steps of 40s exceed the one minute TTL unless later rounds see the peer again.
	for range 2 {
		c.advance(40 * time.Second)
		start := rounds()
		require.Eventually(t, func() bool { return rounds() >= start+2 }, 2*time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, 1, d.PeerCount())
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Zero(t, b.reused)
}

func TestBrowseAndRegisterFailuresAreNotFatal(t *testing.T) {
	b := &fakeBrowser{err: errors.New("no multicast")}
	r := &registrar{err: errors.New("no multicast")}
	d := newDiscovery(t, b, r, &clock{now: time.Unix(1000, 0)})

	require.NoError(t, d.StartDiscovery(context.Background()))
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.rounds >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, d.HasNearbyPeers())
}

func TestStopForgetsPeers(t *testing.T) {
	b, r, c := &fakeBrowser{}, &registrar{}, &clock{now: time.Unix(1000, 0)}
	b.set(serviceEntry("node-b", "10.0.0.2", 8888, "node=node-b"))
	d := newDiscovery(t, b, r, c)

	require.NoError(t, d.StartDiscovery(context.Background()))
	require.Eventually(t, d.HasNearbyPeers, 2*time.Second, 5*time.Millisecond)

	d.StopDiscovery()
	assert.Equal(t, 0, d.PeerCount())
	assert.True(t, r.last().down)
	d.StopDiscovery()
}

func TestRequiresNodeID(t *testing.T) {
	d := New(Options{}, zap.NewNop(), WithBrowser((&fakeBrowser{}).resolver))
	assert.Error(t, d.StartDiscovery(context.Background()))
}

func TestPeerFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry("x", "_reliefnet._tcp", "local.")
	_, ok := peerFromEntry(e)
	assert.False(t, ok)

	e.HostName = "relief-hq.local."
	e.Text = []string{"lan=bogus", "role=server"}
	p, ok := peerFromEntry(e)
	require.True(t, ok)
	assert.Equal(t, "relief-hq.local", p.Address)
	assert.Equal(t, 0, p.LANPort)
	assert.True(t, p.IsServer)
}
