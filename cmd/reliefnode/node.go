package main

import (
	"context"
	"fmt"
	"net"

	"github.com/atinyakov/ReliefNet/internal/config"
	"github.com/atinyakov/ReliefNet/internal/db"
	"github.com/atinyakov/ReliefNet/internal/discovery"
	"github.com/atinyakov/ReliefNet/internal/netmode"
	"github.com/atinyakov/ReliefNet/internal/repository"
	"github.com/atinyakov/ReliefNet/internal/transport"
	"github.com/atinyakov/ReliefNet/internal/transport/cloud"
	"github.com/atinyakov/ReliefNet/internal/transport/local"
	"github.com/atinyakov/ReliefNet/internal/transport/mesh"
	"go.uber.org/zap"
)

// node is one fully wired relief node.
type node struct {
	id    string
	store *db.Store
	repo  *repository.LocalRepository
	inbox *transport.Inbox
	cloud *cloud.Transport
	lan   *local.Transport
	mesh  *mesh.Transport
	disc  *discovery.Discovery
	ctl   *netmode.Controller
}

func buildNode(o *config.Options, log *zap.Logger) (*node, error) {
	store, err := db.Open(o.Store.Driver, o.Store.DSN, db.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	id := o.Mesh.NodeID
	if id == "" {
		id = mesh.NewNodeID()
	}

	repo := repository.NewLocalRepository(store)
	inbox := transport.NewInbox(repo, log.Named("inbox"))

	n := &node{
		id:    id,
		store: store,
		repo:  repo,
		inbox: inbox,
		cloud: cloud.New(repo, cloud.Options{
			BaseURL: o.Cloud.BaseURL,
			Suffix:  o.Cloud.Suffix,
			Paths:   o.Cloud.Paths,
			Timeout: o.Cloud.Timeout,
			Workers: o.Cloud.Workers,
			Rate:    o.Cloud.Rate,
		}, log.Named("cloud")),
		lan: local.New(inbox, local.Options{
			Port:          o.LAN.Port,
			Path:          o.LAN.Path,
			RemoteURL:     o.LAN.RemoteURL,
			HistoryWindow: o.History.Window,
			HistoryLimit:  o.History.Limit,
		}, log.Named("lan")),
		mesh: mesh.New(inbox, mesh.Options{
			Port:              o.Mesh.Port,
			DiscoveryPort:     o.Mesh.DiscoveryPort,
			BroadcastAddrs:    o.Mesh.BroadcastAddrs,
			Tag:               o.Mesh.Tag,
			BroadcastInterval: o.Mesh.BroadcastInterval,
			MaxPeers:          o.Mesh.MaxPeers,
			SeenCacheSize:     o.Mesh.SeenCacheSize,
			SeenCacheTTL:      o.Mesh.SeenCacheTTL,
			HistoryWindow:     o.History.Window,
			HistoryLimit:      o.History.Limit,
			PeerRate:          o.Mesh.PeerRate,
			PeerBurst:         o.Mesh.PeerBurst,
			NodeID:            id,
		}, log.Named("mesh")),
		disc: discovery.New(discovery.Options{
			Service:        o.Discovery.Service,
			Domain:         o.Discovery.Domain,
			NodeID:         id,
			MeshPort:       o.Mesh.Port,
			LANPort:        o.LAN.Port,
			BrowseInterval: o.Discovery.BrowseInterval,
			PeerTTL:        o.Discovery.PeerTTL,
		}, log.Named("discovery")),
	}

	n.ctl = netmode.New(netmode.Deps{
		Repo:      repo,
		Inbox:     inbox,
		Cloud:     n.cloud,
		LAN:       n.lan,
		Mesh:      n.mesh,
		Discovery: n.disc,
		Prober:    prober(o),
	}, netmode.Options{
		Interval:     o.Mode.Interval,
		SyncInterval: o.Mode.SyncInterval,
		ProbeTimeout: o.Mode.ProbeTimeout,
		PreferLAN:    o.Mode.PreferLAN,
	}, log.Named("netmode"))
	return n, nil
}

// prober bounds each dial by the probe timeout.
func prober(o *config.Options) netmode.TCPProber {
	d := &net.Dialer{Timeout: o.Mode.ProbeTimeout}
	return netmode.TCPProber{Targets: o.Mode.ProbeTargets, Dial: d.DialContext}
}

// close stops every transport and releases the store.
func (n *node) close() {
	n.ctl.Shutdown()
	_ = n.store.Close()
}

// startBacklogMonitor logs the unsynced record count until ctx ends.
func (n *node) startBacklogMonitor(ctx context.Context, o *config.Options, log *zap.Logger) {
	if o.Store.BacklogInterval > 0 {
		db.StartBacklogMonitor(ctx, n.store, o.Store.BacklogInterval, log.Named("backlog"))
	}
}
