package models

import "time"

// NetworkMode is the connectivity tier the node currently operates in.
type NetworkMode int

const (
	// OfflineStandalone is the zero value: no internet and no peers.
	OfflineStandalone NetworkMode = iota
	OnlineCloud
	OnlineLocal
	OfflineMesh
)

// String implements fmt.Stringer.
func (m NetworkMode) String() string {
	switch m {
	case OnlineCloud:
		return "ONLINE_CLOUD"
	case OnlineLocal:
		return "ONLINE_LOCAL"
	case OfflineMesh:
		return "OFFLINE_MESH"
	case OfflineStandalone:
		return "OFFLINE_STANDALONE"
	}
	return "UNKNOWN"
}

// NetworkRole is derived once from the authenticated user's type.
type NetworkRole int

const (
	SurvivorClient NetworkRole = iota
	VolunteerClient
	AuthorityServer
)

// String implements fmt.Stringer.
func (r NetworkRole) String() string {
	switch r {
	case AuthorityServer:
		return "AUTHORITY_SERVER"
	case VolunteerClient:
		return "VOLUNTEER_CLIENT"
	case SurvivorClient:
		return "SURVIVOR_CLIENT"
	}
	return "UNKNOWN"
}

// RoleFor maps a user type to its network role. Unknown types get the
// least privileged role.
func RoleFor(t UserType) NetworkRole {
	switch t {
	case Authority:
		return AuthorityServer
	case Volunteer:
		return VolunteerClient
	default:
		return SurvivorClient
	}
}

// PeerInfo describes a node seen on the local network.
type PeerInfo struct {
	// Name is the advertised service instance name.
	Name string
	// Address is the first usable IP address of the peer.
	Address string
	// Port is the advertised mesh TCP port.
	Port int
	// LANPort is the port of the peer's LAN WebSocket server, when it runs one.
	LANPort int
	// NodeID is the peer's mesh node id, when advertised.
	NodeID string
	// IsServer reports whether the peer advertises itself as the LAN server.
	IsServer bool
	// DiscoveredAt is when the peer was first resolved.
	DiscoveredAt time.Time
}
