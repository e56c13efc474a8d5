package netmode

import "github.com/atinyakov/ReliefNet/internal/models"

// DecideMode picks the connectivity tier from one round of observations.
// ONLINE_LOCAL is only produced when preferLAN is set.
func DecideMode(internet bool, peers int, preferLAN, lanServer bool) models.NetworkMode {
	switch {
	case internet:
		return models.OnlineCloud
	case preferLAN && lanServer:
		return models.OnlineLocal
	case peers > 0:
		return models.OfflineMesh
	default:
		return models.OfflineStandalone
	}
}

// transportSet lists the transports a mode keeps enabled.
type transportSet struct {
	cloud bool
	lan   bool
	mesh  bool
}

func transportsFor(m models.NetworkMode) transportSet {
	switch m {
	case models.OnlineCloud:
		return transportSet{cloud: true}
	case models.OnlineLocal:
		return transportSet{cloud: true, lan: true}
	case models.OfflineMesh:
		return transportSet{mesh: true}
	default:
		return transportSet{}
	}
}
