package supervisor

import "context"

// Snapshot is a point-in-time status read. Each field comes from an
// independent check; none is atomic with the others.
type Snapshot struct {
	LoggedIn      bool `json:"logged_in"`
	QRAvailable   bool `json:"qr_available"`
	ServerRunning bool `json:"server_running"`
}

// Aggregator combines the liveness probe and the artifact checks into a
// Snapshot. Every call re-evaluates all three; nothing is cached.
type Aggregator struct {
	Probe     Prober
	Artifacts *Artifacts
}

func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	return Snapshot{
		LoggedIn:      a.Artifacts.LoggedIn(),
		QRAvailable:   a.Artifacts.QRAvailable(),
		ServerRunning: a.Probe.Probe(ctx),
	}
}
