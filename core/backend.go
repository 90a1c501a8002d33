package core

import (
	"context"

	"github.com/signalsfoundry/mesh-emulator/model"
)

// Handle is a backend-specific token returned by a notification and passed
// back on every later notification for the same link.
type Handle any

// ConnectionDescriptor identifies the scenario run a notification belongs to.
type ConnectionDescriptor struct {
	RunID    string
	Scenario string
	ServerID int
}

// LinkEvent is the argument of every backend notification.
type LinkEvent struct {
	ConnectionID uint64
	Key          model.ConnectionKey
	Kind         model.ConnectionKind
	Left         model.Endpoint
	Right        model.Endpoint
	Settings     model.Settings
	Distance     float64
	Step         int
	Descriptor   ConnectionDescriptor
	Handle       Handle

	// RemoteServer is non-zero when endpoint RemoteNode lives on another
	// server; RemoteAddress is that server's tunnel address.
	RemoteNode    int
	RemoteServer  int
	RemoteAddress string
}

// Backend executes link lifecycle transitions on the host network. Any
// returned error aborts the current tick and the scenario.
type Backend interface {
	BeforeLinkEstablished(ctx context.Context, ev LinkEvent) (Handle, error)
	AfterLinkEstablished(ctx context.Context, ev LinkEvent) (Handle, error)
	BeforeImpair(ctx context.Context, ev LinkEvent) (Handle, error)
	AfterImpair(ctx context.Context, ev LinkEvent) (Handle, error)
	LinkUp(ctx context.Context, ev LinkEvent) (Handle, error)
	LinkDown(ctx context.Context, ev LinkEvent) (Handle, error)
	ConnectionAcrossServers(ctx context.Context, ev LinkEvent) (Handle, error)
}

// TickCommitter is implemented by backends that collect work during a tick
// and execute it as one batch once every notification of the tick is known.
type TickCommitter interface {
	CommitTick(ctx context.Context, step int) error
}

// DistanceProvider supplies the distance matrix of each tick.
type DistanceProvider interface {
	Distances(ctx context.Context, step int) (DistanceMatrix, error)
}

// StepMetrics receives engine measurements. observability.EngineCollector
// implements it.
type StepMetrics interface {
	ObserveTick(changedPairs int, seconds float64, skipped bool)
	CountNotification(name string)
	SetConnections(active, inactive int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTick(int, float64, bool) {}
func (noopMetrics) CountNotification(string)       {}
func (noopMetrics) SetConnections(int, int)        {}
