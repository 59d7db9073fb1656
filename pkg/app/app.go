// Package app wires together the components a running tsimd server needs
// to serve HTTP requests: the Queue, DSCP pool, Registry, Scheduler,
// Reconciler, progress Tracker, and session Store. A single Application
// value is constructed once at startup and passed explicitly to the HTTP
// handlers in pkg/api — there are no package-level globals.
package app

import (
	"github.com/cuemby/tsimd/pkg/config"
	"github.com/cuemby/tsimd/pkg/dscp"
	"github.com/cuemby/tsimd/pkg/progress"
	"github.com/cuemby/tsimd/pkg/queue"
	"github.com/cuemby/tsimd/pkg/reconciler"
	"github.com/cuemby/tsimd/pkg/registry"
	"github.com/cuemby/tsimd/pkg/scheduler"
	"github.com/cuemby/tsimd/pkg/session"
	"github.com/cuemby/tsimd/pkg/types"
)

// Application holds every long-lived component the HTTP layer needs.
type Application struct {
	Config     *config.Config
	Registry   *registry.Registry
	Queue      *queue.Service
	DSCP       *dscp.Pool
	Scheduler  *scheduler.Scheduler
	Reconciler *reconciler.Reconciler
	Progress   *progress.Tracker
	Sessions   *session.Store
	Auth       session.Authenticator
	Routers    []*types.Router
}

// QuickSelectServices are the well-known ports advertised on the submit
// form: a fixed, deliberately small list of the services this analyzer
// most commonly reasons about.
var QuickSelectServices = []types.Service{
	{Port: 22, Protocol: types.ProtocolTCP},
	{Port: 80, Protocol: types.ProtocolTCP},
	{Port: 443, Protocol: types.ProtocolTCP},
	{Port: 53, Protocol: types.ProtocolUDP},
}
