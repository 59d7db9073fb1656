package executor

import (
	"os/exec"

	"github.com/cuemby/tsimd/pkg/types"
)

// runState carries the per-phase working data for one Execute call.
// Nothing here outlives a single run.
type runState struct {
	run     *types.Run
	routers []*types.Router
	owner   types.OwnerTag
	cancel  <-chan struct{}

	hops []types.Hop

	// sourceHost/destHost are dynamic host namespace names, or a router
	// name when the endpoint IP already belongs to one of its
	// interfaces (ensureHost skips materializing a host in that case).
	sourceHost string
	destHost   string

	listeners          []listenerHandle
	registeredServices []registeredService

	// snapshots[i] holds the per-hop before/after counters for
	// run.Services[i], filled in by PROBE and consumed by ANALYZE.
	snapshots [][]hopSnapshot
}

type listenerHandle struct {
	cmd        *exec.Cmd
	port       int
	protocol   types.Protocol
	serviceIdx int
}

type registeredService struct {
	namespace string
	name      string
}

// hopSnapshot pairs one traced hop with its chain's rule counters taken
// immediately before and after a service's probe round.
type hopSnapshot struct {
	hop    types.Hop
	chain  string
	before []ruleCounter
	after  []ruleCounter
}
