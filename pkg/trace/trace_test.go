package trace

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/types"
)

func mustParseIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		panic("invalid test IP: " + s)
	}
	return ip
}

func twoRouterTopology() []*types.Router {
	hq := &types.Router{
		Name: "hq-gw",
		Interfaces: []*types.Interface{
			{Name: "eth0", Addresses: []*types.Address{{IP: "10.1.1.1", Prefix: 24}}},
			{Name: "eth1", Addresses: []*types.Address{{IP: "10.0.0.1", Prefix: 30}}},
		},
		Routes: []*types.Route{
			{Table: "main", Destination: "10.2.1.0/24", Gateway: "10.0.0.2", Device: "eth1"},
		},
	}
	br := &types.Router{
		Name: "br-gw",
		Interfaces: []*types.Interface{
			{Name: "eth0", Addresses: []*types.Address{{IP: "10.2.1.1", Prefix: 24}}},
			{Name: "eth1", Addresses: []*types.Address{{IP: "10.0.0.2", Prefix: 30}}},
		},
	}
	return []*types.Router{hq, br}
}

func TestComputeReachesDirectlyConnectedDestination(t *testing.T) {
	routers := twoRouterTopology()
	hops, err := Compute(routers, "10.1.1.10", "10.2.1.10")
	require.NoError(t, err)
	require.Len(t, hops, 2)
	assert.Equal(t, "hq-gw", hops[0].Router)
	assert.Equal(t, "eth1", hops[0].OutIface)
	assert.Equal(t, "br-gw", hops[1].Router)
	assert.Equal(t, "local", hops[1].OutIface)
}

func TestComputeNoRouteToDestination(t *testing.T) {
	routers := twoRouterTopology()
	_, err := Compute(routers, "10.1.1.10", "10.9.9.9")
	require.Error(t, err)
	var noRoute *NoRouteError
	require.ErrorAs(t, err, &noRoute)
}

func TestComputeInvalidDestination(t *testing.T) {
	routers := twoRouterTopology()
	_, err := Compute(routers, "10.1.1.10", "not-an-ip")
	require.Error(t, err)
}

func TestComputeDetectsLoop(t *testing.T) {
	a := &types.Router{
		Name:       "a",
		Interfaces: []*types.Interface{{Name: "eth0", Addresses: []*types.Address{{IP: "10.0.0.1", Prefix: 30}}}},
		Routes:     []*types.Route{{Table: "main", Destination: "10.9.9.0/24", Gateway: "10.0.0.2", Device: "eth0"}},
	}
	b := &types.Router{
		Name:       "b",
		Interfaces: []*types.Interface{{Name: "eth0", Addresses: []*types.Address{{IP: "10.0.0.2", Prefix: 30}}}},
		Routes:     []*types.Route{{Table: "main", Destination: "10.9.9.0/24", Gateway: "10.0.0.1", Device: "eth0"}},
	}
	_, err := Compute([]*types.Router{a, b}, "10.0.0.1", "10.9.9.9")
	require.Error(t, err)
	var loopErr *LoopError
	require.ErrorAs(t, err, &loopErr)
}

func TestLongestPrefixMatchPrefersMoreSpecific(t *testing.T) {
	routes := []*types.Route{
		{Destination: "10.0.0.0/8", Device: "eth0"},
		{Destination: "10.2.1.0/24", Device: "eth1"},
	}
	best := longestPrefixMatch(routes, mustParseIP("10.2.1.5"))
	require.NotNil(t, best)
	assert.Equal(t, "eth1", best.Device)
}
