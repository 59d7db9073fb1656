// Package trace computes the forward path a packet would take across a
// set of loaded routers, by longest-prefix route match hop by hop. It
// never touches the kernel; it only reasons over the closed
// types.Router/Route record types.
package trace

import (
	"fmt"
	"net"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

// NoRouteError reports that no router in the topology can forward toward
// destination. Surfaces as a PhaseFailure{Phase: "TRACE"} at the executor
// boundary.
type NoRouteError struct {
	Destination string
	At          string // router name where the search stalled, if any
}

func (e *NoRouteError) Error() string {
	if e.At != "" {
		return fmt.Sprintf("trace: no route to %s at %s", e.Destination, e.At)
	}
	return fmt.Sprintf("trace: no route to %s", e.Destination)
}

// LoopError reports that path computation revisited a router, indicating
// a routing loop in the loaded facts.
type LoopError struct {
	Router string
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("trace: routing loop detected at %s", e.Router)
}

// Compute walks routers to build a forward path from source to destination,
// returning the ordered hop list (router + ingress/egress interface names).
// Routers is the full loaded topology; source/destination are IP strings.
func Compute(routers []*types.Router, source, destination string) ([]types.Hop, error) {
	dstIP := net.ParseIP(destination)
	if dstIP == nil {
		return nil, apierr.New(apierr.InvalidInput, fmt.Sprintf("trace: invalid destination %q", destination))
	}

	start := routerOwning(routers, source)
	if start == nil {
		return nil, &NoRouteError{Destination: destination}
	}

	byName := make(map[string]*types.Router, len(routers))
	for _, r := range routers {
		byName[r.Name] = r
	}

	var hops []types.Hop
	visited := make(map[string]bool)
	current := start
	inIface := ""

	for {
		if visited[current.Name] {
			return nil, &LoopError{Router: current.Name}
		}
		visited[current.Name] = true

		if ownsAddress(current, dstIP) {
			hops = append(hops, types.Hop{Router: current.Name, InIface: inIface, OutIface: "local"})
			return hops, nil
		}

		route := longestPrefixMatch(current.Routes, dstIP)
		if route == nil {
			return nil, &NoRouteError{Destination: destination, At: current.Name}
		}

		hops = append(hops, types.Hop{Router: current.Name, InIface: inIface, OutIface: route.Device})

		if route.Gateway == "" {
			// directly connected network with no further router hop known
			return hops, nil
		}
		next := routerOwningGateway(routers, route.Gateway)
		if next == nil {
			// gateway is outside the modeled topology (e.g. upstream ISP);
			// the path ends here, not an error.
			return hops, nil
		}
		inIface = ifaceTowards(next, current.Name)
		current = next
	}
}

// RouterOwning returns the router that owns ip as an interface address,
// or nil. Exported for the Executor's SETUP_HOSTS phase, which needs to
// know whether a run's source/destination already belongs to a router
// before materializing a dynamic host for it.
func RouterOwning(routers []*types.Router, ip string) *types.Router {
	return routerOwning(routers, ip)
}

func routerOwning(routers []*types.Router, ip string) *types.Router {
	target := net.ParseIP(ip)
	if target == nil {
		return nil
	}
	for _, r := range routers {
		if ownsAddress(r, target) {
			return r
		}
	}
	return nil
}

func routerOwningGateway(routers []*types.Router, gateway string) *types.Router {
	for _, r := range routers {
		for _, iface := range r.Interfaces {
			for _, addr := range iface.Addresses {
				if addr.IP == gateway {
					return r
				}
			}
		}
	}
	return nil
}

func ownsAddress(r *types.Router, ip net.IP) bool {
	for _, iface := range r.Interfaces {
		for _, addr := range iface.Addresses {
			if addr.IP == ip.String() {
				return true
			}
			if within(addr, ip) {
				return true
			}
		}
	}
	return false
}

func within(addr *types.Address, ip net.IP) bool {
	_, network, err := net.ParseCIDR(fmt.Sprintf("%s/%d", addr.IP, addr.Prefix))
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

// ifaceTowards returns the name of r's first interface; the peer router is
// not consulted. Used only for informational Hop.InIface.
func ifaceTowards(r *types.Router, _ string) string {
	if len(r.Interfaces) == 0 {
		return ""
	}
	return r.Interfaces[0].Name
}

// longestPrefixMatch returns the route in routes whose destination CIDR
// covers ip with the longest prefix, or nil if none matches. Table "local"
// entries are never present here (facts loader excludes them).
func longestPrefixMatch(routes []*types.Route, ip net.IP) *types.Route {
	var best *types.Route
	bestPrefix := -1
	for _, route := range routes {
		if route.Protocol == "unreachable" || route.Protocol == "blackhole" || route.Protocol == "prohibit" {
			continue
		}
		_, network, err := net.ParseCIDR(route.Destination)
		if err != nil {
			continue
		}
		if !network.Contains(ip) {
			continue
		}
		ones, _ := network.Mask.Size()
		if ones > bestPrefix {
			bestPrefix = ones
			best = route
		}
	}
	return best
}
