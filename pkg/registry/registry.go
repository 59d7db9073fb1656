package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

const lockTimeout = 5 * time.Second

// shortCodeAlphabet is the ascii alphabet short codes are drawn from, in
// order, so each new name gets the smallest unused code.
const shortCodeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Registry is the process-addressable table of routers, interfaces,
// bridges, hosts, and services. Each sub-table's mutating
// operations are serialized through one named file lock; reads take only
// the in-process mutex, never the file lock, matching the "lookups are
// lock-free reads; writers serialize through the lock" discipline.
type Registry struct {
	region *Region
	dir    string

	mu         sync.RWMutex
	routers    map[string]string // name -> code
	interfaces map[string]string // "<routerCode>/<ifaceName>" -> code
	bridges    map[string]*types.BridgeRecord
	hosts      map[string]*types.HostRecord
	services   map[string]*types.ServiceRecord // "<ns>/<name>" -> record

	routersLock    *flock.Flock
	interfacesLock *flock.Flock
	bridgesLock    *flock.Flock
	hostsLock      *flock.Flock
	servicesLock   *flock.Flock
}

// Open opens the Registry's shared region under dir (normally
// "<data_dir>/registries") and its five named lock files under
// "<data_dir>/locks".
func Open(dataDir string) (*Registry, error) {
	region, err := OpenRegion(dataDir + "/registries/region.shm")
	if err != nil {
		return nil, err
	}
	lockDir := dataDir + "/locks"
	r := &Registry{
		region:         region,
		dir:            dataDir,
		routers:        make(map[string]string),
		interfaces:     make(map[string]string),
		bridges:        make(map[string]*types.BridgeRecord),
		hosts:          make(map[string]*types.HostRecord),
		services:       make(map[string]*types.ServiceRecord),
		routersLock:    flock.New(fmtLockPath(lockDir, "routers")),
		interfacesLock: flock.New(fmtLockPath(lockDir, "interfaces")),
		bridgesLock:    flock.New(fmtLockPath(lockDir, "bridges")),
		hostsLock:      flock.New(fmtLockPath(lockDir, "hosts")),
		servicesLock:   flock.New(fmtLockPath(lockDir, "services")),
	}
	return r, nil
}

// Close releases the shared region. The sub-registry tables are held in
// this process's memory and are not written to the region, so their
// contents are not seen by other processes and do not survive a restart.
func (r *Registry) Close() error {
	return r.region.Close()
}

func withLock(l *flock.Flock, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := l.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return apierr.Wrap(apierr.Transient, "registry: lock acquisition failed", err)
	}
	if !locked {
		return apierr.New(apierr.Transient, "registry busy")
	}
	defer l.Unlock()
	return fn()
}

// RegisterRouter assigns and returns the smallest unused short code for
// name, or the existing code if name is already registered.
func (r *Registry) RegisterRouter(name string) (string, error) {
	var code string
	err := withLock(r.routersLock, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.routers[name]; ok {
			code = existing
			return nil
		}
		code = nextShortCode(codeSet(r.routers))
		r.routers[name] = code
		return nil
	})
	return code, err
}

// RegisterInterface assigns a short code for (routerCode, ifaceName).
func (r *Registry) RegisterInterface(routerCode, ifaceName string) (string, error) {
	key := routerCode + "/" + ifaceName
	var code string
	err := withLock(r.interfacesLock, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.interfaces[key]; ok {
			code = existing
			return nil
		}
		code = nextShortCode(codeSet(r.interfaces))
		r.interfaces[key] = code
		return nil
	})
	return code, err
}

// RegisterBridge creates (or keeps the existing) bridge record named name.
// index is the number of bridges registered after the call, used only for
// diagnostics.
func (r *Registry) RegisterBridge(name, subnet string, prefix int) (int, error) {
	var index int
	err := withLock(r.bridgesLock, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.bridges[name]; ok {
			_ = existing
			index = len(r.bridges)
			return nil
		}
		r.bridges[name] = &types.BridgeRecord{Name: name, Subnet: subnet, Prefix: prefix, Created: true}
		index = len(r.bridges)
		return nil
	})
	return index, err
}

// FindBridgeBySubnet returns the bridge registered for subnet/prefix, if
// any. This is a lock-free read.
func (r *Registry) FindBridgeBySubnet(subnet string, prefix int) (*types.BridgeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bridges {
		if b.Subnet == subnet && b.Prefix == prefix {
			return b, true
		}
	}
	return nil, false
}

// FindBridgeContaining returns the bridge whose subnet contains ip. Used
// by the Executor's SETUP_HOSTS phase to attach a dynamic host to the
// right bridge without re-deriving the topology's subnet assignment.
func (r *Registry) FindBridgeContaining(ip string) (*types.BridgeRecord, bool) {
	target := net.ParseIP(ip)
	if target == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bridges {
		_, network, err := net.ParseCIDR(fmt.Sprintf("%s/%d", b.Subnet, b.Prefix))
		if err != nil {
			continue
		}
		if network.Contains(target) {
			return b, true
		}
	}
	return nil, false
}

// RegisterHost adds a dynamic host entry owned by tag.
func (r *Registry) RegisterHost(name, addrCIDR, router string, tag types.OwnerTag) error {
	return withLock(r.hostsLock, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.hosts[name] = &types.HostRecord{Name: name, AddrCIDR: addrCIDR, Router: router, CreatedBy: tag}
		return nil
	})
}

// UnregisterHost removes a dynamic host entry.
func (r *Registry) UnregisterHost(name string) error {
	return withLock(r.hostsLock, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.hosts, name)
		return nil
	})
}

// RegisterService adds a running probe-target listener entry.
func (r *Registry) RegisterService(namespace, name, ip string, port int, proto types.Protocol, tag types.OwnerTag) error {
	key := namespace + "/" + name
	return withLock(r.servicesLock, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.services[key] = &types.ServiceRecord{Namespace: namespace, Name: name, IP: ip, Port: port, Protocol: proto, CreatedBy: tag}
		return nil
	})
}

// UnregisterService removes a service entry.
func (r *Registry) UnregisterService(namespace, name string) error {
	key := namespace + "/" + name
	return withLock(r.servicesLock, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.services, key)
		return nil
	})
}

// IterateByOwner returns all host and service records created by tag,
// used by the Reconciler to find resources abandoned by a dead owner.
func (r *Registry) IterateByOwner(tag types.OwnerTag) (hosts []*types.HostRecord, services []*types.ServiceRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hosts {
		if h.CreatedBy == tag {
			hosts = append(hosts, h)
		}
	}
	for _, s := range r.services {
		if s.CreatedBy == tag {
			services = append(services, s)
		}
	}
	return hosts, services
}

// AllOwners returns the distinct OwnerTags currently holding a host or
// service entry, for the Reconciler's liveness sweep.
func (r *Registry) AllOwners() []types.OwnerTag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[types.OwnerTag]bool)
	for _, h := range r.hosts {
		seen[h.CreatedBy] = true
	}
	for _, s := range r.services {
		seen[s.CreatedBy] = true
	}
	owners := make([]types.OwnerTag, 0, len(seen))
	for tag := range seen {
		owners = append(owners, tag)
	}
	return owners
}

// ClearAll wipes every sub-registry's in-process table. No server route
// or tsimctl command calls it.
func (r *Registry) ClearAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routers = make(map[string]string)
	r.interfaces = make(map[string]string)
	r.bridges = make(map[string]*types.BridgeRecord)
	r.hosts = make(map[string]*types.HostRecord)
	r.services = make(map[string]*types.ServiceRecord)
	return nil
}

// Snapshot returns a JSON-serializable view of the full registry state,
// for /admin/queue-style diagnostics and tests.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type snap struct {
		Routers    map[string]string             `json:"routers"`
		Interfaces map[string]string              `json:"interfaces"`
		Bridges    map[string]*types.BridgeRecord `json:"bridges"`
		Hosts      map[string]*types.HostRecord   `json:"hosts"`
		Services   map[string]*types.ServiceRecord `json:"services"`
	}
	return json.Marshal(snap{r.routers, r.interfaces, r.bridges, r.hosts, r.services})
}

func codeSet(m map[string]string) map[string]bool {
	set := make(map[string]bool, len(m))
	for _, v := range m {
		set[v] = true
	}
	return set
}

// nextShortCode returns the smallest code (by length, then alphabet
// position) not present in used, enumerating the base-len(shortCodeAlphabet)
// sequence "a".."9","aa".."99",... without materializing whole code spaces.
func nextShortCode(used map[string]bool) string {
	base := len(shortCodeAlphabet)
	for n := 0; ; n++ {
		code := indexToCode(n, base)
		if !used[code] {
			return code
		}
	}
}

// indexToCode maps a dense integer index to a short code in
// shortCodeAlphabet, ordering "a","b",...,"9","aa","ab",...
func indexToCode(n, base int) string {
	// bijective base-N numbering: 1-indexed digits, no leading "a" ambiguity.
	n++
	var digits []byte
	for n > 0 {
		n--
		digits = append([]byte{shortCodeAlphabet[n%base]}, digits...)
		n /= base
	}
	return string(digits)
}
