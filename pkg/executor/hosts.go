package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/materializer"
	"github.com/cuemby/tsimd/pkg/trace"
	"github.com/cuemby/tsimd/pkg/types"
)

// dynamicHostPrefix marks namespace names the Executor itself created
// (as opposed to a router name reused because the endpoint IP already
// belonged to one), so CLEANUP knows which to tear down.
const dynamicHostPrefix = "tsim-h-"

// phaseTrace computes (or accepts) the forward path and persists it as
// the run's trace artifact before any kernel resource is touched.
func (e *Executor) phaseTrace(ctx context.Context, st *runState) error {
	if len(st.run.UserTrace) > 0 {
		st.hops = st.run.UserTrace
	} else {
		hops, err := trace.Compute(st.routers, st.run.Source, st.run.Destination)
		if err != nil {
			return err
		}
		st.hops = hops
	}
	return e.writeTraceArtifact(st)
}

func (e *Executor) writeTraceArtifact(st *runState) error {
	dir := e.runDir(st.run.ID)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return apierr.Wrap(apierr.Fatal, "executor: cannot create run directory", err)
	}
	data, err := json.MarshalIndent(st.hops, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.Fatal, "executor: cannot marshal trace", err)
	}
	path := dir + "/trace.json"
	if err := os.WriteFile(path, data, 0o660); err != nil {
		return apierr.Wrap(apierr.Transient, "executor: cannot write trace artifact", err)
	}
	st.run.TracePath = path
	return nil
}

// phaseSetupHosts materializes a dynamic host namespace for the source
// and destination endpoints, skipping any endpoint whose address already
// belongs to a router interface.
func (e *Executor) phaseSetupHosts(ctx context.Context, st *runState) error {
	src, err := e.ensureHost(ctx, st, "src", st.run.Source)
	if err != nil {
		return err
	}
	st.sourceHost = src

	if err := checkCancelled(st); err != nil {
		return err
	}

	dst, err := e.ensureHost(ctx, st, "dst", st.run.Destination)
	if err != nil {
		return err
	}
	st.destHost = dst
	return nil
}

// ensureHost returns the namespace that owns ip: an existing router
// namespace when ip belongs to one of its interfaces, otherwise a freshly
// materialized dynamic host namespace named from role and the run ID.
func (e *Executor) ensureHost(ctx context.Context, st *runState, role, ip string) (string, error) {
	if router := trace.RouterOwning(st.routers, ip); router != nil {
		return router.Name, nil
	}

	bridge, prefix, err := e.bridgeFor(ip)
	if err != nil {
		return "", err
	}

	hostName := fmt.Sprintf("%s%s-%s", dynamicHostPrefix, role, st.run.ID)
	addrCIDR := fmt.Sprintf("%s/%d", ip, prefix)

	buf := e.mat.MaterializeHost(hostName, addrCIDR, bridge)
	if err := buf.Run(ctx); err != nil {
		return "", err
	}
	if err := e.registry.RegisterHost(hostName, addrCIDR, bridge, st.owner); err != nil {
		return "", err
	}
	return hostName, nil
}

func (e *Executor) bridgeFor(ip string) (bridge string, prefix int, err error) {
	b, found := e.registry.FindBridgeContaining(ip)
	if !found {
		return "", 0, apierr.New(apierr.NotFound, fmt.Sprintf("executor: no bridge reaches %s", ip))
	}
	return b.Name, b.Prefix, nil
}

func isDynamicHost(name string) bool {
	return strings.HasPrefix(name, dynamicHostPrefix)
}

// phaseCleanup tears down every kernel resource st accumulated: listener
// processes, dynamic host namespaces, and their Registry entries. It is
// always attempted, even when an earlier phase failed, and individual
// teardown failures are collected rather than aborting the rest.
func (e *Executor) phaseCleanup(ctx context.Context, st *runState) error {
	var errs []string

	for _, l := range st.listeners {
		if err := stopListener(l); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for _, svc := range st.registeredServices {
		_ = e.registry.UnregisterService(svc.namespace, svc.name)
	}

	for _, host := range []string{st.sourceHost, st.destHost} {
		if host == "" || !isDynamicHost(host) {
			continue
		}
		if err := materializer.CleanupHost(ctx, host); err != nil {
			errs = append(errs, err.Error())
		}
		_ = e.registry.UnregisterHost(host)
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}
