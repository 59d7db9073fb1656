package executor

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/types"
)

// dscpToTOS packs a 6-bit DSCP code point into the IPv4 TOS byte's top
// six bits, leaving the two ECN bits at zero.
func dscpToTOS(dscp int) int {
	return dscp << 2
}

// phaseProbe snapshots every traced hop's chain counters immediately
// before and after sending each service's probes, so ANALYZE only has to
// diff stored snapshots and never touches the kernel again.
func (e *Executor) phaseProbe(ctx context.Context, st *runState) error {
	st.snapshots = make([][]hopSnapshot, len(st.run.Services))
	count := e.cfg.ProbingConfig.Count
	if count < 1 {
		count = 1
	}

	for i, svc := range st.run.Services {
		if err := checkCancelled(st); err != nil {
			return err
		}

		before, err := e.snapshotHops(ctx, st.hops)
		if err != nil {
			return err
		}

		for n := 0; n < count; n++ {
			if err := e.sendProbe(ctx, st.sourceHost, st.run.Destination, svc, st.run.DSCP); err != nil {
				log.WithComponent("executor").Warn().Err(err).
					Str("run_id", st.run.ID).Int("port", svc.Port).
					Msg("probe send reported a non-fatal error")
			}
		}

		after, err := e.snapshotHops(ctx, st.hops)
		if err != nil {
			return err
		}

		st.snapshots[i] = zipSnapshots(st.hops, before, after)
	}
	return nil
}

// snapshotHops reads every hop's iptables chain counters, one goroutine
// per hop, with at most cap(ioSem) reads in flight, so a trace with many
// hops doesn't open unbounded concurrent "ip netns exec ... iptables -L"
// subprocesses against the kernel.
func (e *Executor) snapshotHops(ctx context.Context, hops []types.Hop) ([][]ruleCounter, error) {
	out := make([][]ruleCounter, len(hops))
	errs := make([]error, len(hops))

	var wg sync.WaitGroup
	for i, hop := range hops {
		e.ioSem <- struct{}{}
		wg.Add(1)
		go func(i int, hop types.Hop) {
			defer wg.Done()
			defer func() { <-e.ioSem }()
			rows, err := snapshotChain(ctx, hop.Router, chainFor(hop))
			if err != nil {
				errs[i] = err
				return
			}
			out[i] = rows
		}(i, hop)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func zipSnapshots(hops []types.Hop, before, after [][]ruleCounter) []hopSnapshot {
	out := make([]hopSnapshot, len(hops))
	for i, hop := range hops {
		out[i] = hopSnapshot{hop: hop, chain: chainFor(hop), before: before[i], after: after[i]}
	}
	return out
}

// chainFor returns the real chain a probe traverses at hop: INPUT when
// the hop is the path's terminus (the packet is destined for this
// router itself), FORWARD otherwise.
func chainFor(hop types.Hop) string {
	if hop.OutIface == "local" {
		return "INPUT"
	}
	return "FORWARD"
}

// sendProbe re-execs the Executor binary as "internal-probe" inside the
// source host's namespace, so the packet is actually emitted from
// sourceHost's address rather than the Executor process's own.
func (e *Executor) sendProbe(ctx context.Context, sourceHost, destIP string, svc types.Service, dscp int) error {
	cmd := exec.CommandContext(ctx, "ip", "netns", "exec", sourceHost, e.selfPath, "internal-probe",
		"--dst", destIP,
		"--port", strconv.Itoa(svc.Port),
		"--proto", string(svc.Protocol),
		"--dscp", strconv.Itoa(dscp),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apierr.Wrap(apierr.Transient, fmt.Sprintf("probe send failed: %s", string(output)), err)
	}
	return nil
}

// RunInternalProbe is the hidden "internal-probe" subcommand entrypoint.
// It sends one DSCP-tagged packet toward dst:port from inside the
// namespace "ip netns exec" already placed it in, then exits. Whether
// anything answers is irrelevant — only the firewall counters the packet
// crossed on the way matter — so a local dial timeout or refusal is not
// reported as a failure.
func RunInternalProbe(args []string) int {
	fs := flag.NewFlagSet("internal-probe", flag.ContinueOnError)
	dst := fs.String("dst", "", "destination IP")
	port := fs.Int("port", 0, "destination port")
	proto := fs.String("proto", "tcp", "tcp or udp")
	dscp := fs.Int("dscp", 0, "DSCP code point to tag the packet with")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	tos := dscpToTOS(*dscp)
	dialer := net.Dialer{
		Timeout: 2 * time.Second,
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := net.JoinHostPort(*dst, strconv.Itoa(*port))
	switch types.Protocol(*proto) {
	case types.ProtocolTCP:
		conn, _ := dialer.Dial("tcp", addr)
		if conn != nil {
			conn.Close()
		}
		return 0
	case types.ProtocolUDP:
		conn, err := dialer.Dial("udp", addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("tsimd-probe")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "internal-probe: unknown protocol %q\n", *proto)
		return 2
	}
}
