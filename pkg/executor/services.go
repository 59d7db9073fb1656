package executor

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

// phaseStartServices starts one accept-and-drop listener per requested
// service inside the destination host's namespace, each as its own
// re-exec'd "internal-listen" process so it survives independently of the
// Executor's own goroutines and can be killed outright at CLEANUP.
func (e *Executor) phaseStartServices(ctx context.Context, st *runState) error {
	for i, svc := range st.run.Services {
		if err := checkCancelled(st); err != nil {
			return err
		}

		cmd := exec.Command("ip", "netns", "exec", st.destHost, e.selfPath, "internal-listen",
			"--port", strconv.Itoa(svc.Port), "--proto", string(svc.Protocol))
		if err := cmd.Start(); err != nil {
			return apierr.Wrap(apierr.Transient,
				fmt.Sprintf("executor: cannot start listener for %d/%s", svc.Port, svc.Protocol), err)
		}
		st.listeners = append(st.listeners, listenerHandle{
			cmd: cmd, port: svc.Port, protocol: svc.Protocol, serviceIdx: i,
		})

		name := fmt.Sprintf("%d-%s", svc.Port, svc.Protocol)
		if err := e.registry.RegisterService(st.destHost, name, st.run.Destination, svc.Port, svc.Protocol, st.owner); err != nil {
			return err
		}
		st.registeredServices = append(st.registeredServices, registeredService{namespace: st.destHost, name: name})
	}
	return nil
}

func stopListener(l listenerHandle) error {
	if l.cmd.Process == nil {
		return nil
	}
	if err := l.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("listener %d/%s: %w", l.port, l.protocol, err)
	}
	_ = l.cmd.Wait()
	return nil
}

// RunInternalListen is the hidden "internal-listen" subcommand entrypoint.
// It runs inside the destination host's namespace (entered by the parent
// via "ip netns exec") and binds one listener that accepts every
// connection or datagram and drops it without responding — the service
// under test only needs to exist, never to answer.
func RunInternalListen(args []string) int {
	fs := flag.NewFlagSet("internal-listen", flag.ContinueOnError)
	port := fs.Int("port", 0, "port to listen on")
	proto := fs.String("proto", "tcp", "tcp or udp")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	addr := fmt.Sprintf(":%d", *port)

	switch types.Protocol(*proto) {
	case types.ProtocolTCP:
		return listenTCP(addr)
	case types.ProtocolUDP:
		return listenUDP(addr)
	default:
		fmt.Fprintf(os.Stderr, "internal-listen: unknown protocol %q\n", *proto)
		return 2
	}
}

func listenTCP(addr string) int {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return 0
		}
		conn.Close() // accept and drop: no response is ever written
	}
}

func listenUDP(addr string) int {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer conn.Close()
	buf := make([]byte, 1500)
	for {
		if _, _, err := conn.ReadFrom(buf); err != nil {
			return 0
		}
		// read and discard: no response is ever written
	}
}
