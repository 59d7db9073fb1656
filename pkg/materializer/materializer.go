// Package materializer turns parsed router facts into a deterministic
// sequence of kernel network operations that instantiate the modeled
// topology: namespaces, veth pairs, a hidden-mesh bridge fabric, addresses,
// routes, policy rules, ipsets, and iptables rules. Commands are batched
// per namespace and executed as one shell invocation, generalized from
// one-exec-per-rule to one-exec-per-namespace-batch.
package materializer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/metrics"
	"github.com/cuemby/tsimd/pkg/registry"
	"github.com/cuemby/tsimd/pkg/types"
)

// HiddenNamespace is the configured constant shared-fabric namespace name.
const HiddenNamespace = "tsim-hidden"

// CommandBuffer accumulates shell command lines for one namespace, in
// insertion order, to be executed as a single batch.
type CommandBuffer struct {
	namespace string
	lines     []string
	failures  []string // non-fatal per-command failures, reported by phase
}

// NewCommandBuffer starts an empty buffer for namespace.
func NewCommandBuffer(namespace string) *CommandBuffer {
	return &CommandBuffer{namespace: namespace}
}

// Add appends one command line, exactly as it would be typed at a host
// shell; a line that targets a namespace carries its own
// "ip netns exec <ns>" prefix.
func (b *CommandBuffer) Add(format string, args ...any) {
	b.lines = append(b.lines, fmt.Sprintf(format, args...))
}

// Failures returns the combined output of every Run of b whose script
// exited non-zero. The script's exit status is that of its last line.
// Individual command failures are warnings, not fatal.
func (b *CommandBuffer) Failures() []string {
	return b.failures
}

// Materializer runs CommandBuffers against the kernel and registers
// resulting bridges/hosts/services in the Registry.
type Materializer struct {
	registry *registry.Registry
}

// New constructs a Materializer that registers fabric state in reg.
func New(reg *registry.Registry) *Materializer {
	return &Materializer{registry: reg}
}

// BridgeName derives the deterministic 15-character bridge name for a
// subnet/prefix: "b" + 12 digits encoding the four octets + 2 digits
// encoding the prefix length.
func BridgeName(subnet string, prefix int) (string, error) {
	octets := strings.Split(subnet, ".")
	if len(octets) != 4 {
		return "", apierr.New(apierr.InvalidInput, fmt.Sprintf("materializer: invalid subnet %q", subnet))
	}
	var sb strings.Builder
	sb.WriteByte('b')
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return "", apierr.New(apierr.InvalidInput, fmt.Sprintf("materializer: invalid octet %q in subnet %q", o, subnet))
		}
		fmt.Fprintf(&sb, "%03d", n)
	}
	fmt.Fprintf(&sb, "%02d", prefix)
	return sb.String(), nil
}

// VethNames derives the deterministic veth pair names for one router
// interface: "<routerCode><ifaceCode>r" (router side) and
// "<routerCode><ifaceCode>h" (hidden side).
func VethNames(routerCode, ifaceCode string) (router, hidden string) {
	base := routerCode + ifaceCode
	return base + "r", base + "h"
}

// hashShort derives a short, stable hash suffix, used when a namespace
// name (arbitrary length, unlike a router's short code) must be folded
// into a veth name under the kernel's IFNAMSIZ (15 bytes).
func hashShort(s string) string {
	sum := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", sum[:3])
}

// hostVethNames derives the veth pair for a dynamic host namespace from a
// hash of its name rather than a registry short code, since dynamic hosts
// come and go per run and aren't worth registering a stable code for.
func hostVethNames(hostName string) (host, hidden string) {
	base := "h" + hashShort(hostName)
	return base + "r", base + "h"
}

// DSCPAccountingChain is the deterministic name of the per-DSCP counter
// chain MaterializeRouter installs for code, read by the Executor's
// ANALYZE phase to tell whether a run's probe packets reached a hop at
// all, independent of the hop's real ACCEPT/DROP verdict rules.
func DSCPAccountingChain(code int) string {
	return fmt.Sprintf("TSIMD_DSCP_%d", code)
}

// MaterializeRouter builds the per-router command batch for one router:
// namespace + forwarding, veth pairs + bridge enslavement, addresses/
// MTU/MAC, routes, policy rules, ipsets then iptables (ipsets must
// precede iptables since rules may reference them by name), then one
// counter-only chain per configured DSCP code point jumped to from the
// top of FORWARD/INPUT — concurrently running jobs tag probes with a
// distinct code, so each job's packets are counted without touching the
// real ruleset's verdict. dscpPool is the full configured DSCP pool, not
// just the code assigned to this particular run, since the accounting
// chains are installed once at setup and reused by every later run.
func (m *Materializer) MaterializeRouter(router *types.Router, routerCode string, ifaceCodes map[string]string, dscpPool []int) *CommandBuffer {
	buf := NewCommandBuffer(router.Name)

	buf.Add("ip netns add %s 2>/dev/null || true", router.Name)
	buf.Add("ip netns exec %s sysctl -w net.ipv4.ip_forward=1", router.Name)
	buf.Add("ip netns exec %s sysctl -w net.ipv6.conf.all.forwarding=1", router.Name)
	buf.Add("ip netns exec %s ip link set lo up", router.Name)

	for _, iface := range router.Interfaces {
		if iface.Name == "lo" {
			continue
		}
		ifaceCode := ifaceCodes[iface.Name]
		routerSide, hiddenSide := VethNames(routerCode, ifaceCode)

		buf.Add("ip link add %s type veth peer name %s", routerSide, hiddenSide)
		buf.Add("ip link set %s netns %s", routerSide, router.Name)
		buf.Add("ip netns exec %s ip link set %s name %s", router.Name, routerSide, iface.Name)
		buf.Add("ip link set %s netns %s", hiddenSide, HiddenNamespace)

		for _, addr := range iface.Addresses {
			subnet := addr.IP
			if _, network, err := net.ParseCIDR(fmt.Sprintf("%s/%d", addr.IP, addr.Prefix)); err == nil {
				subnet = network.IP.String()
			}
			bridgeName, err := BridgeName(subnet, addr.Prefix)
			if err == nil {
				if _, found := m.registry.FindBridgeBySubnet(subnet, addr.Prefix); !found {
					buf.Add("ip netns exec %s ip link add %s type bridge 2>/dev/null || true", HiddenNamespace, bridgeName)
					buf.Add("ip netns exec %s ip link set %s up", HiddenNamespace, bridgeName)
					_, _ = m.registry.RegisterBridge(bridgeName, subnet, addr.Prefix)
				}
				buf.Add("ip netns exec %s ip link set %s master %s", HiddenNamespace, hiddenSide, bridgeName)
			}
			buf.Add("ip netns exec %s ip link set %s up", HiddenNamespace, hiddenSide)
			buf.Add("ip netns exec %s ip addr add %s/%d dev %s", router.Name, addr.IP, addr.Prefix, iface.Name)
		}

		if iface.MAC != "" {
			buf.Add("ip netns exec %s ip link set %s address %s", router.Name, iface.Name, iface.MAC)
		}
		buf.Add("ip netns exec %s ip link set %s mtu %d", router.Name, iface.Name, iface.MTU)
		if iface.Up {
			buf.Add("ip netns exec %s ip link set %s up", router.Name, iface.Name)
		} else {
			buf.Add("ip netns exec %s ip link set %s down", router.Name, iface.Name)
		}
	}

	for _, route := range router.Routes {
		if route.Table == "local" {
			continue
		}
		tableArg := ""
		if route.Table != "" && route.Table != "main" {
			tableArg = "table " + route.Table + " "
		}
		buf.Add("ip netns exec %s ip route add %s%s", router.Name, tableArg, route.Raw)
	}

	for _, rule := range router.Rules {
		if types.ReservedRulePriorities[rule.Priority] {
			continue
		}
		buf.Add("ip netns exec %s %s", router.Name, ruleCommand(rule))
	}

	if len(router.IPSetSave) > 0 {
		buf.Add("ip netns exec %s ipset restore <<'TSIMEOF'\n%s\nTSIMEOF", router.Name, string(router.IPSetSave))
	}
	if len(router.IPTablesSave) > 0 {
		buf.Add("ip netns exec %s iptables-restore <<'TSIMEOF'\n%s\nTSIMEOF", router.Name, string(router.IPTablesSave))
	}

	for _, code := range dscpPool {
		chain := DSCPAccountingChain(code)
		buf.Add("ip netns exec %s iptables -t filter -N %s 2>/dev/null || true", router.Name, chain)
		buf.Add("ip netns exec %s iptables -t filter -F %s", router.Name, chain)
		buf.Add("ip netns exec %s iptables -t filter -A %s -j RETURN", router.Name, chain)
		buf.Add("ip netns exec %s iptables -t filter -I FORWARD 1 -m dscp --dscp %d -j %s", router.Name, code, chain)
		buf.Add("ip netns exec %s iptables -t filter -I INPUT 1 -m dscp --dscp %d -j %s", router.Name, code, chain)
	}

	return buf
}

// MaterializeHost builds the command batch for one dynamic host namespace:
// a minimal namespace holding a single address, attached via veth to the
// bridge whose subnet contains addrCIDR. Used by the Executor's
// SETUP_HOSTS phase for the source/destination endpoints of a run, unlike
// MaterializeRouter this is never persisted in the Registry as a bridge —
// only as a HostRecord the Executor owns and tears down itself.
func (m *Materializer) MaterializeHost(hostName, addrCIDR, bridgeName string) *CommandBuffer {
	buf := NewCommandBuffer(hostName)
	hostSide, hiddenSide := hostVethNames(hostName)

	buf.Add("ip netns add %s 2>/dev/null || true", hostName)
	buf.Add("ip link add %s type veth peer name %s", hostSide, hiddenSide)
	buf.Add("ip link set %s netns %s", hostSide, hostName)
	buf.Add("ip link set %s netns %s", hiddenSide, HiddenNamespace)
	buf.Add("ip netns exec %s ip link set %s master %s", HiddenNamespace, hiddenSide, bridgeName)
	buf.Add("ip netns exec %s ip link set %s up", HiddenNamespace, hiddenSide)
	buf.Add("ip netns exec %s ip link set lo up", hostName)
	buf.Add("ip netns exec %s ip link set %s up", hostName, hostSide)
	buf.Add("ip netns exec %s ip addr add %s dev %s", hostName, addrCIDR, hostSide)
	return buf
}

// CleanupHost tears down one dynamic host namespace. Unlike CleanupRouter
// this deletes the namespace unconditionally: dynamic hosts are never
// materialized across runs, so there is no ipset state to preserve.
func CleanupHost(ctx context.Context, hostName string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("ip netns del %s 2>/dev/null || true", hostName))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apierr.Wrap(apierr.Transient, fmt.Sprintf("materializer: host cleanup failed for %s: %s", hostName, string(output)), err)
	}
	return nil
}

func ruleCommand(rule *types.Rule) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ip rule add priority %d", rule.Priority)
	if rule.From != "" {
		fmt.Fprintf(&sb, " from %s", rule.From)
	}
	if rule.To != "" {
		fmt.Fprintf(&sb, " to %s", rule.To)
	}
	if rule.IIF != "" {
		fmt.Fprintf(&sb, " iif %s", rule.IIF)
	}
	if rule.OIF != "" {
		fmt.Fprintf(&sb, " oif %s", rule.OIF)
	}
	if rule.FWMark != "" {
		fmt.Fprintf(&sb, " fwmark %s", rule.FWMark)
	}
	table := rule.Table
	if table == "" {
		table = "main"
	}
	fmt.Fprintf(&sb, " lookup %s", table)
	return sb.String()
}

// Run executes buf's accumulated commands as a single shell invocation.
// Each line runs independently (newline-joined, not "&&"-chained), so a
// failing command doesn't abort the rest of the batch; Run records
// failed output as a warning rather than returning an error.
func (b *CommandBuffer) Run(ctx context.Context) error {
	if len(b.lines) == 0 {
		return nil
	}
	script := strings.Join(b.lines, "\n")
	timer := metrics.NewTimer()
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	output, err := cmd.CombinedOutput()
	timer.ObserveDurationVec(metrics.MaterializeDuration, b.namespace)
	if err != nil {
		b.failures = append(b.failures, string(output))
		metrics.MaterializeCommandFailures.WithLabelValues(b.namespace).Inc()
		log.WithComponent("materializer").Warn().
			Str("namespace", b.namespace).
			Str("output", string(output)).
			Err(err).
			Msg("materializer batch reported a non-fatal command failure")
	}
	return nil
}

// CleanupRouter tears down router's namespace: flush/destroy ipsets,
// delete the namespace. The hidden namespace and bridges persist across
// runs.
func CleanupRouter(ctx context.Context, routerName string) error {
	script := strings.Join([]string{
		fmt.Sprintf("ip netns exec %s ipset flush 2>/dev/null || true", routerName),
		fmt.Sprintf("ip netns exec %s ipset destroy 2>/dev/null || true", routerName),
		fmt.Sprintf("ip netns del %s 2>/dev/null || true", routerName),
	}, "\n")
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apierr.Wrap(apierr.Transient, fmt.Sprintf("materializer: cleanup failed for %s: %s", routerName, string(output)), err)
	}
	return nil
}
