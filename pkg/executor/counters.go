package executor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/materializer"
)

// ruleCounter is one iptables rule's packet counter and verdict target,
// as reported by "-L -v -x -n --line-numbers", in chain evaluation order
// (ascending line number, top rule first).
type ruleCounter struct {
	Line   int
	Target string
	Pkts   int64
}

// ruleLineRe matches a numbered counter line, e.g.:
// "1        42     3528 ACCEPT     all  --  *      *       0.0.0.0/0  0.0.0.0/0"
var ruleLineRe = regexp.MustCompile(`^\s*(\d+)\s+(\d+)\s+(\d+)\s+(\S+)`)

// snapshotChain reads chain's rule counters inside router's namespace.
func snapshotChain(ctx context.Context, router, chain string) ([]ruleCounter, error) {
	cmd := exec.CommandContext(ctx, "ip", "netns", "exec", router, "iptables",
		"-t", "filter", "-L", chain, "-v", "-x", "-n", "--line-numbers")
	output, err := cmd.Output()
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient,
			fmt.Sprintf("executor: snapshot %s/%s failed", router, chain), err)
	}

	var rows []ruleCounter
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		m := ruleLineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[1])
		pkts, _ := strconv.ParseInt(m[2], 10, 64)
		rows = append(rows, ruleCounter{Line: line, Target: m[4], Pkts: pkts})
	}
	return rows, nil
}

// arrivedDelta reports how many of this run's DSCP-tagged packets were
// counted at chain between before and after, read off the per-DSCP
// accounting chain's jump rule the Materializer installed at router
// setup time rather than any numbered real rule, so the count is exact
// regardless of where the real ruleset's rules happen to sit.
func arrivedDelta(before, after []ruleCounter, dscp int) int64 {
	target := materializer.DSCPAccountingChain(dscp)
	return pktsFor(after, target) - pktsFor(before, target)
}

func pktsFor(rows []ruleCounter, target string) int64 {
	for _, r := range rows {
		if r.Target == target {
			return r.Pkts
		}
	}
	return 0
}

// verdictRule walks after in chain evaluation order (the order iptables
// -L already lists rules in) and returns the first ACCEPT/DROP/REJECT
// rule whose counter advanced since before. Only this run's own
// DSCP-tagged probes are expected to cross the synthetic topology during
// the narrow window between snapshots, so the first advancing
// terminating rule is the one that decided this probe's fate.
func verdictRule(before, after []ruleCounter) (target, ruleText string, found bool) {
	byLine := make(map[int]int64, len(before))
	for _, r := range before {
		byLine[r.Line] = r.Pkts
	}
	for _, r := range after {
		if !isTerminatingTarget(r.Target) {
			continue
		}
		if r.Pkts-byLine[r.Line] > 0 {
			return r.Target, fmt.Sprintf("line %d (%s)", r.Line, r.Target), true
		}
	}
	return "", "", false
}

func isTerminatingTarget(target string) bool {
	switch target {
	case "ACCEPT", "DROP", "REJECT":
		return true
	default:
		return false
	}
}
