// Package facts loads per-router text dumps into the closed Router record
// types defined in pkg/types. A dump is a sequence of sections delimited by
// "=== TSIM_SECTION_START:<name> ===" / "=== TSIM_SECTION_END:<name> ==="
// markers; body lines may be followed by a trailing "EXIT_CODE: <n>" line
// that is not part of the payload.
package facts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

const (
	sectionStartPrefix = "=== TSIM_SECTION_START:"
	sectionEndPrefix   = "=== TSIM_SECTION_END:"
	sectionSuffix      = " ==="
)

var routingTableRe = regexp.MustCompile(`^routing_table_(.+)$`)

// Parse parses one router's text dump into a *types.Router. name is the
// router's short stable name, assigned by the caller (not present in the
// dump itself).
func Parse(name string, r io.Reader) (*types.Router, error) {
	sections, err := splitSections(r)
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, fmt.Sprintf("facts: malformed dump for %s", name), err)
	}

	router := &types.Router{Name: name}

	if body, ok := sections["interfaces"]; ok {
		router.Interfaces = parseInterfaces(body)
	}
	if body, ok := sections["policy_rules"]; ok {
		router.Rules = parseRules(body)
	}
	for section, body := range sections {
		m := routingTableRe.FindStringSubmatch(section)
		if m == nil {
			continue
		}
		router.Routes = append(router.Routes, parseRoutes(m[1], body)...)
	}
	if body, ok := sections["iptables_save"]; ok {
		router.IPTablesSave = []byte(strings.Join(body, "\n"))
	}
	if body, ok := sections["ipset_save"]; ok {
		router.IPSetSave = []byte(strings.Join(body, "\n"))
	}

	return router, nil
}

// LoadDir loads one router per file in dir. Files are read in sorted name
// order so Router slices built from the result are deterministic; the
// router's short name is its filename without extension.
func LoadDir(dir string) ([]*types.Router, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, fmt.Sprintf("facts: cannot read dir %s", dir), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	routers := make([]*types.Router, 0, len(names))
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, apierr.Wrap(apierr.Fatal, fmt.Sprintf("facts: cannot open %s", name), err)
		}
		router, err := Parse(strings.TrimSuffix(name, filepath.Ext(name)), f)
		closeErr := f.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, apierr.Wrap(apierr.Fatal, fmt.Sprintf("facts: cannot close %s", name), closeErr)
		}
		routers = append(routers, router)
	}
	return routers, nil
}

// splitSections scans r and returns the raw (trimmed, EXIT_CODE-stripped)
// body lines keyed by section name. Unknown sections are kept too; callers
// simply ignore ones they don't recognize.
func splitSections(r io.Reader) (map[string][]string, error) {
	sections := make(map[string][]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var current string
	var body []string
	inSection := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, sectionStartPrefix) {
			current = strings.TrimSuffix(strings.TrimPrefix(trimmed, sectionStartPrefix), sectionSuffix)
			current = strings.TrimSpace(current)
			body = nil
			inSection = true
			continue
		}
		if strings.HasPrefix(trimmed, sectionEndPrefix) {
			if inSection {
				sections[current] = body
			}
			inSection = false
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(trimmed, "EXIT_CODE:") {
			continue
		}
		body = append(body, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return sections, nil
}

var ifaceHeaderRe = regexp.MustCompile(`^\d+:\s+([^@:\s]+)(?:@([^:\s]+))?:\s+<([^>]*)>`)
var macRe = regexp.MustCompile(`^link/\S+\s+([0-9a-fA-F:]+)`)
var inetRe = regexp.MustCompile(`^(inet6?)\s+(\S+)(?:\s+brd\s+(\S+))?`)
var mtuRe = regexp.MustCompile(`\bmtu\s+(\d+)\b`)

// parseInterfaces parses a canonical "ip addr show" dump into Interface
// records. A malformed header line causes that interface to be skipped,
// not the whole parse.
func parseInterfaces(lines []string) []*types.Interface {
	var out []*types.Interface
	var cur *types.Interface

	flush := func() {
		if cur != nil {
			out = append(out, cur)
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := ifaceHeaderRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			cur = &types.Interface{
				Name:   m[1],
				Parent: m[2],
				MTU:    1500,
			}
			flags := m[3]
			up := strings.Contains(flags, "UP")
			down := strings.Contains(trimmed, "state DOWN")
			cur.Up = up && !down
			if mm := mtuRe.FindStringSubmatch(trimmed); mm != nil {
				if mtu, err := strconv.Atoi(mm[1]); err == nil {
					cur.MTU = mtu
				}
			}
			continue
		}
		if cur == nil {
			continue // continuation line before any valid header: ignore
		}
		if m := macRe.FindStringSubmatch(trimmed); m != nil {
			cur.MAC = m[1]
			continue
		}
		if m := inetRe.FindStringSubmatch(trimmed); m != nil {
			ip, prefix := splitCIDR(m[2])
			addr := &types.Address{
				IP:        ip,
				Prefix:    prefix,
				Broadcast: m[3],
				Family:    familyOf(m[1]),
				Secondary: strings.Contains(trimmed, "secondary"),
			}
			if idx := strings.Index(trimmed, "scope "); idx >= 0 {
				rest := trimmed[idx+len("scope "):]
				addr.Scope = strings.Fields(rest)[0]
			}
			cur.Addresses = append(cur.Addresses, addr)
		}
	}
	flush()
	return out
}

func familyOf(token string) string {
	if token == "inet6" {
		return "inet6"
	}
	return "inet"
}

func splitCIDR(s string) (ip string, prefix int) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return s, 32
	}
	p, err := strconv.Atoi(parts[1])
	if err != nil {
		return parts[0], 32
	}
	return parts[0], p
}

// parseRules parses the policy_rules section into Rule records, in file
// order. Materialization relies on this being priority order.
func parseRules(lines []string) []*types.Rule {
	var out []*types.Rule
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		rule := parseOneRule(trimmed)
		if rule == nil {
			continue
		}
		out = append(out, rule)
	}
	return out
}

var rulePriorityRe = regexp.MustCompile(`^(\d+):\s*(.*)$`)

func parseOneRule(line string) *types.Rule {
	m := rulePriorityRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	priority, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	rule := &types.Rule{Priority: priority, Table: "main"}
	fields := strings.Fields(m[2])
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "from":
			if i+1 < len(fields) {
				rule.From = fields[i+1]
				i++
			}
		case "to":
			if i+1 < len(fields) {
				rule.To = fields[i+1]
				i++
			}
		case "iif":
			if i+1 < len(fields) {
				rule.IIF = fields[i+1]
				i++
			}
		case "oif":
			if i+1 < len(fields) {
				rule.OIF = fields[i+1]
				i++
			}
		case "fwmark":
			if i+1 < len(fields) {
				rule.FWMark = fields[i+1]
				i++
			}
		case "sport":
			if i+1 < len(fields) {
				rule.SPort = fields[i+1]
				i++
			}
		case "dport":
			if i+1 < len(fields) {
				rule.DPort = fields[i+1]
				i++
			}
		case "tos":
			if i+1 < len(fields) {
				rule.TOS = fields[i+1]
				i++
			}
		case "lookup":
			if i+1 < len(fields) {
				rule.Table = fields[i+1]
				i++
			}
		}
	}
	return rule
}

// parseRoutes stores a routing_table_<table> section as raw lines, each
// tagged with its table name. Lines are never reinterpreted beyond table
// tagging: vendor syntax round-trips through Raw.
func parseRoutes(table string, lines []string) []*types.Route {
	var out []*types.Route
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if table == "local" {
			continue // kernel-synthesized, excluded from materialization
		}
		route := &types.Route{Table: table, Raw: trimmed}
		fields := strings.Fields(trimmed)
		if len(fields) > 0 {
			if fields[0] == "default" {
				route.Destination = "0.0.0.0/0"
			} else {
				route.Destination = fields[0]
			}
		}
		for i := 0; i < len(fields); i++ {
			switch fields[i] {
			case "via":
				if i+1 < len(fields) {
					route.Gateway = fields[i+1]
				}
			case "dev":
				if i+1 < len(fields) {
					route.Device = fields[i+1]
				}
			case "src":
				if i+1 < len(fields) {
					route.Source = fields[i+1]
				}
			case "metric":
				if i+1 < len(fields) {
					if v, err := strconv.Atoi(fields[i+1]); err == nil {
						route.Metric = v
					}
				}
			case "unreachable", "blackhole", "prohibit", "throw":
				route.Protocol = fields[i]
			}
		}
		out = append(out, route)
	}
	return out
}
