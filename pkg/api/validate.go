package api

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

const maxServices = 10

// validateIPv4 enforces the dotted-quad requirement; net.ParseIP also
// accepts IPv6 and various shorthand forms that are out of scope here.
func validateIPv4(field, value string) error {
	if net.ParseIP(value).To4() == nil || strings.Count(value, ".") != 3 {
		return apierr.New(apierr.InvalidInput, fmt.Sprintf("%s must be a dotted-quad IPv4 address", field))
	}
	return nil
}

// parseServices parses a comma-separated destination spec where each
// entry is "port[/proto]" or "lo-hi[/proto]", proto defaulting to tcp.
// Returns apierr.InvalidInput if any entry is malformed, a port falls
// outside [1,65535], or the expansion exceeds maxServices entries.
func parseServices(spec string) ([]types.Service, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, apierr.New(apierr.InvalidInput, "services must not be empty")
	}

	var out []types.Service
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		portPart, proto, err := splitProto(entry)
		if err != nil {
			return nil, err
		}

		lo, hi, err := splitRange(portPart)
		if err != nil {
			return nil, err
		}

		for p := lo; p <= hi; p++ {
			if len(out) >= maxServices {
				return nil, apierr.New(apierr.InvalidInput, fmt.Sprintf("at most %d services allowed per run", maxServices))
			}
			out = append(out, types.Service{Port: p, Protocol: proto})
		}
	}
	if len(out) == 0 {
		return nil, apierr.New(apierr.InvalidInput, "services must not be empty")
	}
	return out, nil
}

func splitProto(entry string) (portPart string, proto types.Protocol, err error) {
	parts := strings.SplitN(entry, "/", 2)
	portPart = parts[0]
	proto = types.ProtocolTCP
	if len(parts) == 2 {
		switch strings.ToLower(parts[1]) {
		case "tcp":
			proto = types.ProtocolTCP
		case "udp":
			proto = types.ProtocolUDP
		default:
			return "", "", apierr.New(apierr.InvalidInput, fmt.Sprintf("unknown protocol %q", parts[1]))
		}
	}
	return portPart, proto, nil
}

func splitRange(portPart string) (lo, hi int, err error) {
	if strings.Contains(portPart, "-") {
		bounds := strings.SplitN(portPart, "-", 2)
		lo, err = parsePort(bounds[0])
		if err != nil {
			return 0, 0, err
		}
		hi, err = parsePort(bounds[1])
		if err != nil {
			return 0, 0, err
		}
		if hi < lo {
			return 0, 0, apierr.New(apierr.InvalidInput, fmt.Sprintf("port range %q is inverted", portPart))
		}
		return lo, hi, nil
	}
	p, err := parsePort(portPart)
	if err != nil {
		return 0, 0, err
	}
	return p, p, nil
}

func parsePort(raw string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || p < 1 || p > 65535 {
		return 0, apierr.New(apierr.InvalidInput, fmt.Sprintf("port %q must be in [1,65535]", raw))
	}
	return p, nil
}
