// Package netstate reads back real kernel link state over a raw
// NETLINK_ROUTE socket (RTM_GETLINK dump), to check that veths/bridges the
// Materializer created exist in the kernel. The Reconciler does not call
// it. Grounded on the socket-open/request/parse shape of
// digitalocean-go-openvswitch's ovsnl client, adapted from generic
// netlink (genetlink, OVS families) to raw rtnetlink link dumps.
package netstate

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/cuemby/tsimd/pkg/apierr"
)

// Link is one interface reported by the kernel.
type Link struct {
	Index     int
	Name      string
	Up        bool
	MTU       int
	OperState string
	MasterIdx int // 0 if not enslaved to a bridge
}

const ifinfomsgLen = 16

// ListLinks dials a transient NETLINK_ROUTE socket and returns every link
// currently known to the kernel, via one RTM_GETLINK dump request.
func ListLinks() ([]Link, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "netstate: dial rtnetlink", err)
	}
	defer conn.Close()

	req := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(unix.RTM_GETLINK),
			Flags: netlink.HeaderFlagsRequest | netlink.HeaderFlagsDump,
		},
		Data: ifinfomsgBytes(0),
	}

	msgs, err := conn.Execute(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "netstate: RTM_GETLINK dump", err)
	}

	links := make([]Link, 0, len(msgs))
	for _, m := range msgs {
		link, err := parseLink(m.Data)
		if err != nil {
			continue // malformed or non-link message in the dump, skip
		}
		links = append(links, link)
	}
	return links, nil
}

// LinkByName dumps every link and returns the one named name, if present.
func LinkByName(name string) (Link, bool, error) {
	links, err := ListLinks()
	if err != nil {
		return Link{}, false, err
	}
	for _, l := range links {
		if l.Name == name {
			return l, true, nil
		}
	}
	return Link{}, false, nil
}

// ifinfomsgBytes builds the fixed 16-byte ifinfomsg header that precedes
// a RTM_GETLINK request's attribute list; ifindex 0 requests all links.
func ifinfomsgBytes(ifindex int32) []byte {
	b := make([]byte, ifinfomsgLen)
	b[0] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(b[4:8], uint32(ifindex))
	return b
}

func parseLink(data []byte) (Link, error) {
	if len(data) < ifinfomsgLen {
		return Link{}, fmt.Errorf("netstate: short ifinfomsg: %d bytes", len(data))
	}
	family := data[0]
	index := int32(binary.LittleEndian.Uint32(data[4:8]))
	flags := binary.LittleEndian.Uint32(data[8:12])

	attrs, err := netlink.UnmarshalAttributes(data[ifinfomsgLen:])
	if err != nil {
		return Link{}, err
	}

	link := Link{
		Index: int(index),
		Up:    flags&unix.IFF_UP != 0,
	}
	_ = family

	for _, a := range attrs {
		switch int(a.Type) {
		case unix.IFLA_IFNAME:
			link.Name = nullTerminatedString(a.Data)
		case unix.IFLA_MTU:
			if len(a.Data) >= 4 {
				link.MTU = int(binary.LittleEndian.Uint32(a.Data))
			}
		case unix.IFLA_MASTER:
			if len(a.Data) >= 4 {
				link.MasterIdx = int(binary.LittleEndian.Uint32(a.Data))
			}
		case unix.IFLA_OPERSTATE:
			if len(a.Data) >= 1 {
				link.OperState = operStateName(a.Data[0])
			}
		}
	}
	return link, nil
}

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// operStateName maps the RFC 2863 IF_OPER_* byte values rtnetlink reports
// for IFLA_OPERSTATE. Unknown values pass through as "unknown".
func operStateName(v byte) string {
	switch v {
	case 0:
		return "unknown"
	case 1:
		return "notpresent"
	case 2:
		return "down"
	case 3:
		return "lowerlayerdown"
	case 4:
		return "testing"
	case 5:
		return "dormant"
	case 6:
		return "up"
	default:
		return "unknown"
	}
}
