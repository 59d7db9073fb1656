package netstate

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseLinkExtractsNameMTUMasterAndOperState(t *testing.T) {
	data := make([]byte, ifinfomsgLen)
	data[0] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(data[4:8], 7)            // ifindex
	binary.LittleEndian.PutUint32(data[8:12], unix.IFF_UP) // flags

	data = append(data, attr(unix.IFLA_IFNAME, append([]byte("veth0"), 0))...)
	data = append(data, attr(unix.IFLA_MTU, le32(1500))...)
	data = append(data, attr(unix.IFLA_MASTER, le32(3))...)
	data = append(data, attr(unix.IFLA_OPERSTATE, []byte{6})...)

	link, err := parseLink(data)
	require.NoError(t, err)
	assert.Equal(t, 7, link.Index)
	assert.Equal(t, "veth0", link.Name)
	assert.True(t, link.Up)
	assert.Equal(t, 1500, link.MTU)
	assert.Equal(t, 3, link.MasterIdx)
	assert.Equal(t, "up", link.OperState)
}

func TestParseLinkRejectsShortHeader(t *testing.T) {
	_, err := parseLink(make([]byte, 4))
	require.Error(t, err)
}

func TestOperStateNameUnknownFallsThrough(t *testing.T) {
	assert.Equal(t, "unknown", operStateName(255))
	assert.Equal(t, "down", operStateName(2))
}

func TestNullTerminatedString(t *testing.T) {
	assert.Equal(t, "eth0", nullTerminatedString([]byte("eth0\x00")))
	assert.Equal(t, "eth0", nullTerminatedString([]byte("eth0")))
}

// attr packs one netlink attribute (2-byte length, 2-byte type, value,
// padded to a 4-byte boundary) in the wire form netlink.UnmarshalAttributes
// expects.
func attr(typ int, value []byte) []byte {
	length := 4 + len(value)
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], uint16(length))
	binary.LittleEndian.PutUint16(b[2:4], uint16(typ))
	b = append(b, value...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestListLinksSkipsWithoutPrivileges(t *testing.T) {
	links, err := ListLinks()
	if err != nil {
		t.Skipf("rtnetlink socket unavailable in this environment: %v", err)
	}
	assert.NotNil(t, links)
}
