package facts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `
=== TSIM_SECTION_START:interfaces ===
1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536
    inet 127.0.0.1/8 scope host lo
2: eth0@eth0.100: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500
    link/ether 02:42:ac:11:00:02
    inet 10.1.1.10/24 brd 10.1.1.255 scope global eth0
3: eth1: <BROADCAST,MULTICAST> mtu 1500 state DOWN
    inet 10.2.1.1/24 scope global eth1
EXIT_CODE: 0
=== TSIM_SECTION_END:interfaces ===
=== TSIM_SECTION_START:policy_rules ===
0: from all lookup local
100: from 10.1.1.0/24 lookup main
32766: from all lookup main
=== TSIM_SECTION_END:policy_rules ===
=== TSIM_SECTION_START:routing_table_main ===
default via 10.1.1.1 dev eth0
10.2.0.0/16 dev eth1 src 10.2.1.1 metric 100
=== TSIM_SECTION_END:routing_table_main ===
=== TSIM_SECTION_START:routing_table_local ===
broadcast 10.1.1.255 dev eth0
=== TSIM_SECTION_END:routing_table_local ===
=== TSIM_SECTION_START:iptables_save ===
*filter
-A FORWARD -p tcp --dport 443 -j ACCEPT
COMMIT
=== TSIM_SECTION_END:iptables_save ===
`

func TestParseInterfaces(t *testing.T) {
	router, err := Parse("hq-gw", strings.NewReader(sampleDump))
	require.NoError(t, err)
	require.Len(t, router.Interfaces, 3)

	lo := router.Interfaces[0]
	assert.Equal(t, "lo", lo.Name)
	assert.True(t, lo.Up)
	assert.Equal(t, 65536, lo.MTU)
	require.Len(t, lo.Addresses, 1)
	assert.Equal(t, "127.0.0.1", lo.Addresses[0].IP)
	assert.Equal(t, 8, lo.Addresses[0].Prefix)

	eth0 := router.Interfaces[1]
	assert.Equal(t, "eth0", eth0.Name)
	assert.Equal(t, "eth0.100", eth0.Parent)
	assert.True(t, eth0.Up)
	assert.Equal(t, "02:42:ac:11:00:02", eth0.MAC)
	require.Len(t, eth0.Addresses, 1)
	assert.Equal(t, "10.1.1.255", eth0.Addresses[0].Broadcast)

	eth1 := router.Interfaces[2]
	assert.False(t, eth1.Up, "state DOWN must override the UP flag token")
}

func TestParsePolicyRulesSkipNothingButCallerFilters(t *testing.T) {
	router, err := Parse("hq-gw", strings.NewReader(sampleDump))
	require.NoError(t, err)
	require.Len(t, router.Rules, 3)
	assert.Equal(t, 0, router.Rules[0].Priority)
	assert.Equal(t, 100, router.Rules[1].Priority)
	assert.Equal(t, "10.1.1.0/24", router.Rules[1].From)
	assert.Equal(t, "main", router.Rules[1].Table)
}

func TestParseRoutesExcludesLocalTable(t *testing.T) {
	router, err := Parse("hq-gw", strings.NewReader(sampleDump))
	require.NoError(t, err)
	require.Len(t, router.Routes, 2)
	assert.Equal(t, "0.0.0.0/0", router.Routes[0].Destination)
	assert.Equal(t, "10.1.1.1", router.Routes[0].Gateway)
	assert.Equal(t, "eth1", router.Routes[1].Device)
	assert.Equal(t, 100, router.Routes[1].Metric)
}

func TestParseIPTablesSaveStoredOpaque(t *testing.T) {
	router, err := Parse("hq-gw", strings.NewReader(sampleDump))
	require.NoError(t, err)
	assert.Contains(t, string(router.IPTablesSave), "--dport 443")
}

func TestParseMissingSectionNotFatal(t *testing.T) {
	router, err := Parse("empty-gw", strings.NewReader("=== TSIM_SECTION_START:interfaces ===\n=== TSIM_SECTION_END:interfaces ===\n"))
	require.NoError(t, err)
	assert.Empty(t, router.Rules)
	assert.Empty(t, router.Routes)
}

func TestParseMalformedHeaderSkipsInterfaceOnly(t *testing.T) {
	dump := `
=== TSIM_SECTION_START:interfaces ===
not a valid header line
2: eth0: <UP> mtu 1500
    inet 10.0.0.1/24 scope global eth0
=== TSIM_SECTION_END:interfaces ===
`
	router, err := Parse("r1", strings.NewReader(dump))
	require.NoError(t, err)
	require.Len(t, router.Interfaces, 1)
	assert.Equal(t, "eth0", router.Interfaces[0].Name)
}
