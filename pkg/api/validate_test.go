package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

func TestValidateIPv4Accepts(t *testing.T) {
	assert.NoError(t, validateIPv4("source", "10.0.0.1"))
}

func TestValidateIPv4RejectsIPv6(t *testing.T) {
	err := validateIPv4("source", "::1")
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidInput, apierr.CodeOf(err))
}

func TestValidateIPv4RejectsGarbage(t *testing.T) {
	err := validateIPv4("source", "not-an-ip")
	require.Error(t, err)
}

func TestParseServicesSinglePort(t *testing.T) {
	svcs, err := parseServices("443")
	require.NoError(t, err)
	assert.Equal(t, []types.Service{{Port: 443, Protocol: types.ProtocolTCP}}, svcs)
}

func TestParseServicesCommaSeparatedWithProto(t *testing.T) {
	svcs, err := parseServices("80,443/tcp,53/udp")
	require.NoError(t, err)
	require.Len(t, svcs, 3)
	assert.Equal(t, types.Service{Port: 80, Protocol: types.ProtocolTCP}, svcs[0])
	assert.Equal(t, types.Service{Port: 53, Protocol: types.ProtocolUDP}, svcs[2])
}

func TestParseServicesRange(t *testing.T) {
	svcs, err := parseServices("8000-8003/udp")
	require.NoError(t, err)
	require.Len(t, svcs, 4)
	assert.Equal(t, 8000, svcs[0].Port)
	assert.Equal(t, 8003, svcs[3].Port)
}

func TestParseServicesRejectsTooMany(t *testing.T) {
	_, err := parseServices("1-11")
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidInput, apierr.CodeOf(err))
}

func TestParseServicesRejectsBadPort(t *testing.T) {
	_, err := parseServices("70000")
	require.Error(t, err)
}

func TestParseServicesRejectsBadProto(t *testing.T) {
	_, err := parseServices("80/sctp")
	require.Error(t, err)
}

func TestParseServicesRejectsInvertedRange(t *testing.T) {
	_, err := parseServices("100-50")
	require.Error(t, err)
}

func TestParseServicesRejectsEmpty(t *testing.T) {
	_, err := parseServices("")
	require.Error(t, err)
}
