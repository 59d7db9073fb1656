package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/tsimd/pkg/types"
)

func TestChainForLocalTerminusUsesINPUT(t *testing.T) {
	assert.Equal(t, "INPUT", chainFor(types.Hop{Router: "r1", OutIface: "local"}))
}

func TestChainForTransitHopUsesFORWARD(t *testing.T) {
	assert.Equal(t, "FORWARD", chainFor(types.Hop{Router: "r1", OutIface: "eth0"}))
}

func TestDscpToTOSPacksTopSixBits(t *testing.T) {
	assert.Equal(t, 0, dscpToTOS(0))
	assert.Equal(t, 160, dscpToTOS(40)) // 40<<2
	assert.Equal(t, 252, dscpToTOS(63)) // max 6-bit value
}
