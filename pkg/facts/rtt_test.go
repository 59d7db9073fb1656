package facts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRTTCSV = `# hop,addr,rtt1,rtt2,rtt3
1,10.1.1.1,0.5,0.6,0.4
2,10.2.1.1,1.2,1.1,1.3,1.0
bad row
3,10.3.1.1,
`

func TestParseRTTCSV(t *testing.T) {
	samples, err := ParseRTTCSV(strings.NewReader(sampleRTTCSV))
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.Equal(t, 1, samples[0].Hop)
	assert.Equal(t, "10.1.1.1", samples[0].Addr)
	assert.Equal(t, []float64{0.5, 0.6, 0.4}, samples[0].Samples)

	assert.Equal(t, 2, samples[1].Hop)
	assert.Len(t, samples[1].Samples, 4)

	assert.Equal(t, 3, samples[2].Hop)
	assert.Empty(t, samples[2].Samples)
}

func TestMedianRTTOdd(t *testing.T) {
	assert.Equal(t, 0.5, MedianRTT([]float64{0.6, 0.4, 0.5}))
}

func TestMedianRTTEvenTakesLowerMiddle(t *testing.T) {
	assert.Equal(t, 1.1, MedianRTT([]float64{1.0, 1.1, 1.2, 1.3}))
}

func TestMedianRTTSingleSample(t *testing.T) {
	assert.Equal(t, 2.0, MedianRTT([]float64{2.0}))
}

func TestMedianRTTEmpty(t *testing.T) {
	assert.Equal(t, 0.0, MedianRTT(nil))
}
