package facts

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/tsimd/pkg/apierr"
)

// RTTSample is one row of a CSV-with-comment-header traceroute/MTR capture:
// a hop index, the responding address, and one RTT per probe round. This is
// the wire format of the restricted-shell remote-trace collaborator; the
// loader consumes structured records here, never raw shell output.
type RTTSample struct {
	Hop     int
	Addr    string
	Samples []float64 // milliseconds, in probe-round order
}

// ParseRTTCSV parses a CSV capture. Lines beginning with '#' are comments
// (including the header) and are skipped. Each data row is
// "hop,addr,rtt1,rtt2,rtt3,...". Malformed rows are skipped, not fatal,
// matching the facts loader's tolerance for partial input.
func ParseRTTCSV(r io.Reader) ([]RTTSample, error) {
	scanner := bufio.NewScanner(r)
	var out []RTTSample
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}
		hop, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		sample := RTTSample{Hop: hop, Addr: strings.TrimSpace(fields[1])}
		for _, f := range fields[2:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				continue
			}
			sample.Samples = append(sample.Samples, v)
		}
		out = append(out, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "facts: failed reading rtt csv", fmt.Errorf("%w", err))
	}
	return out, nil
}

// MedianRTT returns the representative round-trip time for one hop's
// samples.
//
// For an odd number of samples this is the true median; for an even number,
// it's the lower of the two middle values rather than their average, so the
// result is always one of the observed samples and never fabricates a value
// no probe produced. Falls back to the arithmetic mean only when fewer than
// 2 samples exist (no meaningful median over 0 or 1 values).
func MedianRTT(samples []float64) float64 {
	n := len(samples)
	switch n {
	case 0:
		return 0
	case 1:
		return samples[0]
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1]
}
