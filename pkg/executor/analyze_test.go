package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/materializer"
	"github.com/cuemby/tsimd/pkg/types"
)

const testDSCP = 40

// chain returns a synthetic before/after pair with one accounting-chain
// counter (DSCP arrivals) and optionally one terminating rule counter.
func chain(arrivedBefore, arrivedAfter int64, verdictTarget string, verdictBefore, verdictAfter int64) (before, after []ruleCounter) {
	accTarget := materializer.DSCPAccountingChain(testDSCP)
	before = []ruleCounter{{Line: 1, Target: accTarget, Pkts: arrivedBefore}}
	after = []ruleCounter{{Line: 1, Target: accTarget, Pkts: arrivedAfter}}
	if verdictTarget != "" {
		before = append(before, ruleCounter{Line: 2, Target: verdictTarget, Pkts: verdictBefore})
		after = append(after, ruleCounter{Line: 2, Target: verdictTarget, Pkts: verdictAfter})
	}
	return before, after
}

func newAnalyzeState(snaps []hopSnapshot) *runState {
	return &runState{
		run: &types.Run{
			DSCP:    testDSCP,
			Results: []types.ServiceResult{{Service: types.Service{Port: 80, Protocol: types.ProtocolTCP}}},
		},
		snapshots: [][]hopSnapshot{snaps},
	}
}

func TestPhaseAnalyzePassesWhenEveryHopAccepts(t *testing.T) {
	before1, after1 := chain(0, 3, "ACCEPT", 0, 3)
	before2, after2 := chain(0, 3, "ACCEPT", 0, 3)
	st := newAnalyzeState([]hopSnapshot{
		{hop: types.Hop{Router: "r1"}, chain: "FORWARD", before: before1, after: after1},
		{hop: types.Hop{Router: "r2"}, chain: "INPUT", before: before2, after: after2},
	})

	e := &Executor{}
	require.NoError(t, e.phaseAnalyze(context.Background(), st))

	result := st.run.Results[0]
	assert.Equal(t, types.VerdictPass, result.Verdict)
	assert.Len(t, result.Hops, 2)
	assert.Equal(t, int64(3), result.Hops[0].AcceptDelta)
	assert.Equal(t, int64(3), result.Hops[1].AcceptDelta)
}

func TestPhaseAnalyzeBlockedStopsAtFirstDrop(t *testing.T) {
	before1, after1 := chain(0, 3, "ACCEPT", 0, 3)
	before2, after2 := chain(0, 3, "DROP", 0, 3)
	before3, after3 := chain(0, 3, "ACCEPT", 0, 3)
	st := newAnalyzeState([]hopSnapshot{
		{hop: types.Hop{Router: "r1"}, chain: "FORWARD", before: before1, after: after1},
		{hop: types.Hop{Router: "r2"}, chain: "FORWARD", before: before2, after: after2},
		{hop: types.Hop{Router: "r3"}, chain: "INPUT", before: before3, after: after3},
	})

	e := &Executor{}
	require.NoError(t, e.phaseAnalyze(context.Background(), st))

	result := st.run.Results[0]
	assert.Equal(t, types.VerdictBlocked, result.Verdict)
	assert.Equal(t, "r2", result.BlockedAt)
	assert.Contains(t, result.Rule, "DROP")
	// the walk stops at the blocking hop; r3 is never recorded
	assert.Len(t, result.Hops, 2)
	assert.Equal(t, int64(3), result.Hops[1].DropDelta)
}

func TestPhaseAnalyzeNotReachedLatchesAndStopsTheWalk(t *testing.T) {
	// r1 never sees the DSCP-tagged packets arrive at all; r2 would show a
	// clean ACCEPT if reached, but the walk must never get there, and the
	// verdict must stay not_reached rather than being overwritten by r2.
	before1, after1 := chain(0, 0, "", 0, 0)
	before2, after2 := chain(0, 3, "ACCEPT", 0, 3)
	st := newAnalyzeState([]hopSnapshot{
		{hop: types.Hop{Router: "r1"}, chain: "FORWARD", before: before1, after: after1},
		{hop: types.Hop{Router: "r2"}, chain: "INPUT", before: before2, after: after2},
	})

	e := &Executor{}
	require.NoError(t, e.phaseAnalyze(context.Background(), st))

	result := st.run.Results[0]
	assert.Equal(t, types.VerdictUnreached, result.Verdict)
	assert.Len(t, result.Hops, 1)
	assert.Equal(t, "r1", result.Hops[0].Router)
}

func TestPhaseAnalyzeArrivalWithNoTerminatingRuleIsTreatedAsPass(t *testing.T) {
	// packets arrive but no numbered rule's counter advanced (e.g. a chain
	// default policy handled them): this is a pass, not a block.
	before, after := chain(0, 3, "", 0, 0)
	st := newAnalyzeState([]hopSnapshot{
		{hop: types.Hop{Router: "r1"}, chain: "INPUT", before: before, after: after},
	})

	e := &Executor{}
	require.NoError(t, e.phaseAnalyze(context.Background(), st))

	result := st.run.Results[0]
	assert.Equal(t, types.VerdictPass, result.Verdict)
	assert.Equal(t, int64(3), result.Hops[0].AcceptDelta)
}
