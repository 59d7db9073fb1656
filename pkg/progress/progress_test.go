package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/types"
)

func TestAppendAssignsStrictlyIncreasingSeq(t *testing.T) {
	tr := NewTracker()
	e1 := tr.Append("run-1", types.PhaseTrace, "computing path")
	e2 := tr.Append("run-1", types.PhaseSetupHosts, "adding hosts")

	assert.Equal(t, int64(0), e1.Seq)
	assert.Equal(t, int64(1), e2.Seq)
}

func TestSnapshotReturnsAppendOrder(t *testing.T) {
	tr := NewTracker()
	tr.Append("run-1", types.PhaseTrace, "a")
	tr.Append("run-1", types.PhaseSetupHosts, "b")

	snap := tr.Snapshot("run-1")
	require.Len(t, snap, 2)
	assert.Equal(t, types.PhaseTrace, snap[0].Phase)
	assert.Equal(t, types.PhaseSetupHosts, snap[1].Phase)
}

func TestSubscribeReplaysBacklogThenNewEvents(t *testing.T) {
	tr := NewTracker()
	tr.Append("run-1", types.PhaseTrace, "a")

	sub := tr.Subscribe("run-1")
	first := <-sub
	assert.Equal(t, types.PhaseTrace, first.Phase)

	tr.Append("run-1", types.PhaseSetupHosts, "b")
	second := <-sub
	assert.Equal(t, types.PhaseSetupHosts, second.Phase)
}

func TestSubscribeAfterSkipsEarlierEvents(t *testing.T) {
	tr := NewTracker()
	tr.Append("run-1", types.PhaseTrace, "a")
	tr.Append("run-1", types.PhaseSetupHosts, "b")

	sub := tr.SubscribeAfter("run-1", 0)
	only := <-sub
	assert.Equal(t, types.PhaseSetupHosts, only.Phase)
	assert.Equal(t, int64(1), only.Seq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	tr := NewTracker()
	sub := tr.Subscribe("run-1")
	tr.Unsubscribe("run-1", sub)

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestForgetClosesAllSubscribers(t *testing.T) {
	tr := NewTracker()
	sub := tr.Subscribe("run-1")
	tr.Forget("run-1")

	_, ok := <-sub
	assert.False(t, ok)
}
