package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/tsimd/pkg/materializer"
)

func TestArrivedDeltaReadsOnlyTheAccountingChainTarget(t *testing.T) {
	target := materializer.DSCPAccountingChain(40)
	before := []ruleCounter{
		{Line: 1, Target: "ACCEPT", Pkts: 100},
		{Line: 2, Target: target, Pkts: 5},
	}
	after := []ruleCounter{
		{Line: 1, Target: "ACCEPT", Pkts: 108}, // unrelated traffic also moved
		{Line: 2, Target: target, Pkts: 8},
	}
	assert.Equal(t, int64(3), arrivedDelta(before, after, 40))
}

func TestArrivedDeltaZeroWhenTargetAbsent(t *testing.T) {
	before := []ruleCounter{{Line: 1, Target: "ACCEPT", Pkts: 0}}
	after := []ruleCounter{{Line: 1, Target: "ACCEPT", Pkts: 5}}
	assert.Equal(t, int64(0), arrivedDelta(before, after, 40))
}

func TestVerdictRuleReturnsFirstAdvancingTerminatingRuleInOrder(t *testing.T) {
	before := []ruleCounter{
		{Line: 1, Target: "ACCEPT", Pkts: 10},
		{Line: 2, Target: "DROP", Pkts: 0},
	}
	after := []ruleCounter{
		{Line: 1, Target: "ACCEPT", Pkts: 10}, // did not advance
		{Line: 2, Target: "DROP", Pkts: 1},
	}
	target, ruleText, found := verdictRule(before, after)
	assert.True(t, found)
	assert.Equal(t, "DROP", target)
	assert.Contains(t, ruleText, "line 2")
}

func TestVerdictRuleSkipsNonTerminatingTargets(t *testing.T) {
	before := []ruleCounter{{Line: 1, Target: "MARK", Pkts: 0}}
	after := []ruleCounter{{Line: 1, Target: "MARK", Pkts: 5}}
	_, _, found := verdictRule(before, after)
	assert.False(t, found)
}

func TestVerdictRuleNotFoundWhenNothingAdvanced(t *testing.T) {
	before := []ruleCounter{{Line: 1, Target: "ACCEPT", Pkts: 10}}
	after := []ruleCounter{{Line: 1, Target: "ACCEPT", Pkts: 10}}
	_, _, found := verdictRule(before, after)
	assert.False(t, found)
}

func TestIsTerminatingTarget(t *testing.T) {
	assert.True(t, isTerminatingTarget("ACCEPT"))
	assert.True(t, isTerminatingTarget("DROP"))
	assert.True(t, isTerminatingTarget("REJECT"))
	assert.False(t, isTerminatingTarget("MARK"))
	assert.False(t, isTerminatingTarget("LOG"))
}
